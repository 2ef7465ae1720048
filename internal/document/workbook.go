package document

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/zombor/expense-report/internal/ocr"
	"github.com/zombor/expense-report/internal/report"
)

const summarySheet = "Summary"

// countries maps alternate-mode country codes to their Korean name and
// currency unit. Unknown codes fall back to RUS.
var countries = map[string]struct{ name, unit string }{
	"RUS": {"러시아", "루블"},
	"CRM": {"크림지역", "루블"},
	"KAZ": {"카자흐스탄", "텡게"},
	"UZB": {"우즈베키스탄", "숨"},
	"UKR": {"우크라이나", "흐리우냐"},
}

// Workbook writes expense reports as XLSX files into a directory
type Workbook struct {
	dir        string
	timeSource report.TimeSource

	// mu serialises name selection and writing so numbered names stay unique
	mu sync.Mutex
}

type clock struct{}

func (clock) Now() time.Time { return time.Now() }

// NewWorkbook creates a Workbook writing into dir
func NewWorkbook(dir string) (*Workbook, error) {
	return NewWorkbookWithDeps(dir, clock{})
}

// NewWorkbookWithDeps creates a Workbook with a custom time source for testing
func NewWorkbookWithDeps(dir string, timeSrc report.TimeSource) (*Workbook, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	return &Workbook{dir: dir, timeSource: timeSrc}, nil
}

// Dir returns the output directory
func (w *Workbook) Dir() string {
	return w.dir
}

// Write renders req and returns the name of the written file
func (w *Workbook) Write(req report.GenerateRequest) (string, error) {
	if len(req.Items) == 0 {
		return "", report.ErrNoItems
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return "", fmt.Errorf("naming summary sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return "", fmt.Errorf("creating style: %w", err)
	}

	if err := writeSummary(f, req, bold); err != nil {
		return "", fmt.Errorf("writing summary: %w", err)
	}
	for i, item := range req.Items {
		if err := writeDetail(f, req.Language, i+1, item, bold); err != nil {
			return "", fmt.Errorf("writing item %d: %w", item.ID, err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	name := w.fileName(req)
	if err := f.SaveAs(filepath.Join(w.dir, name)); err != nil {
		return "", fmt.Errorf("saving workbook: %w", err)
	}
	slog.Info("Wrote report workbook", "file", name, "items", len(req.Items), "language", req.Language)
	return name, nil
}

// fileName picks the output name. Alternate-mode reports are named per
// country and day and numbered when the name is taken.
func (w *Workbook) fileName(req report.GenerateRequest) string {
	now := w.timeSource.Now()
	base := fmt.Sprintf("CIS-recipe_%s", now.Format("20060102_150405"))
	if req.Language == report.LanguageAlt {
		base = fmt.Sprintf("CIS-Recipe-%s-%s", countryCode(req.Items), now.Format("20060102"))
	}
	name := base + ".xlsx"
	for n := 1; w.exists(name); n++ {
		name = fmt.Sprintf("%s_%d.xlsx", base, n)
	}
	return name
}

func (w *Workbook) exists(name string) bool {
	_, err := os.Stat(filepath.Join(w.dir, name))
	return !errors.Is(err, os.ErrNotExist)
}

// countryCode is taken from the first item
func countryCode(items []report.ExpenseItem) string {
	code := strings.ToUpper(strings.TrimSpace(items[0].CountryCode))
	if _, ok := countries[code]; ok {
		return code
	}
	return "RUS"
}

// CurrencyUnit returns the unit amounts of item are written in
func CurrencyUnit(mode report.LanguageMode, item report.ExpenseItem) string {
	if mode != report.LanguageAlt {
		return "원"
	}
	if c, ok := countries[strings.ToUpper(strings.TrimSpace(item.CountryCode))]; ok {
		return c.unit
	}
	return "루블"
}

func money(mode report.LanguageMode, item report.ExpenseItem, amount int) string {
	return ocr.FormatThousands(amount) + CurrencyUnit(mode, item)
}

func title(req report.GenerateRequest) string {
	suffix := ""
	if req.ReportYear != nil && req.ReportMonth != nil && *req.ReportYear > 0 && *req.ReportMonth > 0 {
		suffix = fmt.Sprintf(" - %d년 %d월", *req.ReportYear%100, *req.ReportMonth)
	}
	if req.Language == report.LanguageAlt {
		return strings.TrimSpace(fmt.Sprintf("CIS 지역 - 지출내역서 - %s%s", countries[countryCode(req.Items)].name, suffix))
	}
	return "CIS 청구 문서" + suffix
}

// payeeLabel groups summary rows: by manager in the alternate mode, by
// recipient otherwise
func payeeLabel(mode report.LanguageMode, item report.ExpenseItem) string {
	label := item.Recipient
	if mode == report.LanguageAlt {
		label = item.ManagerName
	}
	if label = strings.TrimSpace(label); label == "" {
		return "-"
	}
	return label
}

func writeSummary(f *excelize.File, req report.GenerateRequest, bold int) error {
	if err := f.SetCellValue(summarySheet, "A1", title(req)); err != nil {
		return err
	}
	if err := f.MergeCell(summarySheet, "A1", "E1"); err != nil {
		return err
	}

	payeeHeader := "수령인"
	if req.Language == report.LanguageAlt {
		payeeHeader = "담당자"
	}
	if err := f.SetSheetRow(summarySheet, "A3", &[]any{"번호", "내용", "금액", payeeHeader, "소계"}); err != nil {
		return err
	}
	if err := f.SetCellStyle(summarySheet, "A1", "E3", bold); err != nil {
		return err
	}

	var order []string
	groups := make(map[string][]int)
	for i, item := range req.Items {
		label := payeeLabel(req.Language, item)
		if _, ok := groups[label]; !ok {
			order = append(order, label)
		}
		groups[label] = append(groups[label], i)
	}

	row := 4
	total := 0
	for _, label := range order {
		subtotal := 0
		for _, i := range groups[label] {
			subtotal += req.Items[i].TotalAmount
		}
		for n, i := range groups[label] {
			item := req.Items[i]
			values := []any{i + 1, item.Description, money(req.Language, item, item.TotalAmount), label, ""}
			if n == 0 {
				values[4] = money(req.Language, item, subtotal)
			}
			cell, _ := excelize.CoordinatesToCellName(1, row)
			if err := f.SetSheetRow(summarySheet, cell, &values); err != nil {
				return err
			}
			row++
		}
		total += subtotal
	}

	cell, _ := excelize.CoordinatesToCellName(1, row)
	if err := f.SetSheetRow(summarySheet, cell, &[]any{"합계", "", money(req.Language, req.Items[0], total)}); err != nil {
		return err
	}
	end, _ := excelize.CoordinatesToCellName(5, row)
	if err := f.SetCellStyle(summarySheet, cell, end, bold); err != nil {
		return err
	}
	return f.SetColWidth(summarySheet, "B", "B", 40)
}

func writeDetail(f *excelize.File, mode report.LanguageMode, index int, item report.ExpenseItem, bold int) error {
	sheet := fmt.Sprintf("Item %d", index)
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	header := [][]any{
		{"내용", item.Description},
		{"결제일", item.Date},
	}
	if mode == report.LanguageAlt {
		header = append(header,
			[]any{"국가", item.CountryCode},
			[]any{"담당자", item.ManagerName},
		)
		if item.TelegramID != "" {
			header = append(header, []any{"Telegram", item.TelegramID})
		}
	} else {
		header = append(header,
			[]any{"수령인", item.Recipient},
			[]any{"은행", item.Bank},
			[]any{"계좌", item.Account},
		)
	}
	header = append(header, []any{"합계", money(mode, item, item.TotalAmount)})

	row := 1
	for _, values := range header {
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, cell, cell, bold); err != nil {
			return err
		}
		row++
	}

	row++
	start, _ := excelize.CoordinatesToCellName(1, row)
	if err := f.SetSheetRow(sheet, start, &[]any{"#", "날짜", "내용", "금액", "복수 통화", "파일"}); err != nil {
		return err
	}
	end, _ := excelize.CoordinatesToCellName(6, row)
	if err := f.SetCellStyle(sheet, start, end, bold); err != nil {
		return err
	}
	row++

	for i, r := range item.Receipts {
		multi := ""
		if r.HasMultipleCurrency {
			multi = "Y"
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		values := []any{i + 1, r.Date, r.Description, money(mode, item, r.Amount), multi, filepath.Base(r.FileName)}
		if r.FileName == "" {
			values[5] = ""
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
		row++
	}
	return f.SetColWidth(sheet, "A", "C", 24)
}
