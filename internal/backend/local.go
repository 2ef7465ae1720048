package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zombor/expense-report/internal/document"
	"github.com/zombor/expense-report/internal/ocr"
	"github.com/zombor/expense-report/internal/report"
	"github.com/zombor/expense-report/internal/scanning"
)

// MaxUploadBytes is the largest receipt the local backend accepts
const MaxUploadBytes = 10 << 20

var (
	ErrFileTooLarge   = errors.New("file too large (max 10MB)")
	ErrFileNameNeeded = errors.New("fileName is required")
	ErrFileNotFound   = errors.New("file not found")
	errNoScanner      = errors.New("OCR is not configured")
)

type clock struct{}

func (clock) Now() time.Time { return time.Now() }

// Local serves the backend ports in process: receipts go to a Storage,
// OCR runs through an optional Scanner and reports are written as
// workbooks.
type Local struct {
	storage    Storage
	outputs    Storage
	scanner    scanning.Scanner
	workbook   *document.Workbook
	timeSource report.TimeSource
}

// NewLocal creates a Local backend. scanner may be nil, in which case
// uploads carry no OCR fields and recognition always fails.
func NewLocal(storage Storage, scanner scanning.Scanner, workbook *document.Workbook) *Local {
	return NewLocalWithDeps(storage, scanner, workbook, clock{})
}

// NewLocalWithDeps creates a Local backend with a custom time source for testing
func NewLocalWithDeps(storage Storage, scanner scanning.Scanner, workbook *document.Workbook, timeSrc report.TimeSource) *Local {
	return &Local{
		storage:    storage,
		outputs:    &LocalStorage{basePath: workbook.Dir()},
		scanner:    scanner,
		workbook:   workbook,
		timeSource: timeSrc,
	}
}

// Upload stores the file under a timestamped safe name and scans it inline
// when a scanner is configured
func (l *Local) Upload(ctx context.Context, file report.Upload) (ocr.Response, error) {
	if len(file.Data) > MaxUploadBytes {
		return nil, ErrFileTooLarge
	}

	name := l.timeSource.Now().Format("20060102_150405") + "_" + SafeFileName(file.Name)
	stored, err := l.storage.Save(name, file.Data)
	if err != nil {
		return nil, fmt.Errorf("saving receipt: %w", err)
	}

	resp := ocr.Response{
		ocr.FieldSuccess:    true,
		ocr.FieldFileName:   stored,
		ocr.FieldOCRSuccess: false,
		ocr.FieldOCRError:   "",
	}
	if l.scanner == nil {
		return resp, nil
	}

	data, err := l.scanner.ScanReceipt(ctx, file.Data, file.ContentType)
	if err != nil {
		slog.Error("Inline OCR failed", "file", stored, "error", err)
		resp[ocr.FieldOCRError] = err.Error()
		return resp, nil
	}
	for k, v := range data.Response() {
		if k == ocr.FieldSuccess {
			continue
		}
		resp[k] = v
	}
	resp[ocr.FieldOCRSuccess] = true
	slog.Info("Inline OCR finished", "file", stored, "date", data.Date, "amount_read", data.Amount != nil)
	return resp, nil
}

// Recognize scans a stored file. Scanner failures are reported in the
// response with success false, not as an error.
func (l *Local) Recognize(ctx context.Context, fileName string) (ocr.Response, error) {
	if fileName == "" {
		return nil, ErrFileNameNeeded
	}
	data, err := l.storage.Get(filepath.Base(fileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", fileName, ErrFileNotFound)
		}
		return nil, err
	}

	if l.scanner == nil {
		return failedScan(errNoScanner), nil
	}
	scanned, err := l.scanner.ScanReceipt(ctx, data, http.DetectContentType(data))
	if err != nil {
		slog.Error("OCR from upload failed", "file", fileName, "error", err)
		return failedScan(err), nil
	}
	resp := scanned.Response()
	resp[ocr.FieldSuccess] = true
	return resp, nil
}

func failedScan(err error) ocr.Response {
	return ocr.Response{
		ocr.FieldSuccess:          false,
		ocr.FieldError:            err.Error(),
		ocr.FieldMultipleCurrency: false,
	}
}

// Generate checks every item again and writes the workbook. The download
// URL is relative to the server that mounts the output directory.
func (l *Local) Generate(ctx context.Context, req report.GenerateRequest) (report.GenerateResult, error) {
	if len(req.Items) == 0 {
		return report.GenerateResult{}, &report.GenerationError{Message: "items is required"}
	}
	mode := report.ParseLanguage(string(req.Language))

	var violations []string
	for i, item := range req.Items {
		for _, v := range report.Validate(item, mode) {
			violations = append(violations, fmt.Sprintf("Item %d: %s", i+1, v))
		}
	}
	if len(violations) > 0 {
		slog.Warn("Document validation failed", "errors", violations)
		return report.GenerateResult{}, &report.GenerationError{Message: "Validation failed", Errors: violations}
	}

	req.Language = mode
	name, err := l.workbook.Write(req)
	if err != nil {
		return report.GenerateResult{}, fmt.Errorf("writing workbook: %w", err)
	}
	l.recordManifest(name, req.Items)
	return report.GenerateResult{DownloadURL: "/downloads/" + name}, nil
}

const manifestExt = ".json"

// manifest lists the receipts a generated workbook was built from
type manifest struct {
	Receipts  []string  `json:"receipts"`
	CreatedAt time.Time `json:"createdAt"`
}

func (l *Local) recordManifest(name string, items []report.ExpenseItem) {
	seen := make(map[string]bool)
	m := manifest{Receipts: []string{}, CreatedAt: l.timeSource.Now().UTC()}
	for _, item := range items {
		for _, r := range item.Receipts {
			base := filepath.Base(r.FileName)
			if r.FileName == "" || seen[base] {
				continue
			}
			seen[base] = true
			m.Receipts = append(m.Receipts, base)
		}
	}
	sort.Strings(m.Receipts)

	data, err := json.Marshal(m)
	if err == nil {
		_, err = l.outputs.Save(name+manifestExt, data)
	}
	if err != nil {
		slog.Warn("Failed to record output manifest", "file", name, "error", err)
	}
}

// Downloads serves generated workbooks. A served workbook is removed along
// with its manifest and the receipts it lists.
func (l *Local) Downloads() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(r.URL.Path)
		if name == "." || name == "/" || strings.HasSuffix(name, manifestExt) {
			http.NotFound(w, r)
			return
		}
		data, err := l.outputs.Get(name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				http.NotFound(w, r)
				return
			}
			slog.Error("Failed to read workbook", "file", name, "error", err)
			http.Error(w, "failed to read file", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
		l.release(name)
	})
}

func (l *Local) release(name string) {
	var errs []error
	var receipts []string
	if data, err := l.outputs.Get(name + manifestExt); err == nil {
		var m manifest
		if err := json.Unmarshal(data, &m); err != nil {
			errs = append(errs, fmt.Errorf("decoding manifest: %w", err))
		}
		receipts = m.Receipts
	}
	for _, receipt := range receipts {
		errs = append(errs, ignoreMissing(l.storage.Delete(receipt)))
	}
	errs = append(errs,
		ignoreMissing(l.outputs.Delete(name+manifestExt)),
		ignoreMissing(l.outputs.Delete(name)),
	)
	if err := errors.Join(errs...); err != nil {
		slog.Warn("Failed to clean up downloaded report", "file", name, "error", err)
		return
	}
	slog.Info("Removed downloaded report", "file", name, "receipts", len(receipts))
}

func ignoreMissing(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Sweep removes receipts and workbooks last modified more than maxAge ago
// and returns how many files it removed
func (l *Local) Sweep(maxAge time.Duration) (int, error) {
	cutoff := l.timeSource.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, s := range []Storage{l.storage, l.outputs} {
		files, err := s.List()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, f := range files {
			if !f.ModTime.Before(cutoff) {
				continue
			}
			if err := ignoreMissing(s.Delete(f.Name)); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		slog.Info("Removed expired files", "count", removed, "max_age", maxAge)
	}
	return removed, errors.Join(errs...)
}

// RunRetention sweeps once immediately and then every interval until ctx
// is done
func (l *Local) RunRetention(ctx context.Context, maxAge, interval time.Duration) {
	sweep := func() {
		if _, err := l.Sweep(maxAge); err != nil {
			slog.Error("Retention sweep failed", "error", err)
		}
	}
	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
