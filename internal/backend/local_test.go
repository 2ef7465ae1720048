package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/expense-report/internal/document"
	"github.com/zombor/expense-report/internal/ocr"
	"github.com/zombor/expense-report/internal/report"
	"github.com/zombor/expense-report/internal/scanning"
)

type mockScanner struct {
	calls        int
	contentTypes []string
	data         *scanning.ReceiptData
	scanErr      error
}

func (m *mockScanner) ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*scanning.ReceiptData, error) {
	m.calls++
	m.contentTypes = append(m.contentTypes, contentType)
	if m.scanErr != nil {
		return nil, m.scanErr
	}
	return m.data, nil
}

func (m *mockScanner) Close() error {
	return nil
}

type fixedTimeSource struct {
	now time.Time
}

func (f *fixedTimeSource) Now() time.Time {
	return f.now
}

var pngBytes = []byte("\x89PNG\r\n\x1a\n0000")

func completeItem() report.ExpenseItem {
	return report.ExpenseItem{
		ID:            1,
		Description:   "Dinner",
		Date:          "2024-03-01",
		RecipientType: report.RecipientOther,
		Recipient:     "Kim",
		Bank:          "Bank",
		Account:       "1-2",
		TotalAmount:   1000,
		Receipts:      []report.Receipt{{ID: "a", Date: "2024-03-01", Amount: 1000, State: report.StateReconciled}},
	}
}

var _ = Describe("Local", func() {
	var (
		dir      string
		storage  *LocalStorage
		scanner  *mockScanner
		workbook *document.Workbook
		local    *Local
		now      time.Time
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		now = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
		var err error
		storage, err = NewLocalStorage(filepath.Join(dir, "uploads"))
		Expect(err).NotTo(HaveOccurred())
		workbook, err = document.NewWorkbookWithDeps(filepath.Join(dir, "outputs"), &fixedTimeSource{now: now})
		Expect(err).NotTo(HaveOccurred())
		scanner = &mockScanner{data: &scanning.ReceiptData{Date: "2024-03-01", Amount: scanning.AmountOf(12500), Merchant: "Cafe"}}
	})

	JustBeforeEach(func() {
		if scanner == nil {
			local = NewLocalWithDeps(storage, nil, workbook, &fixedTimeSource{now: now})
			return
		}
		local = NewLocalWithDeps(storage, scanner, workbook, &fixedTimeSource{now: now})
	})

	Describe("Upload", func() {
		var (
			upload report.Upload
			resp   ocr.Response
			err    error
		)

		BeforeEach(func() {
			upload = report.Upload{Name: "my receipt.png", Data: pngBytes, ContentType: "image/png"}
		})

		JustBeforeEach(func() {
			resp, err = local.Upload(context.Background(), upload)
		})

		It("should store the file under a timestamped safe name", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.String(ocr.FieldFileName)).To(Equal("20240315_093000_my_receipt.png"))
			Expect(filepath.Join(dir, "uploads", "20240315_093000_my_receipt.png")).To(BeAnExistingFile())
		})

		It("should include the inline OCR fields", func() {
			Expect(resp.HasSignal(ocr.FieldOCRSuccess)).To(BeTrue())
			Expect(resp.String(ocr.FieldDate)).To(Equal("2024-03-01"))
			Expect(resp.String(ocr.FieldMerchant)).To(Equal("Cafe"))
			Expect(resp[ocr.FieldSuccess]).To(BeTrue())
			Expect(scanner.contentTypes).To(Equal([]string{"image/png"}))
		})

		When("the scanner fails", func() {
			BeforeEach(func() {
				scanner.scanErr = errors.New("quota exceeded")
			})

			It("should still store the file and report the OCR error", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(resp[ocr.FieldOCRSuccess]).To(BeFalse())
				Expect(resp[ocr.FieldOCRError]).To(Equal("quota exceeded"))
				Expect(resp.HasSignal(ocr.FieldOCRSuccess)).To(BeFalse())
			})
		})

		When("no scanner is configured", func() {
			BeforeEach(func() {
				scanner = nil
			})

			It("should return only the stored name", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.String(ocr.FieldFileName)).NotTo(BeEmpty())
				Expect(resp.HasSignal(ocr.FieldOCRSuccess)).To(BeFalse())
			})
		})

		When("the scanner reads a zero amount", func() {
			BeforeEach(func() {
				scanner.data = &scanning.ReceiptData{Date: "2024-03-01", Amount: scanning.AmountOf(0), Merchant: "Cafe X"}
			})

			It("should report the amount as read", func() {
				amount, ok := resp.Lookup(ocr.FieldAmount)
				Expect(ok).To(BeTrue())
				Expect(ocr.NormalizeAmount(amount)).To(BeZero())
			})
		})

		When("the scanner cannot read the amount", func() {
			BeforeEach(func() {
				scanner.data = &scanning.ReceiptData{Date: "2024-03-01", Merchant: "Cafe X"}
			})

			It("should leave the amount out", func() {
				_, ok := resp.Lookup(ocr.FieldAmount)
				Expect(ok).To(BeFalse())
			})
		})

		When("the file is too large", func() {
			BeforeEach(func() {
				upload.Data = make([]byte, MaxUploadBytes+1)
			})

			It("should refuse it", func() {
				Expect(errors.Is(err, ErrFileTooLarge)).To(BeTrue())
			})
		})
	})

	Describe("reconciling through the pipeline", func() {
		var (
			store    *report.Store
			pipeline *report.Pipeline
			item     report.ExpenseItem
		)

		BeforeEach(func() {
			store = report.NewStore(report.NewMemoryPreviews())
			item = store.CreateItem()
		})

		JustBeforeEach(func() {
			pipeline = report.NewPipeline(store, local, local, report.NewAdvisoryLog(0))
		})

		process := func() report.Receipt {
			jobs, err := pipeline.Attach(item.ID, []report.Upload{{Name: "a.png", Data: pngBytes, ContentType: "image/png"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(store.UpdateReceiptField(item.ID, jobs[0].ReceiptID, report.ReceiptAmount, 5000)).To(Succeed())
			pipeline.Process(context.Background(), jobs)
			got, _ := store.Item(item.ID)
			return got.Receipts[0]
		}

		When("the scanner reads a zero amount", func() {
			BeforeEach(func() {
				scanner.data = &scanning.ReceiptData{Date: "2024-03-01", Amount: scanning.AmountOf(0), Merchant: "Cafe X"}
			})

			It("should overwrite the entered amount like the remote backend does", func() {
				receipt := process()
				Expect(receipt.State).To(Equal(report.StateReconciled))
				Expect(receipt.Amount).To(BeZero())
			})
		})

		When("the scanner cannot read the amount", func() {
			BeforeEach(func() {
				scanner.data = &scanning.ReceiptData{Date: "2024-03-01", Merchant: "Cafe X"}
			})

			It("should keep the entered amount", func() {
				receipt := process()
				Expect(receipt.Amount).To(Equal(5000))
				Expect(receipt.Description).To(Equal("Cafe X"))
			})
		})
	})

	Describe("Recognize", func() {
		BeforeEach(func() {
			_, err := storage.Save("stored.png", pngBytes)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should scan the stored file", func() {
			resp, err := local.Recognize(context.Background(), "stored.png")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.HasSignal(ocr.FieldSuccess)).To(BeTrue())
			Expect(resp.String(ocr.FieldDate)).To(Equal("2024-03-01"))
			Expect(scanner.contentTypes).To(Equal([]string{"image/png"}))
		})

		It("should report scanner failures in the response", func() {
			scanner.scanErr = errors.New("unreadable")
			resp, err := local.Recognize(context.Background(), "stored.png")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.HasSignal(ocr.FieldSuccess)).To(BeFalse())
			Expect(resp.String(ocr.FieldError)).To(Equal("unreadable"))
		})

		It("should fail for unknown files", func() {
			_, err := local.Recognize(context.Background(), "missing.png")
			Expect(errors.Is(err, ErrFileNotFound)).To(BeTrue())
		})

		It("should require a file name", func() {
			_, err := local.Recognize(context.Background(), "")
			Expect(errors.Is(err, ErrFileNameNeeded)).To(BeTrue())
		})
	})

	Describe("Generate", func() {
		var complete report.ExpenseItem
		BeforeEach(func() {
			complete = completeItem()
		})

		It("should write a workbook and link to it", func() {
			result, err := local.Generate(context.Background(), report.GenerateRequest{Items: []report.ExpenseItem{complete}})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.DownloadURL).To(Equal("/downloads/CIS-recipe_20240315_093000.xlsx"))
			Expect(filepath.Join(dir, "outputs", "CIS-recipe_20240315_093000.xlsx")).To(BeAnExistingFile())
		})

		It("should reject incomplete items with a numbered list", func() {
			broken := complete
			broken.Bank = ""
			_, err := local.Generate(context.Background(), report.GenerateRequest{Items: []report.ExpenseItem{complete, broken}})
			var genErr *report.GenerationError
			Expect(errors.As(err, &genErr)).To(BeTrue())
			Expect(genErr.Message).To(Equal("Validation failed"))
			Expect(genErr.Errors).To(Equal([]string{"Item 2: bank name is required"}))
		})

		It("should reject an empty request", func() {
			_, err := local.Generate(context.Background(), report.GenerateRequest{})
			var genErr *report.GenerationError
			Expect(errors.As(err, &genErr)).To(BeTrue())
		})
	})

	Describe("Downloads", func() {
		var (
			receiptName string
			otherName   string
			reportName  string
		)

		JustBeforeEach(func() {
			resp, err := local.Upload(context.Background(), report.Upload{Name: "dinner.png", ContentType: "image/png", Data: pngBytes})
			Expect(err).NotTo(HaveOccurred())
			receiptName = resp.String(ocr.FieldFileName)
			otherName, err = storage.Save("unrelated.png", pngBytes)
			Expect(err).NotTo(HaveOccurred())

			item := completeItem()
			item.Receipts[0].FileName = receiptName
			result, err := local.Generate(context.Background(), report.GenerateRequest{Items: []report.ExpenseItem{item}})
			Expect(err).NotTo(HaveOccurred())
			reportName = filepath.Base(result.DownloadURL)
		})

		It("should record which receipts the report was built from", func() {
			data, err := os.ReadFile(filepath.Join(workbook.Dir(), reportName+".json"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring(`"receipts":["` + receiptName + `"]`))
		})

		It("should serve the workbook and then remove it with its receipts", func() {
			rec := httptest.NewRecorder()
			local.Downloads().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+reportName, nil))

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.Bytes()[:2]).To(Equal([]byte("PK")))
			Expect(rec.Header().Get("Content-Disposition")).To(ContainSubstring(reportName))
			Expect(filepath.Join(workbook.Dir(), reportName)).NotTo(BeAnExistingFile())
			Expect(filepath.Join(workbook.Dir(), reportName+".json")).NotTo(BeAnExistingFile())
			Expect(filepath.Join(storage.Dir(), receiptName)).NotTo(BeAnExistingFile())
			Expect(filepath.Join(storage.Dir(), otherName)).To(BeAnExistingFile())
		})

		It("should not serve manifests", func() {
			rec := httptest.NewRecorder()
			local.Downloads().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+reportName+".json", nil))
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("should answer not found for a missing workbook", func() {
			rec := httptest.NewRecorder()
			local.Downloads().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing.xlsx", nil))
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("Sweep", func() {
		var oldReceipt, freshReceipt, oldReport string

		BeforeEach(func() {
			var err error
			oldReceipt, err = storage.Save("old.png", pngBytes)
			Expect(err).NotTo(HaveOccurred())
			freshReceipt, err = storage.Save("fresh.png", pngBytes)
			Expect(err).NotTo(HaveOccurred())
			oldReport = "CIS-recipe_20240315_010000.xlsx"
			Expect(os.WriteFile(filepath.Join(workbook.Dir(), oldReport), []byte("PK"), 0644)).To(Succeed())

			stale := now.Add(-4 * time.Hour)
			recent := now.Add(-time.Hour)
			Expect(os.Chtimes(filepath.Join(storage.Dir(), oldReceipt), stale, stale)).To(Succeed())
			Expect(os.Chtimes(filepath.Join(storage.Dir(), freshReceipt), recent, recent)).To(Succeed())
			Expect(os.Chtimes(filepath.Join(workbook.Dir(), oldReport), stale, stale)).To(Succeed())
		})

		It("should remove files older than the retention window", func() {
			removed, err := local.Sweep(3 * time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(Equal(2))
			Expect(filepath.Join(storage.Dir(), oldReceipt)).NotTo(BeAnExistingFile())
			Expect(filepath.Join(workbook.Dir(), oldReport)).NotTo(BeAnExistingFile())
			Expect(filepath.Join(storage.Dir(), freshReceipt)).To(BeAnExistingFile())
		})

		It("should sweep once before waiting when the retention loop starts", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			local.RunRetention(ctx, 3*time.Hour, time.Hour)
			Expect(filepath.Join(storage.Dir(), oldReceipt)).NotTo(BeAnExistingFile())
			Expect(filepath.Join(storage.Dir(), freshReceipt)).To(BeAnExistingFile())
		})
	})
})
