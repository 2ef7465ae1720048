package scanning

import (
	"context"

	"github.com/zombor/expense-report/internal/ocr"
)

// ReceiptData contains extracted information from a receipt
type ReceiptData struct {
	Date                string `json:"date"` // YYYY-MM-DD, empty when unreadable
	Amount              *int   `json:"amount"` // nil when unreadable; a read zero is kept
	Merchant            string `json:"merchant"`
	RawText             string `json:"rawText"`
	HasMultipleCurrency bool   `json:"hasMultipleCurrency"`
}

// AmountOf returns a pointer to n for building ReceiptData
func AmountOf(n int) *int {
	return &n
}

// Empty reports whether nothing usable was read from the receipt
func (d *ReceiptData) Empty() bool {
	return d.Date == "" && d.Amount == nil && d.Merchant == "" && d.RawText == ""
}

// Response converts d into the payload shape the reconciliation pipeline
// reads. Fields that were not read are left out.
func (d *ReceiptData) Response() ocr.Response {
	resp := ocr.Response{ocr.FieldSuccess: !d.Empty()}
	if d.Date != "" {
		resp[ocr.FieldDate] = d.Date
	}
	if d.Amount != nil {
		resp[ocr.FieldAmount] = *d.Amount
	}
	if d.Merchant != "" {
		resp[ocr.FieldMerchant] = d.Merchant
	}
	if d.RawText != "" {
		resp[ocr.FieldRawText] = d.RawText
	}
	resp[ocr.FieldMultipleCurrency] = d.HasMultipleCurrency
	return resp
}

// Scanner defines the interface for receipt scanning operations
type Scanner interface {
	// ScanReceipt analyzes a receipt image/PDF and extracts metadata
	ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptData, error)
	// Close closes the scanner and releases resources
	Close() error
}
