package report

import (
	"fmt"

	"github.com/zombor/expense-report/internal/ocr"
)

// ReceiptField names a user-editable receipt value
type ReceiptField string

const (
	ReceiptDate             ReceiptField = "date"
	ReceiptAmount           ReceiptField = "amount"
	ReceiptDescription      ReceiptField = "description"
	ReceiptRawText          ReceiptField = "rawText"
	ReceiptMultipleCurrency ReceiptField = "hasMultipleCurrency"
)

// SumAmounts returns the total of every receipt amount
func SumAmounts(receipts []Receipt) int {
	total := 0
	for _, r := range receipts {
		total += r.Amount
	}
	return total
}

func (item *ExpenseItem) recalculate() {
	item.TotalAmount = SumAmounts(item.Receipts)
}

func (item *ExpenseItem) receiptIndex(id string) int {
	for i := range item.Receipts {
		if item.Receipts[i].ID == id {
			return i
		}
	}
	return -1
}

func (item *ExpenseItem) attachReceipt(r Receipt) {
	item.Receipts = append(item.Receipts, r)
	item.recalculate()
}

// setDate writes the item date and keeps the first receipt in step with it
func (item *ExpenseItem) setDate(date string) {
	item.Date = date
	if len(item.Receipts) > 0 {
		item.Receipts[0].Date = date
	}
}

func (item *ExpenseItem) updateReceipt(id string, field ReceiptField, value any) error {
	idx := item.receiptIndex(id)
	if idx < 0 {
		return fmt.Errorf("receipt %s: %w", id, ErrReceiptNotFound)
	}
	r := &item.Receipts[idx]
	switch field {
	case ReceiptDate:
		r.Date = ocr.NormalizeDate(textValue(value))
		if idx == 0 {
			item.Date = r.Date
		}
	case ReceiptAmount:
		r.Amount = ocr.NormalizeAmount(value)
	case ReceiptDescription:
		r.Description = textValue(value)
	case ReceiptRawText:
		r.RawText = textValue(value)
	case ReceiptMultipleCurrency:
		r.HasMultipleCurrency = ocr.Truthy(value)
	default:
		return fmt.Errorf("receipt field %q: %w", field, ErrUnknownField)
	}
	item.recalculate()
	return nil
}

// removeReceipt releases the receipt's preview and detaches it
func (item *ExpenseItem) removeReceipt(id string, previews Previews) error {
	idx := item.receiptIndex(id)
	if idx < 0 {
		return fmt.Errorf("receipt %s: %w", id, ErrReceiptNotFound)
	}
	previews.Release(item.Receipts[idx].Preview)
	item.Receipts = append(item.Receipts[:idx], item.Receipts[idx+1:]...)
	item.recalculate()
	return nil
}

// releasePreviews frees every preview owned by the item
func (item *ExpenseItem) releasePreviews(previews Previews) {
	for _, r := range item.Receipts {
		previews.Release(r.Preview)
	}
}

func textValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
