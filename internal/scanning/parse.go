package scanning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zombor/expense-report/internal/ocr"
)

// parseReceiptJSON extracts the JSON object from a model reply and
// normalizes its fields. Unreadable values are left empty.
func parseReceiptJSON(text string) (*ReceiptData, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	var raw ocr.Response
	if err := json.Unmarshal([]byte(text[startIdx:endIdx+1]), &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	data := &ReceiptData{
		Merchant: strings.TrimSpace(raw.String(ocr.FieldMerchant)),
		RawText:  strings.TrimSpace(raw.String(ocr.FieldRawText)),
	}
	if v, ok := raw.Lookup(ocr.FieldDate); ok {
		data.Date = ocr.NormalizeDate(v)
	}
	if v, ok := raw.Lookup(ocr.FieldAmount); ok {
		data.Amount = AmountOf(ocr.NormalizeAmount(v))
	}
	if v, ok := raw.Lookup(ocr.FieldMultipleCurrency); ok {
		data.HasMultipleCurrency = ocr.Truthy(v)
	}
	return data, nil
}
