package ocr

import "strings"

// Field names shared by the upload and OCR payloads
const (
	FieldDate             = "date"
	FieldAmount           = "amount"
	FieldRawText          = "rawText"
	FieldMerchant         = "merchant"
	FieldMultipleCurrency = "hasMultipleCurrency"
	FieldFileName         = "fileName"
	FieldSuccess          = "success"
	FieldOCRSuccess       = "ocrSuccess"
	FieldError            = "error"
	FieldOCRError         = "ocrError"
)

// nestedKeys are searched in order after the top level
var nestedKeys = []string{"data", "result"}

// candidateFields are the values that count as OCR output
var candidateFields = []string{FieldDate, FieldAmount, FieldRawText, FieldMerchant}

// Response is a decoded upload or OCR payload. The service may return fields
// at the top level or nested under "data" or "result".
type Response map[string]any

// Lookup finds field on the response itself, then under "data", then under
// "result". A JSON null is treated as absent. The boolean is false when the
// field is not defined at any level.
func (r Response) Lookup(field string) (any, bool) {
	if v, ok := r[field]; ok && v != nil {
		return v, true
	}
	for _, key := range nestedKeys {
		nested, ok := asMap(r[key])
		if !ok {
			continue
		}
		if v, ok := nested[field]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// String returns the field as text, or "" when undefined
func (r Response) String(field string) string {
	v, ok := r.Lookup(field)
	if !ok {
		return ""
	}
	return toString(v)
}

// HasSignal reports whether the response carries usable OCR output: either
// flag is literally true, or one of date, amount, rawText or merchant is
// defined and not blank.
func (r Response) HasSignal(flag string) bool {
	if v, ok := r.Lookup(flag); ok {
		if b, isBool := v.(bool); isBool && b {
			return true
		}
	}
	for _, field := range candidateFields {
		v, ok := r.Lookup(field)
		if !ok {
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			continue
		}
		return true
	}
	return false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Response:
		return m, true
	}
	return nil, false
}
