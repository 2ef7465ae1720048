package report

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrItemNotFound     = errors.New("item not found")
	ErrReceiptNotFound  = errors.New("receipt not found")
	ErrNotConfirmed     = errors.New("action not confirmed")
	ErrUnknownField     = errors.New("unknown field")
	ErrReadOnlyField    = errors.New("field is derived and cannot be set")
	ErrInvalidRecipient = errors.New("invalid recipient type")
	ErrInvalidPeriod    = errors.New("invalid report period")
	ErrNoImages         = errors.New("no image files selected")
	ErrNoItems          = errors.New("report has no items")
	ErrNoSnapshot       = errors.New("no snapshot stored")
	ErrQuotaExceeded    = errors.New("snapshot storage quota exceeded")
)

// ValidationError is returned when an item blocks report generation
type ValidationError struct {
	ItemID     int
	Index      int
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("item %d is incomplete: %s", e.ItemID, strings.Join(e.Violations, "; "))
}

// GenerationError is a structured rejection from the document generator
type GenerationError struct {
	Message string
	Errors  []string
}

func (e *GenerationError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("document generation rejected: %s", strings.Join(e.Errors, "; "))
	}
	if e.Message != "" {
		return fmt.Sprintf("document generation rejected: %s", e.Message)
	}
	return "document generation rejected"
}
