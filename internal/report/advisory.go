package report

import (
	"log/slog"
	"sync"
	"time"
)

// AdvisoryLevel grades a user-visible notice
type AdvisoryLevel string

const (
	AdvisoryInfo    AdvisoryLevel = "info"
	AdvisoryWarning AdvisoryLevel = "warning"
	AdvisoryError   AdvisoryLevel = "error"
)

// Advisory is a non-fatal notice for the user, such as a failed upload or
// an OCR read that found nothing.
type Advisory struct {
	Level     AdvisoryLevel `json:"level"`
	ItemID    int           `json:"itemId,omitempty"`
	ReceiptID string        `json:"receiptId,omitempty"`
	Message   string        `json:"message"`
	At        time.Time     `json:"at"`
}

// Advisor receives advisories as they are raised
type Advisor interface {
	Advise(a Advisory)
}

// AdvisorFunc adapts a function to the Advisor interface
type AdvisorFunc func(a Advisory)

func (f AdvisorFunc) Advise(a Advisory) {
	f(a)
}

// AdvisoryLog logs advisories and keeps the most recent ones
type AdvisoryLog struct {
	mu      sync.Mutex
	limit   int
	entries []Advisory
}

// NewAdvisoryLog keeps up to limit advisories
func NewAdvisoryLog(limit int) *AdvisoryLog {
	if limit <= 0 {
		limit = 50
	}
	return &AdvisoryLog{limit: limit}
}

// Advise records a and writes it to the default logger
func (l *AdvisoryLog) Advise(a Advisory) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	attrs := []any{"item_id", a.ItemID, "receipt_id", a.ReceiptID, "message", a.Message}
	switch a.Level {
	case AdvisoryError:
		slog.Error("Advisory", attrs...)
	case AdvisoryWarning:
		slog.Warn("Advisory", attrs...)
	default:
		slog.Info("Advisory", attrs...)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, a)
	if over := len(l.entries) - l.limit; over > 0 {
		l.entries = append([]Advisory(nil), l.entries[over:]...)
	}
}

// Recent returns the kept advisories, oldest first
func (l *AdvisoryLog) Recent() []Advisory {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Advisory, len(l.entries))
	copy(out, l.entries)
	return out
}
