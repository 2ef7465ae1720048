package report

import (
	"context"
	"fmt"
	"log/slog"
)

// GenerateOptions carries the mode-specific flags of a generation request
type GenerateOptions struct {
	Language           LanguageMode
	NaturalTranslation bool
}

// GenerateRequest is the payload sent to the document generator
type GenerateRequest struct {
	Items              []ExpenseItem `json:"items"`
	Language           LanguageMode  `json:"language"`
	NaturalTranslation *bool         `json:"naturalTranslation,omitempty"`
	ReportYear         *int          `json:"reportYear,omitempty"`
	ReportMonth        *int          `json:"reportMonth,omitempty"`
}

// GenerateResult points at the generated document
type GenerateResult struct {
	DownloadURL string `json:"downloadUrl"`
}

// Generator turns a finalized item list into a downloadable document
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// GenerateReport validates every item and submits the report. The first
// incomplete item becomes the selection and is returned as a
// *ValidationError carrying its full ordered violation list.
func GenerateReport(ctx context.Context, store *Store, gen Generator, opts GenerateOptions) (GenerateResult, error) {
	snap := store.Snapshot().Sanitized()
	if len(snap.Items) == 0 {
		return GenerateResult{}, ErrNoItems
	}

	mode := opts.Language
	if mode == "" {
		mode = LanguageDefault
	}

	for i, item := range snap.Items {
		violations := Validate(item, mode)
		if len(violations) == 0 {
			continue
		}
		if err := store.Select(item.ID); err != nil {
			slog.Warn("Failed to select incomplete item", "item_id", item.ID, "error", err)
		}
		return GenerateResult{}, &ValidationError{ItemID: item.ID, Index: i, Violations: violations}
	}

	req := NewGenerateRequest(snap, mode, opts.NaturalTranslation)
	result, err := gen.Generate(ctx, req)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("generating document: %w", err)
	}
	slog.Info("Generated report", "items", len(req.Items), "language", mode, "download_url", result.DownloadURL)
	return result, nil
}

// NewGenerateRequest builds the generator payload for snap. The natural
// translation flag only applies to the alternate language mode.
func NewGenerateRequest(snap Snapshot, mode LanguageMode, naturalTranslation bool) GenerateRequest {
	req := GenerateRequest{Items: snap.Items, Language: mode}
	if mode == LanguageAlt {
		req.NaturalTranslation = &naturalTranslation
	}
	if snap.ReportYear != 0 {
		year := snap.ReportYear
		req.ReportYear = &year
	}
	if snap.ReportMonth != 0 {
		month := snap.ReportMonth
		req.ReportMonth = &month
	}
	return req
}
