package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zombor/expense-report/internal/ocr"
)

// Upload is one file selected by the user
type Upload struct {
	Name        string
	Data        []byte
	ContentType string
}

// Uploader stores a receipt image and returns the upload response, which
// carries the stored file name and may carry inline OCR fields.
type Uploader interface {
	Upload(ctx context.Context, file Upload) (ocr.Response, error)
}

// Recognizer runs OCR on a previously uploaded file
type Recognizer interface {
	Recognize(ctx context.Context, fileName string) (ocr.Response, error)
}

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() string
}

// Observer is told when a receipt enters and leaves the pipeline
type Observer interface {
	ReceiptStarted()
	ReceiptFinished(outcome string, duration time.Duration)
}

// Pipeline outcomes reported to the Observer
const (
	OutcomeReconciled = "reconciled"
	OutcomeOCRMiss    = "ocr_miss"
	OutcomeFailed     = "failed"
	OutcomeStale      = "stale"
)

var errMissingFileName = errors.New("upload response has no file name")

// defaultIDGenerator issues UnixNano timestamps, bumped past the previous
// value when two receipts are created within the same tick.
type defaultIDGenerator struct {
	mu   sync.Mutex
	last int64
}

// NewIDGenerator returns the generator NewPipeline uses
func NewIDGenerator() IDGenerator {
	return &defaultIDGenerator{}
}

func (g *defaultIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := time.Now().UnixNano()
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return strconv.FormatInt(id, 10)
}

type nopObserver struct{}

func (nopObserver) ReceiptStarted()                       {}
func (nopObserver) ReceiptFinished(string, time.Duration) {}

// Job is one placeholder receipt waiting for upload and OCR
type Job struct {
	ItemID    int
	ReceiptID string
	File      Upload
}

// Pipeline attaches selected files to an item and reconciles each one with
// the upload and OCR services.
type Pipeline struct {
	store       *Store
	uploader    Uploader
	recognizer  Recognizer
	advisor     Advisor
	observer    Observer
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewPipeline creates a Pipeline with default ID generator and no metrics
func NewPipeline(store *Store, uploader Uploader, recognizer Recognizer, advisor Advisor) *Pipeline {
	return NewPipelineWithDeps(store, uploader, recognizer, advisor, nopObserver{}, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewPipelineWithDeps creates a Pipeline with custom dependencies for testing
func NewPipelineWithDeps(store *Store, uploader Uploader, recognizer Recognizer, advisor Advisor, observer Observer, idGen IDGenerator, timeSrc TimeSource) *Pipeline {
	return &Pipeline{
		store:       store,
		uploader:    uploader,
		recognizer:  recognizer,
		advisor:     advisor,
		observer:    observer,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Submit attaches files to the item and processes them before returning
func (p *Pipeline) Submit(ctx context.Context, itemID int, files []Upload) error {
	jobs, err := p.Attach(itemID, files)
	if err != nil {
		return err
	}
	p.Process(ctx, jobs)
	return nil
}

// Attach adds a placeholder receipt for every image in files and returns
// the jobs to process. Nothing is attached when no file is an image.
func (p *Pipeline) Attach(itemID int, files []Upload) ([]Job, error) {
	images := make([]Upload, 0, len(files))
	for _, f := range files {
		if isImage(f) {
			images = append(images, f)
		}
	}
	if len(images) == 0 {
		p.advise(AdvisoryWarning, itemID, "", "Only image files can be attached")
		return nil, ErrNoImages
	}
	if _, ok := p.store.Item(itemID); !ok {
		return nil, fmt.Errorf("item %d: %w", itemID, ErrItemNotFound)
	}
	if skipped := len(files) - len(images); skipped > 0 {
		p.advise(AdvisoryWarning, itemID, "", fmt.Sprintf("Skipped %d file(s) that are not images", skipped))
	}

	jobs := make([]Job, 0, len(images))
	for _, f := range images {
		placeholder := Receipt{
			ID:      p.idGenerator.Generate(),
			Preview: p.store.previews.Create(f.Data, f.ContentType),
			State:   StatePlaceholder,
		}
		if _, err := p.store.AttachReceipt(itemID, placeholder); err != nil {
			p.store.previews.Release(placeholder.Preview)
			return jobs, err
		}
		jobs = append(jobs, Job{ItemID: itemID, ReceiptID: placeholder.ID, File: f})
	}
	return jobs, nil
}

// Process runs jobs one at a time in order
func (p *Pipeline) Process(ctx context.Context, jobs []Job) {
	for _, job := range jobs {
		start := p.timeSource.Now()
		p.observer.ReceiptStarted()
		outcome := p.process(ctx, job)
		p.observer.ReceiptFinished(outcome, p.timeSource.Now().Sub(start))
		slog.Debug("Processed receipt", "item_id", job.ItemID, "receipt_id", job.ReceiptID, "outcome", outcome)
	}
}

func (p *Pipeline) process(ctx context.Context, job Job) string {
	if !p.setState(job, StateUploading) {
		return OutcomeStale
	}
	if err := ctx.Err(); err != nil {
		return p.fail(job, "Upload cancelled", err)
	}

	resp, err := p.uploader.Upload(ctx, job.File)
	if err != nil {
		return p.fail(job, "Upload failed", err)
	}
	fileName := strings.TrimSpace(resp.String(ocr.FieldFileName))
	if fileName == "" {
		return p.fail(job, "Upload failed", errMissingFileName)
	}

	upgraded := p.store.withReceipt(job.ItemID, job.ReceiptID, func(item *ExpenseItem, idx int) {
		r := &item.Receipts[idx]
		ephemeral := r.Preview
		r.FileName = fileName
		r.Preview = DurablePreview(fileName)
		r.State = StateOCRPending
		p.store.previews.Release(ephemeral)
	})
	if !upgraded {
		return OutcomeStale
	}

	result := resp
	if !resp.HasSignal(ocr.FieldOCRSuccess) {
		result, err = p.recognizer.Recognize(ctx, fileName)
		if err != nil {
			return p.fail(job, "OCR request failed", err)
		}
	}

	if !result.HasSignal(ocr.FieldSuccess) {
		if !p.setState(job, StateReconciled) {
			return OutcomeStale
		}
		p.advise(AdvisoryWarning, job.ItemID, job.ReceiptID, "OCR failed: enter the date and amount manually")
		return OutcomeOCRMiss
	}

	merged := p.store.withReceipt(job.ItemID, job.ReceiptID, func(item *ExpenseItem, idx int) {
		mergeOCR(item, idx, result)
	})
	if !merged {
		return OutcomeStale
	}
	return OutcomeReconciled
}

// mergeOCR applies recognised fields to receipt idx without overwriting
// values the OCR result does not vouch for.
func mergeOCR(item *ExpenseItem, idx int, result ocr.Response) {
	r := &item.Receipts[idx]
	if v, ok := result.Lookup(ocr.FieldDate); ok {
		if date := ocr.NormalizeDate(v); date != "" {
			r.Date = date
			if idx == 0 {
				item.Date = date
			}
		}
	}
	if v, ok := result.Lookup(ocr.FieldAmount); ok {
		r.Amount = ocr.NormalizeAmount(v)
	}
	if blank(r.Description) {
		if merchant := strings.TrimSpace(result.String(ocr.FieldMerchant)); merchant != "" {
			r.Description = merchant
		}
	}
	if v, ok := result.Lookup(ocr.FieldRawText); ok {
		r.RawText = textValue(v)
	}
	if v, ok := result.Lookup(ocr.FieldMultipleCurrency); ok {
		r.HasMultipleCurrency = ocr.Truthy(v)
	}
	r.State = StateReconciled
}

func (p *Pipeline) setState(job Job, state ReceiptState) bool {
	return p.store.withReceipt(job.ItemID, job.ReceiptID, func(item *ExpenseItem, idx int) {
		item.Receipts[idx].State = state
	})
}

// fail marks the receipt failed and raises an error advisory. The
// placeholder stays attached so the user can fill it in by hand.
func (p *Pipeline) fail(job Job, message string, err error) string {
	if !p.setState(job, StateFailed) {
		return OutcomeStale
	}
	slog.Error(message, "item_id", job.ItemID, "receipt_id", job.ReceiptID, "file", job.File.Name, "error", err)
	p.advise(AdvisoryError, job.ItemID, job.ReceiptID, fmt.Sprintf("%s: %v", message, err))
	return OutcomeFailed
}

func (p *Pipeline) advise(level AdvisoryLevel, itemID int, receiptID, message string) {
	if p.advisor == nil {
		return
	}
	p.advisor.Advise(Advisory{
		Level:     level,
		ItemID:    itemID,
		ReceiptID: receiptID,
		Message:   message,
		At:        p.timeSource.Now(),
	})
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".heic": true, ".heif": true, ".bmp": true,
}

// isImage accepts files with an image MIME type, or with an image
// extension when the MIME type is missing or generic.
func isImage(f Upload) bool {
	ct := strings.ToLower(strings.TrimSpace(f.ContentType))
	if strings.HasPrefix(ct, "image/") {
		return true
	}
	if ct != "" && ct != "application/octet-stream" {
		return false
	}
	return imageExtensions[strings.ToLower(filepath.Ext(f.Name))]
}
