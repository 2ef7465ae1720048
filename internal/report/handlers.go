package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
)

// maxFormSize bounds a multipart receipt selection
const maxFormSize = int64(50 << 20)

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeJSONError writes an {"error": message} body
func writeJSONError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeError maps a store or pipeline error onto a status code
func writeError(w http.ResponseWriter, err error) {
	var validationErr *ValidationError
	var generationErr *GenerationError
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      validationErr.Error(),
			"itemId":     validationErr.ItemID,
			"violations": validationErr.Violations,
		})
	case errors.As(err, &generationErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  generationErr.Error(),
			"errors": generationErr.Errors,
		})
	case errors.Is(err, ErrItemNotFound), errors.Is(err, ErrReceiptNotFound):
		writeJSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNotConfirmed):
		writeJSONError(w, err.Error(), http.StatusPreconditionRequired)
	case errors.Is(err, ErrUnknownField), errors.Is(err, ErrReadOnlyField),
		errors.Is(err, ErrInvalidRecipient), errors.Is(err, ErrInvalidPeriod),
		errors.Is(err, ErrNoImages), errors.Is(err, ErrNoItems):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("Request failed", "error", err)
		writeJSONError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// pathItemID parses the {id} path value
func pathItemID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id < 0 {
		writeJSONError(w, "Item ID must be a number", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// queryConfirmer approves destructive actions sent with ?confirm=true
func queryConfirmer(r *http.Request) Confirmer {
	confirmed, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	return ConfirmFunc(func(string) bool { return confirmed })
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// handleGetState returns the whole report state
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Store.Snapshot())
}

// handleListItems returns every item in report order
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Store.Items())
}

// handleCreateItem adds an empty item
func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, s.deps.Store.CreateItem())
}

// handleGetItem returns a single item
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathItemID(w, r)
	if !ok {
		return
	}
	item, found := s.deps.Store.Item(id)
	if !found {
		writeJSONError(w, "Item not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type fieldUpdate struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// handleUpdateItem sets one item field
func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathItemID(w, r)
	if !ok {
		return
	}
	var req fieldUpdate
	if !decodeBody(w, r, &req) {
		return
	}
	var value string
	if len(req.Value) > 0 && string(req.Value) != "null" {
		if err := json.Unmarshal(req.Value, &value); err != nil {
			writeJSONError(w, "Item field values must be strings", http.StatusBadRequest)
			return
		}
	}
	if err := s.deps.Store.UpdateItemField(id, ItemField(req.Field), value); err != nil {
		writeError(w, err)
		return
	}
	item, _ := s.deps.Store.Item(id)
	writeJSON(w, http.StatusOK, item)
}

// handleDeleteItem deletes an item when confirmed
func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathItemID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteItem(id, queryConfirmer(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSelectItem makes an item active; id 0 clears the selection
func (s *Server) handleSelectItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathItemID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.Select(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetRecipient switches the payee mode of an item
func (s *Server) handleSetRecipient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathItemID(w, r)
	if !ok {
		return
	}
	var req struct {
		RecipientType RecipientType `json:"recipientType"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.deps.Store.SetRecipientType(id, req.RecipientType); err != nil {
		writeError(w, err)
		return
	}
	item, _ := s.deps.Store.Item(id)
	writeJSON(w, http.StatusOK, item)
}

// handleValidateItem reports the completeness of an item
func (s *Server) handleValidateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathItemID(w, r)
	if !ok {
		return
	}
	item, found := s.deps.Store.Item(id)
	if !found {
		writeJSONError(w, "Item not found", http.StatusNotFound)
		return
	}
	mode := ParseLanguage(r.URL.Query().Get("language"))
	violations := Validate(item, mode)
	if violations == nil {
		violations = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"complete":   IsComplete(item, mode),
		"language":   mode,
		"violations": violations,
	})
}

// handleAttachReceipts attaches placeholders for the selected files and
// reconciles them in the background
func (s *Server) handleAttachReceipts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathItemID(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, "Selection is too large. Maximum size is 50MB.", http.StatusRequestEntityTooLarge)
			return
		}
		writeJSONError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	files, err := readUploads(r.MultipartForm.File["files"])
	if err != nil {
		slog.Error("Error reading uploaded files", "error", err)
		writeJSONError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	jobs, err := s.deps.Pipeline.Attach(id, files)
	if err != nil {
		writeError(w, err)
		return
	}

	item, _ := s.deps.Store.Item(id)
	placeholders := make([]Receipt, 0, len(jobs))
	for _, job := range jobs {
		if idx := item.receiptIndex(job.ReceiptID); idx >= 0 {
			placeholders = append(placeholders, item.Receipts[idx])
		}
	}

	ctx := context.WithoutCancel(r.Context())
	go s.deps.Pipeline.Process(ctx, jobs)

	writeJSON(w, http.StatusAccepted, map[string]any{"receipts": placeholders})
}

func readUploads(headers []*multipart.FileHeader) ([]Upload, error) {
	uploads := make([]Upload, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, Upload{
			Name:        filepath.Base(header.Filename),
			Data:        data,
			ContentType: strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type"))),
		})
	}
	return uploads, nil
}

// handleUpdateReceipt sets one receipt field
func (s *Server) handleUpdateReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathItemID(w, r)
	if !ok {
		return
	}
	var req struct {
		Field string `json:"field"`
		Value any    `json:"value"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.deps.Store.UpdateReceiptField(id, r.PathValue("receiptID"), ReceiptField(req.Field), req.Value); err != nil {
		writeError(w, err)
		return
	}
	item, _ := s.deps.Store.Item(id)
	writeJSON(w, http.StatusOK, item)
}

// handleRemoveReceipt detaches a receipt
func (s *Server) handleRemoveReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathItemID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.RemoveReceipt(id, r.PathValue("receiptID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReset clears the report when confirmed
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.ResetAll(queryConfirmer(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetReportPeriod records the report year and month
func (s *Server) handleSetReportPeriod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Year  int `json:"year"`
		Month int `json:"month"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.deps.Store.SetReportPeriod(req.Year, req.Month); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGenerate validates the report and requests the document
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Language           string `json:"language"`
		NaturalTranslation bool   `json:"naturalTranslation"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if s.deps.Generator == nil {
		writeJSONError(w, "Document generation is not configured", http.StatusServiceUnavailable)
		return
	}

	result, err := GenerateReport(r.Context(), s.deps.Store, s.deps.Generator, GenerateOptions{
		Language:           ParseLanguage(req.Language),
		NaturalTranslation: req.NaturalTranslation,
	})
	var validationErr *ValidationError
	var generationErr *GenerationError
	switch {
	case err == nil:
		s.reportGenerated(ReportSucceeded)
		writeJSON(w, http.StatusOK, result)
	case errors.As(err, &validationErr), errors.Is(err, ErrNoItems):
		s.reportGenerated(ReportInvalid)
		writeError(w, err)
	case errors.As(err, &generationErr):
		s.reportGenerated(ReportRejected)
		s.deps.Advisories.Advise(Advisory{Level: AdvisoryError, Message: generationErr.Error()})
		writeError(w, err)
	default:
		s.reportGenerated(ReportFailed)
		slog.Error("Error generating document", "error", err)
		s.deps.Advisories.Advise(Advisory{Level: AdvisoryError, Message: "Document generation failed: " + err.Error()})
		writeJSONError(w, "Document generation failed", http.StatusBadGateway)
	}
}

func (s *Server) reportGenerated(status string) {
	if s.deps.Reports != nil {
		s.deps.Reports.ReportGenerated(status)
	}
}

// handleListAdvisories returns the recent advisories, oldest first
func (s *Server) handleListAdvisories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Advisories.Recent())
}

// handleGetPreview serves the bytes behind an ephemeral preview reference
func (s *Server) handleGetPreview(w http.ResponseWriter, r *http.Request) {
	if s.deps.Previews == nil {
		writeJSONError(w, "Preview not found", http.StatusNotFound)
		return
	}
	data, contentType, ok := s.deps.Previews.Get(r.PathValue("ref"))
	if !ok {
		writeJSONError(w, "Preview not found", http.StatusNotFound)
		return
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}
