package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/zombor/expense-report/internal/ocr"
	"github.com/zombor/expense-report/internal/report"
	"github.com/zombor/expense-report/internal/resilience"
)

// Operation names used for breakers and errors
const (
	OpUpload   = "upload_receipt"
	OpOCR      = "ocr_from_upload"
	OpGenerate = "generate_document"
)

const maxResponseBytes = 4 << 20

// ErrBackendUnavailable marks a call the circuit breaker refused to send
var ErrBackendUnavailable = errors.New("backend unavailable")

// StatusError is a non-2xx answer from the backend
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "backend status error"
	}
	if e.Body == "" {
		return fmt.Sprintf("backend %s: status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("backend %s: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// ClientConfig configures a Client
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// OCRRate caps OCR calls per second; zero means unlimited
	OCRRate float64
	Policy  resilience.Policy
}

// Client talks to the remote receipt backend over HTTP
type Client struct {
	baseURL  *url.URL
	http     *http.Client
	executor *resilience.Executor
	limiter  *rate.Limiter
}

// NewClient creates a Client for cfg
func NewClient(cfg ClientConfig) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return NewClientWithDeps(cfg, &http.Client{Timeout: timeout}, resilience.NewExecutor(cfg.Policy))
}

// NewClientWithDeps creates a Client with a custom HTTP client and executor
func NewClientWithDeps(cfg ClientConfig, httpClient *http.Client, executor *resilience.Executor) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parsing backend URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend URL %q must be absolute", cfg.BaseURL)
	}

	c := &Client{baseURL: base, http: httpClient, executor: executor}
	if cfg.OCRRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.OCRRate), 1)
	}
	return c, nil
}

// Upload sends one receipt file as multipart field "file"
func (c *Client) Upload(ctx context.Context, file report.Upload) (ocr.Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("creating form part: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("writing form part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing form: %w", err)
	}

	body, err := c.call(ctx, OpUpload, "api/upload-receipt", mw.FormDataContentType(), buf.Bytes())
	if err != nil {
		return nil, err
	}
	return decodeResponse(body)
}

// Recognize asks the backend to OCR a file it already stores
func (c *Client) Recognize(ctx context.Context, fileName string) (ocr.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for OCR slot: %w", err)
		}
	}
	payload, err := json.Marshal(map[string]string{ocr.FieldFileName: fileName})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	body, err := c.call(ctx, OpOCR, "api/ocr-from-upload", "application/json", payload)
	if err != nil {
		return nil, err
	}
	return decodeResponse(body)
}

type generateResponse struct {
	Success     bool   `json:"success"`
	DownloadURL string `json:"downloadUrl"`
}

// Generate submits a report. A 4xx answer is returned as a
// *report.GenerationError carrying the backend's message and errors.
func (c *Client) Generate(ctx context.Context, req report.GenerateRequest) (report.GenerateResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return report.GenerateResult{}, fmt.Errorf("marshaling request: %w", err)
	}

	body, err := c.call(ctx, OpGenerate, "api/generate-document", "application/json", payload)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
			return report.GenerateResult{}, parseRejection(statusErr)
		}
		return report.GenerateResult{}, err
	}

	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return report.GenerateResult{}, fmt.Errorf("decoding response: %w", err)
	}
	if resp.DownloadURL == "" {
		return report.GenerateResult{}, errors.New("backend returned no download URL")
	}
	link, err := url.Parse(resp.DownloadURL)
	if err != nil {
		return report.GenerateResult{}, fmt.Errorf("parsing download URL: %w", err)
	}
	return report.GenerateResult{DownloadURL: c.baseURL.ResolveReference(link).String()}, nil
}

func (c *Client) call(ctx context.Context, op, path, contentType string, payload []byte) ([]byte, error) {
	requestID := report.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	endpoint := c.baseURL.ResolveReference(&url.URL{Path: path}).String()

	var out []byte
	err := c.executor.Execute(ctx, op, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", "application/json")
		req.Header.Set(report.RequestIDHeader, requestID)

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("calling backend %s: %w", op, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		slog.Debug("Backend call finished", "operation", op, "status", resp.StatusCode, "duration", time.Since(start), "request_id", requestID)
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &StatusError{Operation: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		out = body
		return nil
	}, classify)
	if resilience.IsCircuitOpen(err) {
		slog.Warn("Backend call refused by circuit breaker", "operation", op, "request_id", requestID)
		return nil, fmt.Errorf("backend %s: %w: %w", op, ErrBackendUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodeResponse(body []byte) (ocr.Response, error) {
	var resp ocr.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if resp == nil {
		resp = ocr.Response{}
	}
	return resp, nil
}

type rejectionBody struct {
	Detail json.RawMessage `json:"detail"`
}

type rejectionDetail struct {
	Message string   `json:"message"`
	Errors  []string `json:"errors"`
}

// parseRejection reads {"detail": {"message", "errors"}} or
// {"detail": "message"}. Anything else keeps the raw body as the message.
func parseRejection(statusErr *StatusError) error {
	rejection := &report.GenerationError{Message: statusErr.Body}

	var body rejectionBody
	if err := json.Unmarshal([]byte(statusErr.Body), &body); err != nil || len(body.Detail) == 0 {
		return rejection
	}

	var text string
	if err := json.Unmarshal(body.Detail, &text); err == nil {
		rejection.Message = text
		return rejection
	}
	var detail rejectionDetail
	if err := json.Unmarshal(body.Detail, &detail); err == nil {
		rejection.Message = detail.Message
		rejection.Errors = detail.Errors
	}
	return rejection
}

// classify keeps client-side rejections out of the breaker and marks
// transient failures retryable
func classify(err error) resilience.Classification {
	if err == nil {
		return resilience.Classification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.Classification{RecordFailure: false}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return resilience.Classification{Retryable: true, RecordFailure: true}
		}
		return resilience.Classification{RecordFailure: statusErr.StatusCode >= 500}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.Classification{Retryable: true, RecordFailure: true}
	}
	return resilience.Classification{RecordFailure: true}
}
