package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/expense-report/internal/backend"
	"github.com/zombor/expense-report/internal/document"
	"github.com/zombor/expense-report/internal/logging"
	"github.com/zombor/expense-report/internal/metrics"
	"github.com/zombor/expense-report/internal/report"
	"github.com/zombor/expense-report/internal/resilience"
	"github.com/zombor/expense-report/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

const serviceName = "expense-report"

// ports are the three backend operations the reconciliation engine needs
type ports interface {
	report.Uploader
	report.Recognizer
	report.Generator
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet(serviceName)
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		dbPath         = fs.StringLong("db", "expense-report.db", "Snapshot database file path")
		snapshotQuota  = fs.IntLong("snapshot-quota", 5<<20, "Largest snapshot in bytes that will be persisted (0 for no limit)")
		backendType    = fs.StringLong("backend", "remote", "Backend type: 'remote' or 'local'")
		backendURL     = fs.StringLong("backend-url", "http://localhost:8000", "Remote backend base URL")
		backendTimeout = fs.DurationLong("backend-timeout", 60*time.Second, "Timeout for each remote backend call")
		ocrRate        = fs.Float64Long("ocr-rate", 2, "Maximum OCR calls per second to the remote backend (0 for no limit)")
		storagePath    = fs.StringLong("storage", "./uploads", "Local backend receipt directory")
		outputPath     = fs.StringLong("output", "./outputs", "Local backend report directory")
		retention      = fs.DurationLong("retention", 3*time.Hour, "How long the local backend keeps receipts and reports")
		cleanupEvery   = fs.DurationLong("cleanup-interval", 10*time.Minute, "How often the local backend removes expired files")
		scannerType    = fs.StringLong("scanner", "none", "Local backend scanner: 'gemini', 'ollama' or 'none'")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = fs.StringLong("gemini-model", scanning.DefaultGeminiModel, "Google Gemini model name")
		ollamaURL      = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, bakllava, qwen2-vl)")
		recipientA     = fs.StringLong("recipient-a-name", "", "Display name of named recipient A")
		recipientB     = fs.StringLong("recipient-b-name", "", "Display name of named recipient B")
		authUser       = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel       = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat      = fs.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("EXPENSE_REPORT"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	slog.SetDefault(logging.New(serviceName, *logLevel, *logFormat))

	// Initialize database
	slog.Info("Initializing database...", "path", *dbPath)
	db, err := report.NewBoltDBWithQuota(*dbPath, *snapshotQuota)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	directory := report.DefaultDirectory()
	rename := func(t report.RecipientType, name string) {
		if name = strings.TrimSpace(name); name != "" {
			payee := directory[t]
			payee.Name = name
			directory[t] = payee
		}
	}
	rename(report.RecipientNamedA, *recipientA)
	rename(report.RecipientNamedB, *recipientB)

	previews := report.NewMemoryPreviews()
	store := report.NewStoreWithDeps(previews, directory, clock{})
	if err := report.Persist(store, db); err != nil {
		slog.Error("Failed to restore snapshot", "error", err)
		os.Exit(1)
	}

	deps := report.ServerDeps{
		Store:      store,
		Advisories: report.NewAdvisoryLog(0),
		Previews:   previews,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var backendPorts ports
	switch *backendType {
	case "remote":
		slog.Info("Using remote backend", "url", *backendURL, "timeout", *backendTimeout)
		backendPorts, err = backend.NewClient(backend.ClientConfig{
			BaseURL: *backendURL,
			Timeout: *backendTimeout,
			OCRRate: *ocrRate,
			Policy:  resilience.DefaultPolicy(),
		})
		if err != nil {
			slog.Error("Failed to initialize backend client", "error", err)
			os.Exit(1)
		}
	case "local":
		scanner, err := newScanner(*scannerType, *geminiKey, *geminiModel, *ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize scanner", "type", *scannerType, "error", err)
			os.Exit(1)
		}
		if scanner != nil {
			defer scanner.Close()
		}

		slog.Info("Initializing local backend...", "storage", *storagePath, "output", *outputPath)
		storage, err := backend.NewLocalStorage(*storagePath)
		if err != nil {
			slog.Error("Failed to initialize storage", "error", err)
			os.Exit(1)
		}
		workbook, err := document.NewWorkbook(*outputPath)
		if err != nil {
			slog.Error("Failed to initialize document output", "error", err)
			os.Exit(1)
		}
		local := backend.NewLocal(storage, scanner, workbook)
		backendPorts = local
		deps.Uploads = http.FileServer(http.Dir(storage.Dir()))
		deps.Downloads = local.Downloads()

		slog.Info("Starting retention sweep", "retention", *retention, "interval", *cleanupEvery)
		go local.RunRetention(ctx, *retention, *cleanupEvery)
	default:
		slog.Error("Invalid backend type", "type", *backendType, "valid", "remote or local")
		os.Exit(1)
	}

	pipelineMetrics := metrics.NewPipeline(serviceName)
	deps.Pipeline = report.NewPipelineWithDeps(store, backendPorts, backendPorts, deps.Advisories, pipelineMetrics, report.NewIDGenerator(), clock{})
	deps.Generator = backendPorts
	deps.Reports = pipelineMetrics
	deps.Metrics = pipelineMetrics.Handler()

	basicAuth := report.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := report.NewServer(deps, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version, "backend", *backendType)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	cancel()
}

type clock struct{}

func (clock) Now() time.Time { return time.Now() }

// newScanner builds the OCR scanner for the local backend. "none" returns nil.
func newScanner(kind, geminiKey, geminiModel, ollamaURL, ollamaModel string) (scanning.Scanner, error) {
	switch kind {
	case "none", "":
		slog.Info("No scanner configured; receipts will need manual entry")
		return nil, nil
	case "gemini":
		apiKey := geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini scanner...", "model", geminiModel)
		return scanning.NewGemini(context.Background(), apiKey, geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", ollamaURL, "model", ollamaModel)
		return scanning.NewOllama(ollamaURL, ollamaModel), nil
	}
	return nil, fmt.Errorf("invalid scanner type %q (valid: gemini, ollama or none)", kind)
}
