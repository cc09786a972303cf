package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/stvlynn/easyreceipt/internal/config"
	"github.com/stvlynn/easyreceipt/internal/document"
	"github.com/stvlynn/easyreceipt/internal/extraction"
	"github.com/stvlynn/easyreceipt/internal/pipeline"
	"github.com/stvlynn/easyreceipt/internal/server"
	"github.com/stvlynn/easyreceipt/internal/submission"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	fs := ff.NewFlagSet("easyreceipt")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		historyPath    = fs.StringLong("history-db", "easyreceipt.db", "Run history database path (empty disables history)")
		difyURL        = fs.StringLong("dify-url", config.DefaultDifyURL, "Dify API base URL")
		difyKey        = fs.StringLong("dify-key", "", "Dify workflow app API key")
		feishuKey      = fs.StringLong("feishu-key", "", "Feishu access token")
		feishuApp      = fs.StringLong("feishu-app-token", "", "Feishu Bitable app token")
		deliveryTable  = fs.StringLong("feishu-delivery-table", "", "Bitable table id for delivery receipts")
		trainTable     = fs.StringLong("feishu-train-table", "", "Bitable table id for train tickets")
		extractTimeout = fs.DurationLong("extract-timeout", config.DefaultExtractTimeout, "Timeout for each extraction request")
		submitTimeout  = fs.DurationLong("submit-timeout", config.DefaultSubmitTimeout, "Timeout for each submission request")
		authUser       = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel       = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("EASYRECEIPT"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	settings := config.Settings{
		Extraction: config.Extraction{
			BaseURL: *difyURL,
			APIKey:  *difyKey,
			Timeout: *extractTimeout,
		},
		Submission: config.Submission{
			APIKey:   *feishuKey,
			AppToken: *feishuApp,
			TableIDs: map[document.Kind]string{
				document.DeliveryReceipt: *deliveryTable,
				document.TrainTicket:     *trainTable,
			},
			Timeout: *submitTimeout,
		},
	}.WithDefaults()

	if err := settings.Extraction.Check(); err != nil {
		slog.Warn("Extraction is not configured", "error", err)
	}
	for _, d := range document.Kinds() {
		if _, err := settings.Submission.Destination(d.Kind); err != nil {
			slog.Warn("Submission is not configured", "kind", d.Kind, "error", err)
		}
	}

	var history pipeline.History = pipeline.NopHistory{}
	if *historyPath != "" {
		slog.Info("Initializing run history...", "path", *historyPath)
		bolt, err := pipeline.NewBoltHistory(*historyPath)
		if err != nil {
			slog.Error("Failed to initialize run history", "error", err)
			os.Exit(1)
		}
		history = bolt
	}
	defer history.Close()

	p := pipeline.New(
		extraction.NewDify(settings.Extraction),
		submission.NewFeishu(settings.Submission),
		history,
	)

	srv := server.New(p, server.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Starting easyreceipt", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if err := srv.Run(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		history.Close()
		os.Exit(1)
	}

	slog.Info("Shutting down...")
}
