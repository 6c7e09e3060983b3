package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/bridge/internal/config"
	"github.com/ehr/bridge/internal/domain/clinical"
	"github.com/ehr/bridge/internal/domain/conversion"
	"github.com/ehr/bridge/internal/platform/fhirclient"
	"github.com/ehr/bridge/internal/platform/hl7v2"
	"github.com/ehr/bridge/internal/platform/middleware"
	"github.com/ehr/bridge/internal/platform/telemetry"
	"github.com/ehr/bridge/internal/platform/webhook"
)

const conversionsPath = "/api/v1/conversions"

func main() {
	rootCmd := &cobra.Command{
		Use:   "bridge-server",
		Short: "Clinical message bridge to a FHIR repository",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(convertCmd())
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the optional MLLP listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func convertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert [files...]",
		Short: "Convert patient files and upload them to the FHIR repository",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, _ := cmd.Flags().GetString("imaging")

			logger := newLogger(os.Getenv("ENV"))
			rt, err := newRuntime(logger)
			if err != nil {
				return err
			}
			return runConvert(cmd.Context(), cmd.OutOrStdout(), rt.svc, args, manifest)
		},
	}
	cmd.Flags().String("imaging", "", "JSON manifest of imaging instances [{\"patientId\",\"instanceId\"}]")
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and probe the FHIR repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(os.Getenv("ENV"))
			rt, err := newRuntime(logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.FHIRTimeout)
			defer cancel()
			if err := rt.svc.CheckRepository(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "FHIR repository reachable at %s (auth: %s)\n",
				rt.client.BaseURL(), rt.cfg.Credentials().Redacted())
			return nil
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// runtime is everything a command needs after configuration is loaded.
type runtime struct {
	cfg      *config.Config
	client   *fhirclient.Client
	reader   *clinical.Reader
	svc      *conversion.Service
	metrics  *telemetry.Registry
	notifier *webhook.Notifier // nil unless DISPATCH_WEBHOOK_URL is set
}

func newRuntime(logger zerolog.Logger) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	rules := clinical.DefaultRules()
	if cfg.ClassifierRulesFile != "" {
		rules, err = clinical.LoadRules(cfg.ClassifierRulesFile)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("file", cfg.ClassifierRulesFile).Msg("loaded classifier rules")
	}
	classifier := clinical.NewClassifier(rules)

	client := fhirclient.New(fhirclient.Config{
		BaseURL:     cfg.FHIRBaseURL,
		Credentials: cfg.Credentials(),
		Timeout:     cfg.FHIRTimeout,
		MaxAttempts: cfg.UploadMaxAttempts,
		RetryBase:   cfg.UploadRetryBase,
	}, fhirclient.WithLogger(logger))

	metrics := telemetry.NewRegistry()
	opts := []conversion.ServiceOption{conversion.WithLogger(logger), conversion.WithMetrics(metrics)}
	var notifier *webhook.Notifier
	if cfg.WebhookURL != "" {
		notifier, err = webhook.NewNotifier(cfg.WebhookURL, cfg.WebhookSecret, webhook.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		opts = append(opts, conversion.WithDispatcher(conversion.WebhookDispatcher{Notifier: notifier}))
	}
	svc := conversion.NewService(classifier, client, conversion.NewStatusStore(), opts...)

	return &runtime{
		cfg:      cfg,
		client:   client,
		reader:   clinical.NewReader(classifier),
		svc:      svc,
		metrics:  metrics,
		notifier: notifier,
	}, nil
}

func newServer(rt *runtime, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(rt.metrics.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: rt.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit("1M", rt.cfg.BodyLimit, conversionsPath))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/fhir", fhirHealthHandler(rt))
	e.GET("/metrics", rt.metrics.PrometheusHandler())

	apiV1 := e.Group("/api/v1")
	hl7v2.NewHandler().RegisterRoutes(apiV1)
	clinical.NewHandler(rt.reader).RegisterRoutes(apiV1)
	conversion.NewHandler(rt.svc).RegisterRoutes(apiV1)
	if rt.notifier != nil {
		webhook.NewHandler(rt.notifier).RegisterRoutes(apiV1)
	}

	return e
}

func fhirHealthHandler(rt *runtime) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := rt.svc.CheckRepository(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"fhir":   rt.client.BaseURL(),
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status": "ok",
			"fhir":   rt.client.BaseURL(),
		})
	}
}

// mllpHandler converts each inbound message and acknowledges it with AA when
// Patient and DiagnosticReport were stored, AE otherwise.
func mllpHandler(svc *conversion.Service, logger zerolog.Logger) hl7v2.MessageHandler {
	return func(ctx context.Context, msg *hl7v2.Message) *hl7v2.Message {
		out, err := svc.ConvertMessage(ctx, msg, "mllp:"+msg.ControlID)
		if err != nil {
			logger.Warn().Err(err).Str("control_id", msg.ControlID).Msg("mllp message rejected")
			return hl7v2.GenerateACK(msg, hl7v2.AckError, err.Error())
		}
		if !out.CriticalSuccess {
			return hl7v2.GenerateACK(msg, hl7v2.AckError, out.Summary())
		}
		return hl7v2.GenerateACK(msg, hl7v2.AckAccept, "")
	}
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	rt, err := newRuntime(logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info().
		Str("fhir", rt.client.BaseURL()).
		Str("auth", rt.cfg.Credentials().Redacted()).
		Msg("configured FHIR repository")

	e := newServer(rt, logger)

	if rt.cfg.MLLPAddr != "" {
		mllpServer := hl7v2.NewMLLPServer(rt.cfg.MLLPAddr, mllpHandler(rt.svc, logger), logger)
		if err := mllpServer.Start(); err != nil {
			return fmt.Errorf("start MLLP server: %w", err)
		}
		defer stopMLLP(mllpServer, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, e, ":"+rt.cfg.Port, logger)
}

// serve runs e on addr until ctx is done, then shuts it down gracefully.
// A listener failure is returned instead of waiting for ctx.
func serve(ctx context.Context, e *echo.Echo, addr string, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("starting server")
		errCh <- e.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func stopMLLP(s *hl7v2.MLLPServer, logger zerolog.Logger) {
	if err := s.Stop(); err != nil {
		logger.Error().Err(err).Msg("failed to stop MLLP server")
		return
	}
	logger.Info().Msg("mllp server stopped")
}

// runConvert processes files as one batch and prints the batch messages.
func runConvert(ctx context.Context, w io.Writer, svc *conversion.Service, paths []string, manifest string) error {
	files := make([]conversion.File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		files = append(files, conversion.File{Name: filepath.Base(p), Data: data})
	}

	var imaging []conversion.ImagingInstance
	if manifest != "" {
		data, err := os.ReadFile(manifest)
		if err != nil {
			return fmt.Errorf("read imaging manifest: %w", err)
		}
		imaging, err = conversion.DecodeImaging(data)
		if err != nil {
			return fmt.Errorf("imaging manifest %s: %w", manifest, err)
		}
	}

	result, err := svc.ProcessBatch(ctx, files, imaging)
	for _, m := range result.Messages {
		fmt.Fprintf(w, "[%s] %s\n", m.Level, m.Text)
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, o := range result.Outcomes {
		if !o.CriticalSuccess {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(result.Outcomes))
	}
	return nil
}
