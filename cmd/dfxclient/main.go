package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nuralogix/dfx-api-client-go/internal/api"
	"github.com/nuralogix/dfx-api-client-go/internal/auth"
	"github.com/nuralogix/dfx-api-client-go/internal/config"
	"github.com/nuralogix/dfx-api-client-go/internal/credentials"
	"github.com/nuralogix/dfx-api-client-go/internal/measurement"
	"github.com/nuralogix/dfx-api-client-go/internal/metrics"
	"github.com/nuralogix/dfx-api-client-go/internal/payload"
	"github.com/nuralogix/dfx-api-client-go/internal/protocol"
	"github.com/nuralogix/dfx-api-client-go/internal/server"
	"github.com/nuralogix/dfx-api-client-go/internal/session"
	"github.com/nuralogix/dfx-api-client-go/internal/transport"
)

const (
	defaultConfigPath = "configs/dfxclient.yaml"
	serviceName       = "dfxclient"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := pflag.StringP("config", "c", defaultConfigPath, "Path to configuration file")
	payloadDir := pflag.StringP("payload-dir", "p", "", "Directory of payload chunk files")
	outputDir := pflag.StringP("output-dir", "o", "", "Directory to write results to (empty discards them)")
	clearCredentials := pflag.Bool("clear-credentials", false, "Forget cached device and user tokens before starting")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *payloadDir == "" {
		fmt.Fprintln(os.Stderr, "--payload-dir is required")
		os.Exit(2)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Client starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg, *payloadDir, *outputDir, *clearCredentials, logger); err != nil {
		logger.Error("Measurement failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Client stopped")
}

func run(ctx context.Context, cfg *config.Config, payloadDir, outputDir string, clearCreds bool, logger *slog.Logger) error {
	restURL, wsURL, err := resolveEndpoints(cfg.API)
	if err != nil {
		return err
	}

	logger.Info("Configuration loaded",
		slog.String("server", cfg.API.Server),
		slog.String("rest_url", restURL),
		slog.String("ws_url", wsURL),
		slog.String("study_id", cfg.Identity.StudyID),
		slog.String("mode", cfg.Measurement.Mode),
		slog.Float64("chunk_duration", cfg.Measurement.ChunkDuration),
		slog.String("transport", cfg.Transport.Method),
		slog.String("credentials", cfg.Credentials.Backend),
		slog.String("log_level", cfg.Logging.Level),
	)

	reg := prometheus.NewRegistry()
	appMetrics := metrics.NewMetrics(reg)

	store, closeStore, err := newStore(cfg.Credentials)
	if err != nil {
		return err
	}
	defer closeStore()

	if clearCreds {
		if err := store.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear credentials: %w", err)
		}
		logger.Info("Cached credentials cleared")
	}

	client, err := api.NewClient(api.Config{
		BaseURL:       restURL,
		Timeout:       cfg.API.GetTimeoutDuration(),
		MaxRetries:    cfg.API.MaxRetries,
		MaxConcurrent: cfg.API.MaxConcurrent,
	}, appMetrics, logger)
	if err != nil {
		return fmt.Errorf("failed to create API client: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = client.Close(closeCtx)
	}()

	identity := newIdentity(cfg)
	tokens, err := auth.Bootstrap(ctx, store, client, identity, logger)
	if err != nil {
		return err
	}
	client.SetToken(tokens.UserToken)
	client.OnUnauthorized(func(ctx context.Context) (string, error) {
		refreshed, err := auth.Refresh(ctx, store, client, identity, logger)
		if err != nil {
			return "", err
		}
		return refreshed.UserToken, nil
	})

	mode, err := session.ParseMode(cfg.Measurement.Mode)
	if err != nil {
		return err
	}
	chunks, plan, err := loadPayloads(payloadDir, mode, cfg.Measurement)
	if err != nil {
		return err
	}
	logger.Info("Payloads loaded",
		slog.String("dir", payloadDir),
		slog.Int("chunks", plan.NumChunks),
		slog.Int("max_chunks_per_session", plan.MaxChunksPerSession),
		slog.Int("expected_rollovers", plan.ExpectedRollovers),
	)

	method, err := transport.ParseMethod(cfg.Transport.Method)
	if err != nil {
		return err
	}
	tr, err := transport.New(transport.Config{
		Method:      method,
		RESTURL:     restURL,
		WSURL:       wsURL,
		TokenSource: client.Token,
		Layout: protocol.Layout{
			ResponseHasAction: cfg.Transport.ResponseHasAction,
			AckMaxLength:      cfg.Transport.AckMaxLength,
		},
		RecvTimeout: cfg.Transport.GetRecvTimeout(),
		HTTPTimeout: cfg.API.GetTimeoutDuration(),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	orch, err := measurement.New(measurement.Config{
		StudyID:            cfg.Identity.StudyID,
		Plan:               plan,
		PollInterval:       cfg.Transport.GetPollInterval(),
		SignalInterval:     cfg.Transport.GetSignalInterval(),
		QueueSize:          cfg.Transport.ResultQueueSize,
		PreemptiveRollover: cfg.Measurement.PreemptiveRollover,
		PaceUploads:        cfg.Measurement.PaceUploads,
	}, tr, client, appMetrics, logger)
	if err != nil {
		_ = tr.Close()
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	// Initialize HTTP status server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpConfig := server.HTTPServerConfig{
			Port:    cfg.HTTP.Port,
			Address: cfg.HTTP.Address,
			Enabled: cfg.HTTP.Enabled,
		}
		httpServer = server.NewHTTPServer(httpConfig, logger, cfg, orch, client, appMetrics, reg)
		if err := httpServer.Start(); err != nil {
			_ = orch.Shutdown(ctx)
			return err
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := httpServer.Stop(shutdownCtx); err != nil {
				logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
			}
		}()
	}

	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			_ = orch.Shutdown(ctx)
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	if err := orch.Start(ctx); err != nil {
		_ = orch.Shutdown(ctx)
		return err
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Upload(gctx, chunks)
	})
	g.Go(func() error {
		n, err := orch.Subscribe(gctx)
		logger.Info("Subscription finished", slog.Int("results", n))
		return err
	})
	g.Go(func() error {
		return drainResults(orch.Results(), outputDir, logger)
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error closing transport", slog.String("error", err.Error()))
		}
		shutdownCancel()
		runErr = <-done
	case runErr = <-done:
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = orch.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	st := orch.Status()
	apiStats := client.GetStats()
	logger.Info("Final measurement statistics",
		slog.Int("chunks_sent", st.ChunksSent),
		slog.Int("chunks_accepted", st.ChunksAccepted),
		slog.Int("results_received", st.ResultsReceived),
		slog.Int("measurements", len(st.History)),
		slog.Int("rollovers", st.Rollovers),
		slog.Uint64("api_requests", apiStats.TotalRequests),
		slog.Uint64("api_retries", apiStats.TotalRetries),
	)

	return runErr
}

// resolveEndpoints picks the named environment unless both urls are overridden
func resolveEndpoints(cfg config.APIConfig) (string, string, error) {
	restURL, wsURL := cfg.RESTURL, cfg.WSURL
	if restURL != "" && wsURL != "" {
		return restURL, wsURL, nil
	}

	ep, err := api.Lookup(cfg.Server)
	if err != nil {
		return "", "", err
	}
	if restURL == "" {
		restURL = ep.REST
	}
	if wsURL == "" {
		wsURL = ep.WebSocket
	}
	return restURL, wsURL, nil
}

func newStore(cfg config.CredentialsConfig) (credentials.Store, func(), error) {
	switch cfg.Backend {
	case "memory":
		return credentials.NewMemoryStore(), func() {}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store := credentials.NewRedisStore(rdb,
			credentials.WithPrefix(cfg.RedisPrefix),
			credentials.WithTTL(cfg.GetRedisTTL()),
		)
		return store, func() { _ = rdb.Close() }, nil
	case "file", "":
		return credentials.NewFileStore(cfg.Path), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown credentials backend %q", cfg.Backend)
	}
}

func newIdentity(cfg *config.Config) auth.Identity {
	id := cfg.Identity
	return auth.Identity{
		Server:     cfg.API.Server,
		LicenseKey: id.LicenseKey,
		DeviceName: id.DeviceName,
		Profile: auth.Profile{
			Email:       id.Email,
			Password:    id.Password,
			FirstName:   id.FirstName,
			LastName:    id.LastName,
			PhoneNumber: id.PhoneNumber,
			Gender:      id.Gender,
			DateOfBirth: id.DateOfBirth,
			HeightCm:    id.HeightCm,
			WeightKg:    id.WeightKg,
		},
	}
}

// loadPayloads reads the chunk files and builds the upload plan. A
// configured video length must agree with the payloads found on disk.
func loadPayloads(dir string, mode session.Mode, cfg config.MeasurementConfig) ([]measurement.Chunk, measurement.Plan, error) {
	chunks, err := payload.LoadDir(dir, cfg.ChunkDuration)
	if err != nil {
		return nil, measurement.Plan{}, err
	}

	if cfg.VideoLength <= 0 {
		plan, err := measurement.PlanForChunks(mode, chunks)
		return chunks, plan, err
	}

	plan, err := measurement.NewPlan(mode, cfg.ChunkDuration, cfg.VideoLength)
	if err != nil {
		return nil, measurement.Plan{}, err
	}
	if plan.NumChunks > len(chunks) {
		return nil, measurement.Plan{}, fmt.Errorf("video length %gs needs %d chunks, found %d in %s",
			cfg.VideoLength, plan.NumChunks, len(chunks), dir)
	}
	chunks = chunks[:plan.NumChunks]
	if err := measurement.ValidateChunks(chunks); err != nil {
		return nil, measurement.Plan{}, err
	}
	return chunks, plan, nil
}

// drainResults empties the result queue until it is closed, writing each
// payload to outputDir when one is given
func drainResults(results <-chan []byte, outputDir string, logger *slog.Logger) error {
	n := 0
	for result := range results {
		logger.Info("Result received", slog.Int("index", n), slog.Int("bytes", len(result)))
		if outputDir != "" {
			path := filepath.Join(outputDir, fmt.Sprintf("result_%03d.json", n))
			if err := os.WriteFile(path, result, 0o644); err != nil {
				return fmt.Errorf("failed to write result %d: %w", n, err)
			}
		}
		n++
	}
	return nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
