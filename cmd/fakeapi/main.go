package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nuralogix/dfx-api-client-go/internal/fakeapi"
	"github.com/nuralogix/dfx-api-client-go/internal/protocol"
)

func main() {
	address := pflag.String("address", "127.0.0.1:9443", "Listen address")
	licenseKey := pflag.String("license-key", "", "Only license key accepted (empty accepts any)")
	maxDuration := pflag.Float64("max-duration", 0, "Measurement limit in seconds (0 uses the per-mode limit)")
	closeEarlyAfter := pflag.Int("close-early-after", 0, "Close every measurement after this many chunks (0 never)")
	resultDelay := pflag.Duration("result-delay", 0, "Delay before a result is published")
	users := pflag.StringToString("user", nil, "Pre-registered user as email=password (repeatable)")
	responseHasAction := pflag.Bool("response-has-action", false, "Prefix WebSocket responses with the action id")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	fake := fakeapi.New(fakeapi.Config{
		LicenseKey:         *licenseKey,
		MaxDurationSeconds: *maxDuration,
		CloseEarlyAfter:    *closeEarlyAfter,
		Layout: protocol.Layout{
			ResponseHasAction: *responseHasAction,
			AckMaxLength:      protocol.DefaultAckMaxLength,
		},
		ResultDelay: *resultDelay,
	}, logger)
	for email, password := range *users {
		fake.AddUser(email, password)
	}

	srv := &http.Server{
		Addr:              *address,
		Handler:           fake,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Fake DFX API listening",
			slog.String("address", *address),
			slog.String("ws_url", fmt.Sprintf("ws://%s/ws", *address)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("Server error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Error stopping server", slog.String("error", err.Error()))
	}

	logger.Info("Fake DFX API stopped", slog.String("state", fake.String()))
}
