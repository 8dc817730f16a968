// Package main is a terminal client for taking timed assessments.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/trainhub/portal/config"
	"github.com/trainhub/portal/internal/catalog"
	"github.com/trainhub/portal/internal/results"
	"github.com/trainhub/portal/internal/session"
	"github.com/trainhub/portal/pkg/apiclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	flagAPI := pflag.String("api", cfg.Client.APIBaseURL, "base URL of the portal API")
	flagEmail := pflag.String("email", os.Getenv("EXAM_EMAIL"), "login email")
	flagPassword := pflag.String("password", os.Getenv("EXAM_PASSWORD"), "login password")
	flagAssessment := pflag.String("assessment", "", "assessment id to start (prompts when empty)")
	flagResult := pflag.String("result", "", "show the result of a finished attempt and exit")
	flagDebug := pflag.Bool("debug", false, "log debug output to stderr")
	pflag.Parse()

	logger := newLogger(*flagDebug)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := apiclient.New(*flagAPI,
		apiclient.WithTimeout(cfg.Client.RequestTimeout),
		apiclient.WithRetry(cfg.Client.MaxRetries, cfg.Client.RetryBackoff),
		apiclient.WithLogger(logger),
	)
	user, err := api.Login(ctx, *flagEmail, *flagPassword)
	if err != nil {
		fail("login failed: %v", err)
	}
	color.Green("Signed in as %s", user.FullName)

	if *flagResult != "" {
		id, err := uuid.Parse(*flagResult)
		if err != nil {
			fail("invalid attempt id %q", *flagResult)
		}
		view, err := results.Load(ctx, api, id, nil)
		if err != nil {
			fail("load result: %v", err)
		}
		if err := view.Render(os.Stdout); err != nil {
			fail("render: %v", err)
		}
		return
	}

	bus := session.NewBus()
	go bridgePush(ctx, api, bus, logger)

	cat := catalog.New(api, bus, catalog.WithLogger(logger))
	defer cat.Close()

	ctrl := session.NewController(api, bus, session.Options{
		TickInterval: cfg.Client.TickInterval,
		ExpiringSoon: cfg.Client.ExpiringSoon,
		BlockAfter:   cfg.Client.FinalizeBlockAt,
		Sleep:        apiclient.Sleep,
		Logger:       logger,
	})
	defer ctrl.Close()

	in := newInput(ctx, os.Stdin)
	assessmentID, err := pickAssessment(ctx, cat, in, *flagAssessment)
	if err != nil {
		fail("%v", err)
	}
	if err := takeAssessment(ctx, ctrl, in, assessmentID); err != nil && !errors.Is(err, context.Canceled) {
		fail("%v", err)
	}
}

// bridgePush forwards server push events into the local bus so cached catalog entries are
// dropped when another tab or the worker changes them.
func bridgePush(ctx context.Context, api *apiclient.Client, bus *session.Bus, logger *zap.Logger) {
	handler := func(msg apiclient.PushMessage) {
		switch msg.Event {
		case apiclient.EventCatalogChanged, apiclient.EventAttemptFinalized:
			bus.Publish(session.Event{Type: session.EventCatalogChanged})
		}
	}
	for {
		err := api.Subscribe(ctx, handler)
		if err == nil || ctx.Err() != nil {
			return
		}
		if errors.Is(err, apiclient.ErrUnauthorized) {
			logger.Warn("push disabled", zap.Error(err))
			return
		}
		logger.Debug("push connection lost", zap.Error(err))
		if apiclient.Sleep(ctx, 5*time.Second) != nil {
			return
		}
	}
}

func fail(format string, args ...interface{}) {
	color.Red(format, args...)
	os.Exit(1)
}

func newLogger(debug bool) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
