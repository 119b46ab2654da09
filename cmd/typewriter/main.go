package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"afteryou/internal/config"
	"afteryou/internal/engine"
	"afteryou/internal/logging"
	"afteryou/internal/typewriter"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", true)
		bootLogger.Fatal().Err(err).Msg("❌ Failed to load config")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := typewriter.Open(ctx, typewriter.Options{
		GatewayURL:   cfg.GatewayURL,
		ProbeTimeout: cfg.GatewayProbeTimeout,
		IdentityPath: cfg.IdentityPath,
		Discover:     cfg.MDNSEnabled,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("❌ Failed to open typewriter")
	}

	unwatch := session.Engine.Watch(func(_ engine.View, out engine.Outcome) {
		if out.Has(engine.EventPaperReset) {
			fmt.Fprintln(os.Stdout, "-- fresh page --")
		}
	})

	fmt.Fprintf(os.Stdout, "after you, %s (%s). :help for commands\n", session.Identity.UserName, session.Mode)

	cli := typewriter.NewCLI(session, os.Stdout)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			err := cli.Exec(ctx, line)
			if errors.Is(err, typewriter.ErrQuit) {
				break loop
			}
			if err != nil {
				fmt.Fprintln(os.Stdout, err)
			}
		}
	}

	unwatch()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Close(closeCtx); err != nil {
		logger.Warn().Err(err).Msg("⚠️  Unclean shutdown")
	}
}
