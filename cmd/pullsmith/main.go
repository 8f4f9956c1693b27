// Package main provides the pullsmith binary entry point.
// Pullsmith reviews pull requests automatically: it ingests provider
// webhooks, runs analysis agents over each diff, and publishes the
// findings back to the pull request.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/pullsmith/pullsmith/llm/providers"

	"github.com/spf13/cobra"

	"github.com/pullsmith/pullsmith/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "pullsmith"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "pullsmith",
		Short: "Automated pull request review service",
		Long: `Pullsmith is an automated pull request review service.

It receives webhook events from the code-hosting provider, runs a
pipeline of analysis agents over each pull request diff, and publishes
the findings back as review comments and check runs.

Reviewer reactions to published comments feed a per-repository
preference model, so the review style adapts to each team over time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	defaultLevel := os.Getenv("LOG_LEVEL")
	if defaultLevel == "" {
		defaultLevel = "info"
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", defaultLevel, "Log level (debug, info, warn, error)")

	// Serve command (same as running the bare binary)
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the review service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	})

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	// Print banner
	printBanner()

	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration (defaults, config files, then environment)
	cfg, err := config.NewLoader(logger).Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app := NewApp(cfg, logger)

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx); err != nil {
		app.Shutdown(5 * time.Second)
		return err
	}

	slog.Info("Pullsmith ready",
		"version", Version,
		"addr", cfg.HTTP.Addr)

	// Block until shutdown signal
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	app.Shutdown(30 * time.Second)
	slog.Info("Pullsmith shutdown complete")
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║           Pullsmith v" + Version + "                    ║")
	fmt.Println("║      Automated Pull Request Review            ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
