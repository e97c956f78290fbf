package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

var stdout io.Writer = os.Stdout

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("ADWBOARD_LOG_LEVEL")),
	})))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := executeCLI(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}

func logLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printUsage() {
	fmt.Fprintln(stdout, "adwboard - resolve, trigger and tear down isolated workflow runs")
	fmt.Fprintln(stdout, "")
	fmt.Fprintln(stdout, "Usage:")
	fmt.Fprintln(stdout, "  adwboard resolve --stages plan,implement")
	fmt.Fprintln(stdout, "  adwboard create --stages plan,implement [--issue 42] [--run-id ab12cd34]")
	fmt.Fprintln(stdout, "  adwboard trigger --run-id ab12cd34 --stages plan,implement [--issue 42] [--dry-run]")
	fmt.Fprintln(stdout, "  adwboard list")
	fmt.Fprintln(stdout, "  adwboard show --run-id ab12cd34")
	fmt.Fprintln(stdout, "  adwboard delete --run-id ab12cd34")
	fmt.Fprintln(stdout, "  adwboard watch --server http://localhost:3001 [--run-id ab12cd34]")
	fmt.Fprintln(stdout, "  adwboard serve [--addr :3001]")
	fmt.Fprintln(stdout, "  adwboard policy-init [--path .adwboard/policy.json]")
	fmt.Fprintln(stdout, "")
	fmt.Fprintln(stdout, "Every run command accepts --policy, --server and --json.")
}
