package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	previous := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = previous })
	return &buf
}

func writeTestPolicy(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "policy.yaml")
	content := fmt.Sprintf("version: 1\npaths:\n  repo_root: %s\n  state_root: agents\n  trees_root: trees\n", root)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestCLIResolvePrintsWorkflow(t *testing.T) {
	out := captureStdout(t)
	policyPath := writeTestPolicy(t)

	err := executeCLI(context.Background(), []string{"resolve", "--policy", policyPath, "--stages", "implement,plan"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(out.String(), "adw_plan_build_iso") {
		t.Fatalf("expected adw_plan_build_iso, got %q", out.String())
	}
	if !strings.Contains(out.String(), "rule=joined") {
		t.Fatalf("expected joined rule, got %q", out.String())
	}
}

func TestCLICreateListDelete(t *testing.T) {
	out := captureStdout(t)
	policyPath := writeTestPolicy(t)
	ctx := context.Background()

	if err := executeCLI(ctx, []string{"create", "--policy", policyPath, "--stages", "plan,implement,test,review,document", "--issue", "42", "--run-id", "ab12cd34"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(out.String(), "workflow=adw_sdlc_iso") {
		t.Fatalf("expected sdlc workflow, got %q", out.String())
	}

	out.Reset()
	if err := executeCLI(ctx, []string{"list", "--policy", policyPath}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), "ab12cd34") {
		t.Fatalf("expected run in list, got %q", out.String())
	}

	out.Reset()
	if err := executeCLI(ctx, []string{"delete", "--policy", policyPath, "--run-id", "ab12cd34", "--json"}); err != nil {
		t.Fatalf("delete: %v (%s)", err, out.String())
	}
	var outcome struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(out.Bytes(), &outcome); err != nil {
		t.Fatalf("decode outcome %q: %v", out.String(), err)
	}
	if outcome.Status != "completed" || outcome.RunID != "ab12cd34" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	out.Reset()
	if err := executeCLI(ctx, []string{"delete", "--policy", policyPath, "--run-id", "ab12cd34"}); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
	if !strings.Contains(out.String(), "not_found") {
		t.Fatalf("expected not_found, got %q", out.String())
	}
}

func TestCLIDeleteRejectsMalformedRunID(t *testing.T) {
	out := captureStdout(t)
	policyPath := writeTestPolicy(t)

	err := executeCLI(context.Background(), []string{"delete", "--policy", policyPath, "--run-id", "../etc"})
	if err == nil {
		t.Fatalf("expected error for malformed run id")
	}
	if !strings.Contains(out.String(), "validation_error") {
		t.Fatalf("expected validation_error, got %q", out.String())
	}
}

func TestCLIWatchRequiresServer(t *testing.T) {
	captureStdout(t)
	err := executeCLI(context.Background(), []string{"watch"})
	if err == nil || !strings.Contains(err.Error(), "--server") {
		t.Fatalf("expected --server error, got %v", err)
	}
}

func TestCLIPolicyInitWritesYAML(t *testing.T) {
	out := captureStdout(t)
	path := filepath.Join(t.TempDir(), "nested", "policy.yaml")

	if err := executeCLI(context.Background(), []string{"policy-init", "--path", path}); err != nil {
		t.Fatalf("policy-init: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read policy: %v", err)
	}
	if !strings.Contains(string(b), "reserved_match: superset") {
		t.Fatalf("expected yaml policy, got %s", string(b))
	}
	if !strings.Contains(out.String(), path) {
		t.Fatalf("expected path in output, got %q", out.String())
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"unknown": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := logLevel(input); got != want {
			t.Fatalf("logLevel(%q) = %v, want %v", input, got, want)
		}
	}
}
