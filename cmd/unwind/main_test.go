package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReduceRejectsAmbiguousAmount(t *testing.T) {
	for _, args := range [][]string{
		{"reduce", "--coin", "BTC"},
		{"reduce", "--coin", "BTC", "--size", "1", "--usdt", "100"},
		{"reduce", "--coin", "BTC", "--size", "1", "--resume"},
	} {
		root := newRootCmd()
		root.SetArgs(args)
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		err := root.Execute()
		if err == nil || !strings.Contains(err.Error(), "exactly one of --size, --usdt or --resume") {
			t.Fatalf("args %v: expected amount validation error, got %v", args, err)
		}
	}
}

func TestCloseRequiresCoin(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"close"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected missing --coin error")
	}
}

func TestStatusListsNothingInFlight(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "ws:\n  enabled: false\nmetrics:\n  enabled: false\nstate:\n  sqlite_path: " + filepath.Join(dir, "state.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs([]string{"status", "--config", cfgPath, "--coin", "btc"})
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "no operations in flight") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestExecutePrintsErrorToStderr(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	cases := map[string]struct {
		args []string
		want []string
	}{
		"config": {
			args: []string{"status", "--config", missing},
			want: []string{"error: load config", "missing.yaml"},
		},
		"validation": {
			args: []string{"reduce", "--coin", "BTC"},
			want: []string{"error: exactly one of --size, --usdt or --resume must be given"},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := execute(context.Background(), tc.args, &stdout, &stderr); code != 1 {
				t.Fatalf("expected exit code 1, got %d", code)
			}
			for _, want := range tc.want {
				if !strings.Contains(stderr.String(), want) {
					t.Fatalf("expected stderr to contain %q, got %q", want, stderr.String())
				}
			}
			if n := strings.Count(stderr.String(), "error:"); n != 1 {
				t.Fatalf("expected the error printed once, got %d times: %q", n, stderr.String())
			}
		})
	}
}
