package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q): got %v, want %v", in, got, want)
		}
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestImportCommand(t *testing.T) {
	dir := t.TempDir()
	jsonDir := filepath.Join(dir, "json")
	if err := os.Mkdir(jsonDir, 0o755); err != nil {
		t.Fatal(err)
	}
	summary := `{"tenant_id":"t-9","workspaces":[{"id":"w1","name":"Ops","datasets":[{"id":"d1","name":"Tickets"}]}]}`
	detail := `{"tables":[{"id":"t1","name":"Tickets","columns":[{"id":"c1","name":"Id"},{"id":"c2","name":"Owner"}]}]}`
	for name, body := range map[string]string{
		"tenant_summary.json":       summary,
		"Ops_Tickets_metadata.json": detail,
	} {
		if err := os.WriteFile(filepath.Join(jsonDir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	dbPath := filepath.Join(dir, "catalog.db")

	out, err := execute(t,
		"--config", filepath.Join(dir, "missing.yaml"),
		"import", "--db", dbPath, "--json-dir", jsonDir)
	if err != nil {
		t.Fatalf("import: %v\n%s", err, out)
	}
	for _, want := range []string{"workspaces:    1", "tables:        1", "columns:       2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("catalog not created: %v", err)
	}
}

func TestScansListEmpty(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("scans_dir: "+filepath.Join(dir, "scans")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "--config", cfgPath, "scans", "list")
	if err != nil {
		t.Fatalf("scans list: %v", err)
	}
	if !strings.HasPrefix(out, "ID") || strings.Count(out, "\n") != 1 {
		t.Errorf("scans list: got %q, want header only", out)
	}
}
