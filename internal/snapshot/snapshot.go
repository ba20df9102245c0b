// Package snapshot maps scan names to on-disk directory layouts and persists
// each scan's metadata record atomically inside its directory.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/renameio/v2"
)

const (
	metadataFile = "metadata.json"
	artifactDir  = "json_files"

	// maxNameBytes keeps <name>_<n>.db under the usual 255-byte file name
	// limit.
	maxNameBytes = 200
)

// ErrNotFound is returned when no scan directory holds the requested id.
var ErrNotFound = errors.New("scan not found")

// ErrIO wraps filesystem failures (permissions, disk full).
var ErrIO = errors.New("snapshot i/o error")

// Status is a scan lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// LogMessage is one entry of a scan's append-only log.
type LogMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Filters narrows an extraction to part of the tenant.
type Filters struct {
	Workspace   string `json:"workspace,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Dataset     string `json:"dataset,omitempty"`
	DatasetID   string `json:"dataset_id,omitempty"`
}

// IsZero reports whether no filter is set.
func (f Filters) IsZero() bool { return f == Filters{} }

// Metadata is the persisted record of one scan attempt.
type Metadata struct {
	ScanID              string       `json:"scan_id"`
	ScanName            string       `json:"scan_name"`
	Description         string       `json:"description"`
	Status              Status       `json:"status"`
	Progress            int          `json:"progress"`
	CreatedAt           time.Time    `json:"created_at"`
	CompletedAt         *time.Time   `json:"completed_at"`
	ErrorMessage        string       `json:"error_message,omitempty"`
	LogMessages         []LogMessage `json:"log_messages"`
	Filters             *Filters     `json:"filters,omitempty"`
	ExtractorPID        int          `json:"extractor_pid,omitempty"`
	TotalWorkspaces     int          `json:"total_workspaces"`
	ProcessedWorkspaces int          `json:"processed_workspaces"`
	TotalDatasets       int          `json:"total_datasets"`
	ProcessedDatasets   int          `json:"processed_datasets"`
	ScanDir             string       `json:"scan_dir"`
	JSONDir             string       `json:"json_dir"`
	DBPath              string       `json:"db_path"`
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (m *Metadata) Clone() *Metadata {
	c := *m
	c.LogMessages = append([]LogMessage(nil), m.LogMessages...)
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		c.CompletedAt = &t
	}
	if m.Filters != nil {
		f := *m.Filters
		c.Filters = &f
	}
	return &c
}

// Layout is the set of paths derived from a scan name.
type Layout struct {
	Name    string
	ScanDir string
	JSONDir string
	DBPath  string
}

// Store owns the base directory holding one sub-directory per scan.
type Store struct {
	baseDir string
	now     func() time.Time
}

// New creates the base directory if needed and returns a Store over it.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create base dir %q: %v", ErrIO, baseDir, err)
	}
	return &Store{baseDir: baseDir, now: time.Now}, nil
}

// BaseDir returns the directory holding all scans.
func (s *Store) BaseDir() string { return s.baseDir }

// SanitizeName keeps letters, digits, spaces, hyphens and underscores,
// trims trailing whitespace and folds spaces to underscores.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimRightFunc(b.String(), unicode.IsSpace), " ", "_")
}

// truncateName cuts name to at most maxNameBytes without splitting a rune.
func truncateName(name string) string {
	if len(name) <= maxNameBytes {
		return name
	}
	cut := maxNameBytes
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}

// CreateLayout derives a unique directory for name and creates it together
// with its artifact sub-directory. An empty name (after sanitizing) becomes a
// timestamp; an overlong one is truncated. A taken name gets the first free
// numeric suffix (_2, _3, ...).
func (s *Store) CreateLayout(name string) (Layout, error) {
	base := truncateName(SanitizeName(name))
	if base == "" {
		base = "scan_" + s.now().Format("2006-01-02_15-04-05")
	}

	candidate := base
	for i := 2; ; i++ {
		dir := filepath.Join(s.baseDir, candidate)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return Layout{}, fmt.Errorf("%w: create scan dir %q: %v", ErrIO, dir, err)
		}
		candidate = fmt.Sprintf("%s_%d", base, i)
	}

	l := Layout{
		Name:    candidate,
		ScanDir: filepath.Join(s.baseDir, candidate),
	}
	l.JSONDir = filepath.Join(l.ScanDir, artifactDir)
	l.DBPath = filepath.Join(l.ScanDir, candidate+".db")
	if err := os.MkdirAll(l.JSONDir, 0o755); err != nil {
		return Layout{}, fmt.Errorf("%w: create artifact dir %q: %v", ErrIO, l.JSONDir, err)
	}
	return l, nil
}

// Write persists m at <scan_dir>/metadata.json. The record is written to a
// temp file in the same directory, fsynced and renamed over the target, so
// readers never observe a partial record.
func (s *Store) Write(m *Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", m.ScanID, err)
	}

	if _, err := os.Stat(m.ScanDir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("write metadata %s: %w", m.ScanID, ErrNotFound)
	}
	path := filepath.Join(m.ScanDir, metadataFile)
	if err := renameio.WriteFile(path, data, 0o644, renameio.WithTempDir(m.ScanDir)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("write metadata %s: %w", m.ScanID, ErrNotFound)
		}
		return fmt.Errorf("%w: write metadata %s: %v", ErrIO, m.ScanID, err)
	}
	return nil
}

// Read finds the scan whose record carries id.
func (s *Store) Read(id string) (*Metadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: read base dir: %v", ErrIO, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := readFile(filepath.Join(s.baseDir, e.Name(), metadataFile))
		if err != nil {
			continue
		}
		if m.ScanID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("scan %s: %w", id, ErrNotFound)
}

// List returns every readable record, newest first. Directories without a
// record are skipped; unparsable records are logged and skipped.
func (s *Store) List() ([]*Metadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: read base dir: %v", ErrIO, err)
	}

	var out []*Metadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(s.baseDir, e.Name(), metadataFile)
		m, err := readFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			slog.Error("snapshot: unreadable scan metadata", "path", path, "error", err)
			continue
		}
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes the scan's directory tree. It returns ErrNotFound when the
// directory is already gone.
func (s *Store) Delete(m *Metadata) error {
	if _, err := os.Stat(m.ScanDir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("scan %s: %w", m.ScanID, ErrNotFound)
	}
	if err := os.RemoveAll(m.ScanDir); err != nil {
		return fmt.Errorf("%w: remove %q: %v", ErrIO, m.ScanDir, err)
	}
	return nil
}

func readFile(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %q: %w", path, err)
	}
	return &m, nil
}
