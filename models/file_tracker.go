package models

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Files written in a run directory.
const (
	historyFile = "history.jsonl"
	configFile  = "config.json"
	summaryFile = "summary.json"
	tagsFile    = "tags.json"
	metricsFile = "metrics.json"
	filesDir    = "files"
	mediaDir    = "media"
)

// FileTracker is a Tracker that writes runs to local directories, for offline
// use and for inspecting what the hooks would send. Run <id> is written to
// <dir>/run-<id>/.
type FileTracker struct {
	dir string
}

var _ Tracker = (*FileTracker)(nil)

// NewFileTracker creates a tracker writing under dir.
func NewFileTracker(dir string) *FileTracker {
	return &FileTracker{dir: dir}
}

// RunDir returns the directory of run id.
func (t *FileTracker) RunDir(id string) string {
	return filepath.Join(t.dir, "run-"+id)
}

// Init creates the run directory. An empty id gets a random one.
func (t *FileTracker) Init(_ context.Context, opts RunOptions) (Run, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	dir := t.RunDir(opts.ID)
	for _, d := range []string{dir, filepath.Join(dir, filesDir), filepath.Join(dir, mediaDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create run directory %s: %w", d, err)
		}
	}

	history, err := os.OpenFile(filepath.Join(dir, historyFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}

	r := &fileRun{
		opts:    opts,
		dir:     dir,
		history: history,
		config:  make(map[string]any),
		summary: make(map[string]any),
		metrics: make(map[string]string),
	}
	// Resume keeps what an earlier process wrote.
	for name, target := range map[string]any{configFile: &r.config, summaryFile: &r.summary, tagsFile: &r.tags, metricsFile: &r.metrics} {
		if err := readJSON(filepath.Join(dir, name), target); err != nil {
			_ = history.Close()
			return nil, err
		}
	}
	return r, nil
}

type fileRun struct {
	opts RunOptions
	dir  string

	mu       sync.Mutex
	history  *os.File
	config   map[string]any
	summary  map[string]any
	metrics  map[string]string
	tags     []string
	step     int
	finished bool
}

func (r *fileRun) ID() string {
	return r.opts.ID
}

func (r *fileRun) UpdateConfig(_ context.Context, values map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range values {
		r.config[k] = v
	}
	return writeJSON(filepath.Join(r.dir, configFile), r.config)
}

func (r *fileRun) DefineMetric(_ context.Context, metric, stepMetric string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[metric] = stepMetric
	return writeJSON(filepath.Join(r.dir, metricsFile), r.metrics)
}

func (r *fileRun) AddTags(_ context.Context, tags ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(r.tags))
	for _, tag := range r.tags {
		seen[tag] = struct{}{}
	}
	for _, tag := range tags {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		r.tags = append(r.tags, tag)
	}
	return writeJSON(filepath.Join(r.dir, tagsFile), r.tags)
}

// Log appends the row to history.jsonl with _step and _timestamp fields.
func (r *fileRun) Log(_ context.Context, row map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return fmt.Errorf("run %s is finished", r.opts.ID)
	}

	entry := make(map[string]any, len(row)+2)
	for k, v := range row {
		entry[k] = v
	}
	entry["_step"] = r.step
	entry["_timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history row: %w", err)
	}
	if _, err := r.history.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write history row: %w", err)
	}
	if err := r.history.Sync(); err != nil {
		return fmt.Errorf("failed to flush history file: %w", err)
	}
	r.step++
	return nil
}

func (r *fileRun) UpdateSummary(_ context.Context, values map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range values {
		r.summary[k] = v
	}
	return writeJSON(filepath.Join(r.dir, summaryFile), r.summary)
}

func (r *fileRun) SaveFile(_ context.Context, path string) error {
	return copyFile(path, filepath.Join(r.dir, filesDir, filepath.Base(path)))
}

func (r *fileRun) LogImage(_ context.Context, key, path string) error {
	return copyFile(path, filepath.Join(r.dir, mediaDir, key+filepath.Ext(path)))
}

// Finish closes the history file.
func (r *fileRun) Finish(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return nil
	}
	r.finished = true

	if err := r.history.Sync(); err != nil {
		return fmt.Errorf("failed to flush history file before close: %w", err)
	}
	if err := r.history.Close(); err != nil {
		return fmt.Errorf("failed to close history file: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
