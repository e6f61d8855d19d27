package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// Progress is an append-only JSONL log of row results used to resume an
// interrupted run. It is best effort: unreadable lines are skipped.
type Progress struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// OpenProgress returns a Progress backed by path. The file is created on
// the first Append.
func OpenProgress(path string, logger *zap.Logger) *Progress {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Progress{path: path, logger: logger}
}

// Path returns the backing file.
func (p *Progress) Path() string { return p.path }

// Load returns the logged results by row index. A later line for the same
// index replaces an earlier one. A missing file yields an empty map.
func (p *Progress) Load() (map[int]models.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[int]models.Result)
	f, err := os.Open(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open progress: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var r models.Result
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&r); err != nil {
			p.logger.Warn("skipping corrupt progress line",
				zap.String("path", p.path),
				zap.Int("line", line),
				zap.Error(err),
			)
			continue
		}
		out[r.Index] = r
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read progress: %w", err)
	}
	return out, nil
}

// Append writes one line per result and syncs the file.
func (p *Progress) Append(results []models.Result) error {
	if len(results) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			f.Close()
			return fmt.Errorf("append progress: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("append progress: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("append progress: %w", err)
	}
	return f.Close()
}

// Remove deletes the progress file. A missing file is not an error.
func (p *Progress) Remove() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove progress: %w", err)
	}
	return nil
}
