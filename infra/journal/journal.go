// Package journal keeps an append-only JSONL audit trail of document status
// transitions, rotated by lumberjack.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kilianp07/flexplan/core/logger"
	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/planboard"
)

// Config holds the rotation settings. Sizes are in megabytes, ages in days.
type Config struct {
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// SetDefaults fills zero rotation settings.
func (c *Config) SetDefaults() {
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = 10
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 5
	}
	if c.MaxAgeDays == 0 {
		c.MaxAgeDays = 30
	}
}

// Query filters journal entries. Zero fields match everything.
type Query struct {
	Period      model.Period
	Type        model.DocumentType
	Status      model.DocumentStatus
	Participant string
	Start       time.Time
	End         time.Time
}

func (q Query) match(t planboard.Transition) bool {
	switch {
	case !q.Period.IsZero() && t.Period != q.Period:
		return false
	case q.Type != 0 && t.Key.Type != q.Type:
		return false
	case q.Status != 0 && t.To != q.Status:
		return false
	case q.Participant != "" && t.Key.Participant != q.Participant:
		return false
	case !q.Start.IsZero() && t.At.Before(q.Start):
		return false
	case !q.End.IsZero() && t.At.After(q.End):
		return false
	}
	return true
}

// Journal appends committed transitions to a rotating JSONL file. It
// implements planboard.TransitionObserver.
type Journal struct {
	mu   sync.Mutex
	out  *lumberjack.Logger
	path string
	log  logger.Logger
}

// Open prepares the journal file of cfg.
func Open(cfg Config, log logger.Logger) (*Journal, error) {
	if cfg.Path == "" {
		return nil, errors.New("journal path required")
	}
	cfg.SetDefaults()
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Journal{
		out: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
		path: cfg.Path,
		log:  logger.OrNop(log),
	}, nil
}

// Append writes ts, one line each.
func (j *Journal) Append(_ context.Context, ts ...planboard.Transition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	enc := json.NewEncoder(j.out)
	for _, t := range ts {
		if err := enc.Encode(t); err != nil {
			return err
		}
	}
	return nil
}

// RecordTransitions appends ts. Write failures are logged; the transitions
// are already committed.
func (j *Journal) RecordTransitions(ctx context.Context, ts []planboard.Transition) {
	if err := j.Append(ctx, ts...); err != nil {
		j.log.Errorf("journal %d transitions: %v", len(ts), err)
	}
}

// Query reads the current and rotated files and returns the matching
// entries ordered by time. Uncompressed backups only.
func (j *Journal) Query(ctx context.Context, q Query) ([]planboard.Transition, error) {
	files, err := filepath.Glob(backupPattern(j.path))
	if err != nil {
		return nil, err
	}
	files = append(files, j.path)

	j.mu.Lock()
	defer j.mu.Unlock()
	var res []planboard.Transition
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		file, err := os.Open(f)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			var t planboard.Transition
			if err := json.Unmarshal(scanner.Bytes(), &t); err != nil {
				j.log.Debugf("journal %s: skip line: %v", f, err)
				continue
			}
			if q.match(t) {
				res = append(res, t)
			}
		}
		_ = file.Close()
	}
	sort.SliceStable(res, func(a, b int) bool { return res[a].At.Before(res[b].At) })
	return res, nil
}

// Close closes the underlying writer.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.out.Close()
}

// backupPattern matches lumberjack backups: name-<timestamp>.ext.
func backupPattern(path string) string {
	ext := filepath.Ext(path)
	return path[:len(path)-len(ext)] + "-*" + ext
}
