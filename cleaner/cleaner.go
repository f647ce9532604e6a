// Package cleaner periodically sweeps scratch directories for leftover
// temp_-prefixed files from crashed or killed runs (e.g. a subprocess step
// that left its script or output file behind).
package cleaner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultInterval is how often a sweep runs.
const DefaultInterval = 10 * time.Minute

// DefaultMaxAge is how long a temp_ file is left alone before it is
// considered abandoned.
const DefaultMaxAge = 3 * time.Hour

// DefaultPrefix marks a file as eligible for cleanup.
const DefaultPrefix = "temp_"

// Cleaner removes abandoned temp_-prefixed files from a set of
// directories on a timer.
type Cleaner struct {
	dirs     []string
	prefix   string
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// Option configures a Cleaner.
type Option func(*Cleaner)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(c *Cleaner) { c.prefix = prefix }
}

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) Option {
	return func(c *Cleaner) { c.maxAge = d }
}

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(c *Cleaner) { c.interval = d }
}

// WithLogger sets the logger; nil keeps the discard default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cleaner) { c.logger = l }
}

// New constructs a Cleaner over dirs, applying any Options over the
// defaults.
func New(dirs []string, opts ...Option) *Cleaner {
	c := &Cleaner{
		dirs:     dirs,
		prefix:   DefaultPrefix,
		maxAge:   DefaultMaxAge,
		interval: DefaultInterval,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Run sweeps on a timer until ctx is canceled.
func (c *Cleaner) Run(ctx context.Context) {
	c.logger.Info("cleaner: started", "dirs", c.dirs, "interval", c.interval, "max_age", c.maxAge)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cleaner: stopped")
			return
		case <-ticker.C:
			if err := c.Sweep(); err != nil {
				c.logger.Error("cleaner: sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one pass over every configured directory, removing files
// whose name starts with the configured prefix and whose modification time
// is older than maxAge.
func (c *Cleaner) Sweep() error {
	cutoff := time.Now().Add(-c.maxAge)
	var firstErr error
	removed := 0

	for _, dir := range c.dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && path == dir {
					return filepath.SkipDir
				}
				return err
			}
			if d.IsDir() || !strings.HasPrefix(d.Name(), c.prefix) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().After(cutoff) {
				return nil
			}
			if err := os.Remove(path); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("cleaner: remove %s: %w", path, err)
				}
				return nil
			}
			removed++
			c.logger.Debug("cleaner: removed stale file", "path", path, "age", time.Since(info.ModTime()))
			return nil
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cleaner: walk %s: %w", dir, err)
		}
	}

	if removed > 0 {
		c.logger.Info("cleaner: swept", "removed", removed)
	}
	return firstErr
}
