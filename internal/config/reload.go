package config

import (
	"context"
	"log/slog"
	"time"

	"netatlas/internal/watcher"
)

// Reloader re-reads the config file whenever it changes and hands each valid
// result to apply. Invalid edits are logged and the running config is kept.
type Reloader struct {
	path     string
	apply    func(*Config)
	debounce time.Duration
	logger   *slog.Logger
}

// NewReloader creates a reloader for path
func NewReloader(path string, apply func(*Config), logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{
		path:     path,
		apply:    apply,
		debounce: 500 * time.Millisecond,
		logger:   logger.With("component", "config"),
	}
}

// WithDebounce sets how long writes must settle before a reload
func (r *Reloader) WithDebounce(d time.Duration) *Reloader {
	r.debounce = d
	return r
}

// Run watches until ctx is done
func (r *Reloader) Run(ctx context.Context) error {
	return watcher.New(r.path, r.reload, r.logger).WithDebounce(r.debounce).Watch(ctx)
}

func (r *Reloader) reload() {
	cfg, _, err := LoadFromPath(r.path)
	if err != nil {
		r.logger.Warn("config reload rejected", "path", r.path, "err", err)
		return
	}
	r.logger.Info("config reloaded", "path", r.path)
	r.apply(cfg)
}
