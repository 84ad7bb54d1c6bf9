package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"netatlas/internal/domain"
)

type entry struct {
	src     Source
	cfg     SourceConfig
	limiter *rate.Limiter
	paced   bool // events are paced because the source does not pace probes
	busy    atomic.Bool
}

// Registry manages all registered sources and their lifecycle. Every event
// goes out on one channel, so the merge engine stays the single writer.
type Registry struct {
	mu       sync.RWMutex
	sources  map[string]*entry
	out      chan<- domain.DiscoveryEvent
	progress ProgressPublisher
	logger   *slog.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRegistry creates a source registry that emits on out
func NewRegistry(out chan<- domain.DiscoveryEvent, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sources: make(map[string]*entry),
		out:     out,
		logger:  logger.With("component", "registry"),
	}
}

// SetProgressPublisher sets the receiver for probe progress
func (r *Registry) SetProgressPublisher(p ProgressPublisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = p
}

func (r *Registry) publish(p Progress) {
	r.mu.RLock()
	pub := r.progress
	r.mu.RUnlock()
	if pub != nil {
		pub.PublishProgress(p)
	}
}

// Register adds a source to the registry
func (r *Registry) Register(src Source, cfg SourceConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := src.Name()
	if _, exists := r.sources[name]; exists {
		return fmt.Errorf("source %s already registered", name)
	}

	e := &entry{src: src, cfg: cfg, limiter: cfg.limiter(), paced: true}
	if rl, ok := src.(RateLimited); ok {
		rl.SetLimiter(e.limiter)
		e.paced = false
	}
	r.sources[name] = e
	r.logger.Info("registered source", "source", name, "type", src.Type(),
		"enabled", cfg.Enabled, "rate", cfg.RatePerSecond)
	return nil
}

// Start initializes all enabled sources and begins their loops
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, r.cancel = context.WithCancel(ctx)

	for name, e := range r.sources {
		if !e.cfg.Enabled {
			r.logger.Info("source disabled, skipping", "source", name)
			continue
		}
		if err := e.src.Start(ctx); err != nil {
			r.logger.Error("failed to start source", "source", name, "err", err)
			continue
		}

		switch e.src.Type() {
		case SourceTypePolling:
			r.startPollingLoop(ctx, name, e)
		case SourceTypeListener:
			if l, ok := e.src.(Listener); ok {
				r.startListenLoop(ctx, name, l, e)
			}
		}
	}
	return nil
}

// Stop cancels all loops, waits for them, then stops every source
func (r *Registry) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for name, e := range r.sources {
		if err := e.src.Stop(); err != nil {
			r.logger.Warn("error stopping source", "source", name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// TriggerSync manually runs one pass of a source
func (r *Registry) TriggerSync(ctx context.Context, name string) (SyncResult, error) {
	r.mu.RLock()
	e, exists := r.sources[name]
	r.mu.RUnlock()

	if !exists {
		return SyncResult{}, fmt.Errorf("source %s: %w", name, ErrUnknownSource)
	}
	if !e.cfg.Enabled {
		return SyncResult{}, fmt.Errorf("source %s is disabled", name)
	}
	return r.runSync(ctx, name, e)
}

// TriggerSyncAll runs one pass of every enabled source, one after another
func (r *Registry) TriggerSyncAll(ctx context.Context) error {
	var errs []error
	for _, info := range r.ListSources() {
		if !info.Enabled {
			continue
		}
		if _, err := r.TriggerSync(ctx, info.Name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", info.Name, err))
		}
	}
	return errors.Join(errs...)
}

// SourceInfo provides read-only information about a source
type SourceInfo struct {
	Name     string        `json:"name"`
	Type     SourceType    `json:"type"`
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval,omitempty"`
	Rate     float64       `json:"rate_per_second,omitempty"`
	Busy     bool          `json:"busy"`
}

// ListSources returns registered sources sorted by name
func (r *Registry) ListSources() []SourceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]SourceInfo, 0, len(r.sources))
	for name, e := range r.sources {
		infos = append(infos, SourceInfo{
			Name:     name,
			Type:     e.src.Type(),
			Enabled:  e.cfg.Enabled,
			Interval: e.cfg.Interval,
			Rate:     e.cfg.RatePerSecond,
			Busy:     e.busy.Load(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (r *Registry) startPollingLoop(ctx context.Context, name string, e *entry) {
	interval := e.cfg.Interval
	if interval <= 0 {
		r.logger.Warn("no poll interval, using 5m default", "source", name)
		interval = 5 * time.Minute
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		if _, err := r.runSync(ctx, name, e); err != nil && ctx.Err() == nil {
			r.logger.Warn("initial sync failed", "source", name, "err", err)
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.logger.Debug("stopping polling loop", "source", name)
				return
			case <-ticker.C:
				if _, err := r.runSync(ctx, name, e); err != nil && ctx.Err() == nil {
					r.logger.Warn("sync failed", "source", name, "err", err)
				}
			}
		}
	}()
	r.logger.Info("started polling loop", "source", name, "interval", interval)
}

func (r *Registry) startListenLoop(ctx context.Context, name string, l Listener, e *entry) {
	retry := e.cfg.Interval
	if retry <= 0 {
		retry = 30 * time.Second
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		emit := r.emitter(name, e, nil)
		for {
			err := l.Listen(ctx, emit)
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("listener exited, restarting", "source", name, "err", err, "after", retry)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry):
			}
		}
	}()
	r.logger.Info("started listener", "source", name)
}

// runSync executes one probe pass. Concurrent passes of the same source are
// refused.
func (r *Registry) runSync(ctx context.Context, name string, e *entry) (SyncResult, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return SyncResult{}, ErrSyncInProgress
	}
	defer e.busy.Store(false)

	r.publish(Progress{Source: name, Phase: PhaseStarted, At: time.Now()})
	var emitted atomic.Int64
	res, err := e.src.Sync(ctx, r.emitter(name, e, &emitted))
	if n := int(emitted.Load()); res.Events < n {
		res.Events = n
	}
	if err != nil {
		r.publish(Progress{Source: name, Phase: PhaseFailed, Events: res.Events, Error: err.Error(), At: time.Now()})
		return res, fmt.Errorf("sync failed: %w", err)
	}

	r.publish(Progress{Source: name, Phase: PhaseCompleted, Events: res.Events, At: time.Now()})
	r.logger.Info("sync complete", "source", name, "events", res.Events, "errors", len(res.Errors))
	return res, nil
}

// emitter stamps the source name on events and queues them on the shared
// channel, pacing them when the source does not pace its own probes
func (r *Registry) emitter(name string, e *entry, count *atomic.Int64) Emitter {
	return func(ctx context.Context, ev domain.DiscoveryEvent) error {
		if ev.Source == "" {
			ev.Source = name
		}
		if e.paced {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		select {
		case r.out <- ev:
			if count != nil {
				count.Add(1)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
