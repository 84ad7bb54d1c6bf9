package adapter

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"netatlas/internal/domain"
)

// SourceType defines how a source produces events
type SourceType string

const (
	// SourceTypePolling - source probes the network on a schedule
	SourceTypePolling SourceType = "polling"
	// SourceTypeListener - source listens passively until cancelled
	SourceTypeListener SourceType = "listener"
	// SourceTypeOneShot - manual trigger only
	SourceTypeOneShot SourceType = "oneshot"
)

// Registry errors
var (
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrUnknownSource  = errors.New("unknown source")
)

// Emitter hands one event to the merge pipeline. It blocks until the event is
// queued or ctx is done.
type Emitter func(ctx context.Context, ev domain.DiscoveryEvent) error

// SourceConfig holds registry settings for one source
type SourceConfig struct {
	// Enabled determines if the source should run
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Interval between polls, or between listener restarts after a failure
	Interval time.Duration `yaml:"interval" json:"interval"`
	// RatePerSecond bounds probes (or emitted events, for sources that do
	// not probe). Zero means unlimited.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	// Burst is the limiter burst size; defaults to 1
	Burst int `yaml:"burst" json:"burst"`
}

func (c SourceConfig) limiter() *rate.Limiter {
	if c.RatePerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := c.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.RatePerSecond), burst)
}

// SyncResult is the outcome of one probe pass
type SyncResult struct {
	// Events is the count of events emitted
	Events int `json:"events"`
	// Errors encountered during sync (non-fatal)
	Errors []string `json:"errors,omitempty"`
}

// Source is a probe that turns network observations into discovery events
type Source interface {
	// Name returns the unique identifier for this source
	Name() string

	// Type returns how this source is driven
	Type() SourceType

	// Start initializes the source (called once on startup)
	Start(ctx context.Context) error

	// Stop gracefully shuts down the source
	Stop() error

	// Sync runs one probe pass, emitting events as they are observed
	Sync(ctx context.Context, emit Emitter) (SyncResult, error)
}

// Listener is a source that also observes passively. Listen runs until ctx
// is done.
type Listener interface {
	Source
	Listen(ctx context.Context, emit Emitter) error
}

// RateLimited is implemented by sources that pace their own probes. Sources
// that do not implement it have their emitted events paced instead.
type RateLimited interface {
	SetLimiter(l *rate.Limiter)
}

// Progress phases
const (
	PhaseStarted   = "started"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
)

// Progress reports a probe pass starting or finishing
type Progress struct {
	Source string    `json:"source"`
	Phase  string    `json:"phase"`
	Events int       `json:"events,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// ProgressPublisher receives probe progress
type ProgressPublisher interface {
	PublishProgress(p Progress)
}
