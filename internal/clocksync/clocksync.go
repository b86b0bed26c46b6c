// Package clocksync establishes a trustworthy wall clock before any
// TLS session is attempted. Certificate validity checks are
// meaningless on a device that booted at the Unix epoch, so the agent
// gates session setup on [Synchronizer.Synchronize] succeeding once.
//
// Synchronization queries NTP servers round-robin until one answers,
// applies the measured offset to a shared [clock.Synced], and then
// waits (bounded) for the corrected time to pass a validity threshold.
package clocksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/beevik/ntp"

	"github.com/nugget/envagent/internal/clock"
)

// ErrTimeout is returned when the clock did not become valid within
// the configured number of attempts.
var ErrTimeout = errors.New("clocksync: clock not valid before deadline")

// DefaultServers are queried when none are configured.
var DefaultServers = []string{"ntp.nict.jp", "time.google.com", "pool.ntp.org"}

// Querier measures the offset between a time server and the local
// clock.
type Querier interface {
	Query(ctx context.Context, server string) (time.Duration, error)
}

// NTPQuerier queries SNTP servers with github.com/beevik/ntp.
type NTPQuerier struct {
	Timeout time.Duration
}

// Query implements Querier. Responses that fail validation (kiss of
// death, unsynchronized server, excessive root distance) are errors.
func (q NTPQuerier) Query(ctx context.Context, server string) (time.Duration, error) {
	timeout := q.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", server, err)
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("validate %s: %w", server, err)
	}
	return resp.ClockOffset, nil
}

// Options configures a Synchronizer. Zero values take the defaults
// noted on each field.
type Options struct {
	// Servers are tried round-robin (default: DefaultServers).
	Servers []string

	// ValidityThreshold is the epoch second the corrected clock must
	// exceed to count as valid (default: 1_700_000_000).
	ValidityThreshold int64

	// MaxAttempts bounds the number of checks (default: 50).
	MaxAttempts int

	// PollInterval is the wait between checks (default: 200ms).
	PollInterval time.Duration

	// QueryTimeout limits each NTP exchange (default: 2s).
	QueryTimeout time.Duration

	// Progress, if set, is called once per attempt.
	Progress func(attempt int)
}

func (o *Options) applyDefaults() {
	if len(o.Servers) == 0 {
		o.Servers = DefaultServers
	}
	if o.ValidityThreshold == 0 {
		o.ValidityThreshold = 1_700_000_000
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 50
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 2 * time.Second
	}
}

// Synchronizer corrects a clock.Synced from network time.
type Synchronizer struct {
	opts    Options
	clock   *clock.Synced
	querier Querier
	logger  *slog.Logger
}

// New returns a Synchronizer that corrects c. A nil querier uses
// NTPQuerier; a nil logger uses slog.Default().
func New(opts Options, c *clock.Synced, q Querier, logger *slog.Logger) *Synchronizer {
	opts.applyDefaults()
	if q == nil {
		q = NTPQuerier{Timeout: opts.QueryTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		opts:    opts,
		clock:   c,
		querier: q,
		logger:  logger,
	}
}

// Synchronize blocks until the corrected clock is past the validity
// threshold, MaxAttempts checks have been made, or ctx is done. It
// returns nil on success and an error wrapping ErrTimeout otherwise.
func (s *Synchronizer) Synchronize(ctx context.Context) error {
	corrected := false
	var lastErr error

	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if !corrected {
			server := s.opts.Servers[(attempt-1)%len(s.opts.Servers)]
			offset, err := s.querier.Query(ctx, server)
			if err != nil {
				lastErr = err
				s.logger.Debug("time query failed",
					"server", server,
					"attempt", attempt,
					"error", err,
				)
			} else {
				s.clock.SetOffset(offset)
				corrected = true
				s.logger.Info("clock offset applied",
					"server", server,
					"offset", offset.String(),
				)
			}
		}

		if s.opts.Progress != nil {
			s.opts.Progress(attempt)
		}

		if now := s.clock.Now(); now.Unix() > s.opts.ValidityThreshold {
			s.logger.Info("clock valid",
				"time", s.clock.Local().Format(time.RFC3339),
				"attempts", attempt,
			)
			return nil
		}

		if attempt < s.opts.MaxAttempts {
			if !clock.Sleep(ctx, s.clock, s.opts.PollInterval) {
				return ctx.Err()
			}
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %w", ErrTimeout, s.opts.MaxAttempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrTimeout, s.opts.MaxAttempts)
}
