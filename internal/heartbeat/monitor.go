package heartbeat

import (
	"context"
	"log/slog"
	"time"
)

const DefaultInterval = 60 * time.Second

// Target is a connection the monitor keeps alive.
type Target interface {
	ID() string
	IsReady() bool
	SendHeartbeat() error
	Disconnect()
}

type Config struct {
	Interval time.Duration // time between beats, DefaultInterval when zero
	Grace    time.Duration // delay before the first beat, Interval when zero
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Grace <= 0 {
		c.Grace = c.Interval
	}
	return c
}

// Monitor sends one-way heartbeats to a set of targets. A target whose
// heartbeat cannot be written is considered dead and disconnected.
type Monitor struct {
	cfg     Config
	targets func() []Target
	logger  *slog.Logger
}

// New builds a monitor over a changing set of targets; targets is called on
// every beat.
func New(cfg Config, targets func() []Target, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		cfg:     cfg.withDefaults(),
		targets: targets,
		logger:  logger.With("component", "heartbeat"),
	}
}

// ForTarget builds a monitor for a single connection.
func ForTarget(cfg Config, t Target, logger *slog.Logger) *Monitor {
	return New(cfg, func() []Target { return []Target{t} }, logger)
}

func (m *Monitor) Interval() time.Duration { return m.cfg.Interval }

// Run beats until ctx is done. The first beat waits out the grace period.
func (m *Monitor) Run(ctx context.Context) {
	grace := time.NewTimer(m.cfg.Grace)
	defer grace.Stop()

	select {
	case <-ctx.Done():
		return
	case <-grace.C:
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.Beat()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Beat sends one heartbeat to every ready target and returns how many were
// delivered.
func (m *Monitor) Beat() int {
	sent := 0
	for _, t := range m.targets() {
		if !t.IsReady() {
			continue
		}
		if err := t.SendHeartbeat(); err != nil {
			m.logger.Warn("heartbeat_failed",
				"peer_id", t.ID(),
				"error", err.Error(),
			)
			t.Disconnect()
			continue
		}
		sent++
	}
	return sent
}
