package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/shield/internal/engine/store"
)

// HousekeepingService periodically removes expired and retained-out records:
// dead sessions, stale activity samples, audit events past retention, spent
// one-time codes, and retired encryption keys past their cutoff.
type HousekeepingService struct {
	Store  store.Store
	Logger *slog.Logger

	Interval time.Duration

	// IdleTimeout and ThreatWindow mirror the session and threat settings so
	// the sweep and the live paths agree on what is expired.
	IdleTimeout  time.Duration
	ThreatWindow time.Duration

	// AuditRetention bounds how long audit events are kept. Zero disables
	// audit trimming.
	AuditRetention time.Duration

	// KeyRetention bounds how long retired encryption keys stay resolvable.
	KeyRetention time.Duration

	// Internal channels for lifecycle management
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeepingService creates the sweeper. If interval is 0 or negative,
// defaults to 1 hour.
func NewHousekeepingService(st store.Store, logger *slog.Logger, interval time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = 1 * time.Hour
	}

	return &HousekeepingService{
		Store:    st,
		Logger:   logger,
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker that periodically runs the sweep.
// Non-blocking; call Stop() to shut the worker down.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop gracefully shuts down the background worker. Blocks until any
// in-progress sweep finishes.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

// run is the main background worker loop.
func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Run a sweep immediately on startup
	s.Sweep(context.Background())

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Sweep performs one cleanup pass. Each deletion is independent; a failure
// in one does not stop the others. The expiry sweep races harmlessly with
// session validation, both converge on "absent means rejected".
func (s *HousekeepingService) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	s.Logger.Debug("starting housekeeping sweep")

	if sessions, err := s.Store.Sessions().DeleteExpired(ctx, now, s.IdleTimeout); err != nil {
		s.Logger.Error("failed to delete expired sessions", "error", err)
	} else if sessions > 0 {
		s.Logger.Info("deleted expired sessions", "count", sessions)
	}

	if s.ThreatWindow > 0 {
		if samples, err := s.Store.Threats().PruneBefore(ctx, now.Add(-s.ThreatWindow)); err != nil {
			s.Logger.Error("failed to prune activity samples", "error", err)
		} else if samples > 0 {
			s.Logger.Debug("pruned activity samples", "count", samples)
		}
	}

	if err := s.Store.ExternalCodes().DeleteExpired(ctx, now); err != nil {
		s.Logger.Error("failed to delete expired one-time codes", "error", err)
	}

	if s.AuditRetention > 0 {
		if events, err := s.Store.AuditEvents().DeleteBefore(ctx, now.Add(-s.AuditRetention)); err != nil {
			s.Logger.Error("failed to trim audit log", "error", err)
		} else if events > 0 {
			s.Logger.Info("trimmed audit events past retention", "count", events)
		}
	}

	if s.KeyRetention > 0 {
		if keys, err := s.Store.EncryptionKeys().DeleteRetiredBefore(ctx, now.Add(-s.KeyRetention)); err != nil {
			s.Logger.Error("failed to delete retired encryption keys", "error", err)
		} else if keys > 0 {
			s.Logger.Info("deleted retired encryption keys", "count", keys)
		}
	}

	s.Logger.Debug("housekeeping sweep completed")
}
