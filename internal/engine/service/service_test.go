package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store/drivers/memory"
	"github.com/aussiebroadwan/shield/pkg/cryptox"
	"github.com/aussiebroadwan/shield/pkg/jwtx"
	"github.com/aussiebroadwan/shield/pkg/ratex"
)

// capturedAudit records events synchronously so tests can assert on them
// without flushing a background writer.
type capturedAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (c *capturedAudit) Record(e domain.AuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capturedAudit) byType(t domain.AuditEventType) []domain.AuditEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []domain.AuditEvent
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// nopSink discards activity samples.
type nopSink struct{}

func (nopSink) Observe(context.Context, domain.ActivitySample) {}

// nopAnomaly never reports an anomaly.
type nopAnomaly struct{}

func (nopAnomaly) Anomalous(context.Context, string) bool { return false }

// nopInvalidator counts escalation-driven invalidations.
type nopInvalidator struct {
	mu    sync.Mutex
	calls int
}

func (n *nopInvalidator) InvalidateAll(context.Context, string, string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return 0, nil
}

func (n *nopInvalidator) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv wires the full service graph over the in-memory store with a
// synchronous audit capture.
type testEnv struct {
	store     *memory.Store
	audit     *capturedAudit
	envelopes *EnvelopeService
	threats   *ThreatService
	sessions  *SessionService
	mfa       *MFAService
	access    *AccessService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := memory.NewStore()
	logger := discardLogger()
	audit := &capturedAudit{}

	envelopes, err := NewEnvelopeService(st, logger, audit, cryptox.AlgorithmAESGCM)
	require.NoError(t, err)

	signer, err := jwtx.NewSigner("shield-test", "test-1")
	require.NoError(t, err)

	threats := NewThreatService(st, logger, audit, nil)
	sessions := NewSessionService(st, logger, audit, threats, threats, signer, 8*time.Hour, 30*time.Minute, 50)
	threats.Invalidator = sessions

	mfa := NewMFAService(st, logger, audit, envelopes, threats, "shield-test", 30*time.Second, 5)
	// Tests fire attempts faster than the production throttle allows.
	mfa.Limiter = ratex.NewKeyed(ratex.Config{RequestsPerWindow: 1000, Window: time.Minute, Burst: 1000})

	access := NewAccessService(st, logger, audit, threats, sessions)

	return &testEnv{
		store:     st,
		audit:     audit,
		envelopes: envelopes,
		threats:   threats,
		sessions:  sessions,
		mfa:       mfa,
		access:    access,
	}
}
