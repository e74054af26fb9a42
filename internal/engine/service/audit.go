package service

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"time"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
	"github.com/aussiebroadwan/shield/pkg/idx"
)

const (
	// defaultAuditBuffer is the channel capacity between Record callers and
	// the background writer. Sized so bursts of protected operations do not
	// stall on audit persistence.
	defaultAuditBuffer = 256

	// queryPageSize is the page size used when materialising the lazy event
	// sequence. Each page is one store round-trip.
	queryPageSize = 500
)

// Recorder accepts audit events for eventual durable persistence. Services
// depend on this narrow interface so tests can capture events directly.
type Recorder interface {
	Record(event domain.AuditEvent)
}

// AuditService is the append-only audit log. Appends are buffered through a
// background writer so protected operations never wait on audit persistence;
// Flush provides the ordering barrier that reporting needs.
type AuditService struct {
	Store  store.Store
	Logger *slog.Logger

	events  chan domain.AuditEvent
	flushCh chan chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewAuditService creates the audit service and starts its background writer.
// Call Stop to drain and shut it down.
func NewAuditService(st store.Store, logger *slog.Logger) *AuditService {
	s := &AuditService{
		Store:   st,
		Logger:  logger,
		events:  make(chan domain.AuditEvent, defaultAuditBuffer),
		flushCh: make(chan chan struct{}),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Record queues one event for persistence. Missing fields are stamped here so
// every caller gets time-ordered IDs from the same generator. Record never
// drops an event: if the writer has already stopped, the write happens inline.
func (s *AuditService) Record(e domain.AuditEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = idx.NewAt(e.Timestamp).String()
	}
	if e.Outcome == "" {
		e.Outcome = domain.OutcomeNone
	}

	select {
	case s.events <- e:
	case <-s.stopCh:
		s.write(e)
	}
}

// Flush blocks until every event queued before the call is durably written.
// Reporting calls this first so summaries never miss in-flight events.
func (s *AuditService) Flush() {
	ack := make(chan struct{})
	select {
	case s.flushCh <- ack:
		<-ack
	case <-s.stopCh:
		// Writer already drained everything on shutdown.
	}
}

// Stop drains the queue and stops the background writer.
func (s *AuditService) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Events returns a lazy, restartable sequence of audit events in the given
// time range, ordered by ID (= time) ascending. The sequence pages through
// the store, so iteration can be abandoned early without reading the full
// range, and re-invoking it replays from the start.
func (s *AuditService) Events(ctx context.Context, from, to time.Time, filter domain.AuditFilter) iter.Seq2[domain.AuditEvent, error] {
	s.Flush()

	return func(yield func(domain.AuditEvent, error) bool) {
		afterID := ""
		for {
			page, err := s.Store.AuditEvents().Query(ctx, store.AuditQuery{
				From:    from,
				To:      to,
				Filter:  filter,
				AfterID: afterID,
				Limit:   queryPageSize,
			})
			if err != nil {
				yield(domain.AuditEvent{}, fmt.Errorf("failed to query audit events: %w", err))
				return
			}

			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				afterID = e.ID
			}

			if len(page) < queryPageSize {
				return
			}
		}
	}
}

// Report aggregates the audit log over a time range. It is a pure fold over
// Events: the same immutable log and range always produce the same summary.
func (s *AuditService) Report(ctx context.Context, from, to time.Time) (domain.AuditSummary, error) {
	summary := domain.AuditSummary{
		From:          from,
		To:            to,
		CountsByType:  make(map[domain.AuditEventType]int),
		RiskBreakdown: make(map[string]int),
	}

	for e, err := range s.Events(ctx, from, to, domain.AuditFilter{}) {
		if err != nil {
			return domain.AuditSummary{}, err
		}

		summary.TotalEvents++
		summary.CountsByType[e.Type]++
		if e.Outcome == domain.OutcomeFailure {
			summary.Failures++
		}
		summary.RiskBreakdown[riskBand(e.Type)]++
	}

	summary.Recommendations = recommendations(summary)
	return summary, nil
}

// riskBand classifies an event type for the summary's risk breakdown.
func riskBand(t domain.AuditEventType) string {
	switch t {
	case domain.AuditSuspiciousActivity, domain.AuditHighRiskThreat:
		return "high"
	case domain.AuditMFAFailed, domain.AuditAccessDenied:
		return "medium"
	}
	return "low"
}

// recommendations derives operator guidance from the aggregated counts. Rules
// are ordered so the output is deterministic for a given summary.
func recommendations(s domain.AuditSummary) []string {
	var recs []string

	if n := s.CountsByType[domain.AuditHighRiskThreat]; n > 0 {
		recs = append(recs, fmt.Sprintf("%d high-risk threat escalations in range; review affected identities", n))
	}
	if n := s.CountsByType[domain.AuditSuspiciousActivity]; n > 0 {
		recs = append(recs, fmt.Sprintf("%d suspicious-activity events in range; check for credential-stuffing patterns", n))
	}

	failed := s.CountsByType[domain.AuditMFAFailed]
	verified := s.CountsByType[domain.AuditMFAVerified]
	if failed > 0 && failed >= verified {
		recs = append(recs, "MFA failures equal or exceed successes; verify enrollment UX and clock drift")
	}

	denied := s.CountsByType[domain.AuditAccessDenied]
	granted := s.CountsByType[domain.AuditAccessGranted]
	if denied > granted && denied > 0 {
		recs = append(recs, "access denials exceed grants; review grant and role coverage")
	}

	sort.Strings(recs)
	return recs
}

// run is the background writer loop.
func (s *AuditService) run() {
	defer close(s.doneCh)

	for {
		select {
		case e := <-s.events:
			s.write(e)
		case ack := <-s.flushCh:
			s.drain()
			close(ack)
		case <-s.stopCh:
			s.drain()
			return
		}
	}
}

// drain writes everything currently buffered.
func (s *AuditService) drain() {
	for {
		select {
		case e := <-s.events:
			s.write(e)
		default:
			return
		}
	}
}

// write persists one event. Uses a background context: an event accepted by
// Record outlives the operation that produced it.
func (s *AuditService) write(e domain.AuditEvent) {
	if err := s.Store.AuditEvents().Append(context.Background(), e); err != nil {
		s.Logger.Error("failed to append audit event",
			"type", e.Type,
			"identity_id", e.IdentityID,
			"error", err)
	}
}
