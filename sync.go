package crm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LeadCreator submits a lead. *LeadsClient implements it.
type LeadCreator interface {
	Create(ctx context.Context, lead Lead, idempotencyKey string) (Lead, error)
}

// SyncOptions configures a SyncManager.
type SyncOptions struct {
	// Limiter paces submissions within a pass. Nil submits back to back.
	Limiter *rate.Limiter
	// Cache is marked stale after every pass that submitted something.
	Cache *LeadCache
	// OnEvent receives sync events (EventSyncStart, EventLeadSynced, ...).
	OnEvent func(event string, payload any)
	// OnInvalidate is called once after every pass that submitted something,
	// so views showing optimistic rows can refetch.
	OnInvalidate func()
	// LoggedIn reports whether a session survives an unauthorized failure.
	// A pass halts only once it returns false. Defaults to the client's
	// token manager when leads is a *LeadsClient.
	LoggedIn func(ctx context.Context) bool
	Logger   *slog.Logger
	Metrics  *Metrics
}

// Sync outcomes recorded per entry.
const (
	OutcomeSynced   = "synced"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
	OutcomeSkipped  = "skipped"
)

// SyncResult is the outcome for one queued entry.
type SyncResult struct {
	TempID  string       `json:"temp_id"`
	Outcome string       `json:"outcome"`
	LeadID  int64        `json:"lead_id,omitempty"`
	Failure FailureClass `json:"failure,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// SyncReport summarizes one sync pass.
type SyncReport struct {
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Attempted  int          `json:"attempted"`
	Synced     int          `json:"synced"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	Results    []SyncResult `json:"results"`
}

// SyncManager drains the offline queue when connectivity returns. Passes
// never overlap: a trigger that arrives during a pass schedules one trailing
// pass, run only if the monitor is still online when the current one ends.
type SyncManager struct {
	leads        LeadCreator
	queue        *OfflineQueue
	monitor      *ConnectivityMonitor
	cache        *LeadCache
	limiter      *rate.Limiter
	onEvent      func(event string, payload any)
	onInvalidate func()
	loggedIn     func(ctx context.Context) bool
	logger       *slog.Logger
	metrics      *Metrics

	mu          sync.Mutex
	running     bool
	rerun       bool
	baseCtx     context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewSyncManager creates a sync manager. Call Start to follow the monitor.
func NewSyncManager(leads LeadCreator, queue *OfflineQueue, monitor *ConnectivityMonitor, opts *SyncOptions) *SyncManager {
	m := &SyncManager{
		leads:   leads,
		queue:   queue,
		monitor: monitor,
		logger:  discardLogger(),
		baseCtx: context.Background(),
	}
	if opts != nil {
		m.limiter = opts.Limiter
		m.cache = opts.Cache
		m.onEvent = opts.OnEvent
		m.onInvalidate = opts.OnInvalidate
		m.loggedIn = opts.LoggedIn
		if opts.Logger != nil {
			m.logger = opts.Logger
		}
		m.metrics = opts.Metrics
	}
	if lc, ok := leads.(*LeadsClient); ok && m.loggedIn == nil {
		m.loggedIn = lc.c.tokens.LoggedIn
	}
	return m
}

// Start subscribes to Offline to Online transitions and, when already
// online with queued entries, starts a pass right away. Background passes
// keep the values of ctx but are cancelled by Stop, not by ctx.
func (m *SyncManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.baseCtx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if m.unsubscribe == nil {
		m.unsubscribe = m.monitor.Subscribe(func(online bool) {
			if online {
				m.trigger()
			}
		})
	}
	m.mu.Unlock()

	if m.monitor.Online() && m.queue.Len(ctx) > 0 {
		m.trigger()
	}
}

// Stop unsubscribes from the monitor, cancels a background pass between
// entries and waits for it. Entries not yet submitted stay queued.
func (m *SyncManager) Stop() {
	m.mu.Lock()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Wait blocks until no background pass is running.
func (m *SyncManager) Wait() {
	m.wg.Wait()
}

// Running reports whether a pass is in progress.
func (m *SyncManager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Sync runs a pass on the calling goroutine. While another pass is running
// it records a trailing re-run and returns ErrSyncInProgress.
func (m *SyncManager) Sync(ctx context.Context) (*SyncReport, error) {
	if !m.monitor.Online() {
		return nil, ErrOffline
	}
	if !m.acquire() {
		return nil, ErrSyncInProgress
	}
	report := m.pass(ctx)
	m.release()
	return report, nil
}

func (m *SyncManager) trigger() {
	if !m.acquire() {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pass(m.context())
		m.release()
	}()
}

func (m *SyncManager) context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseCtx
}

func (m *SyncManager) acquire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.rerun = true
		return false
	}
	m.running = true
	return true
}

// release ends a pass, handing over to the trailing pass when one was
// requested and the monitor is still online.
func (m *SyncManager) release() {
	m.mu.Lock()
	again := m.rerun && m.monitor.Online() && m.baseCtx.Err() == nil
	m.rerun = false
	if !again {
		m.running = false
		m.mu.Unlock()
		return
	}
	ctx := m.baseCtx
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.pass(ctx)
		m.release()
	}()
}

// pass submits a snapshot of the queue taken now. Entries enqueued while it
// runs wait for the next pass.
func (m *SyncManager) pass(ctx context.Context) *SyncReport {
	report := &SyncReport{StartedAt: time.Now().UTC()}
	// Bookkeeping outlives cancellation so a confirmed lead is never left queued.
	store := context.WithoutCancel(ctx)
	entries := m.queue.List(ctx)
	if len(entries) == 0 {
		report.FinishedAt = time.Now().UTC()
		return report
	}

	m.metrics.observeSyncPass()
	m.logger.Info("syncing offline leads", "count", len(entries))
	m.emit(EventSyncStart, map[string]any{"pending": len(entries)})

	halted := false
	for _, e := range entries {
		if ctx.Err() != nil {
			halted = true
		}
		if halted || e.Failure == FailureRejected {
			m.skip(report, e)
			continue
		}
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				halted = true
				m.skip(report, e)
				continue
			}
		}

		created, err := m.leads.Create(ctx, e.Payload(), e.IdempotencyKey)
		if err != nil && ctx.Err() != nil {
			// Abandoned, not failed: the entry keeps its state.
			halted = true
			m.skip(report, e)
			continue
		}
		report.Attempted++
		if err == nil {
			m.queue.Remove(store, e.TempID)
			id, _ := created.ID()
			report.Synced++
			report.Results = append(report.Results, SyncResult{TempID: e.TempID, Outcome: OutcomeSynced, LeadID: id})
			m.metrics.observeSyncEntry(OutcomeSynced)
			m.emit(EventLeadSynced, map[string]any{"temp_id": e.TempID, "lead": created})
			continue
		}

		class := ClassifyFailure(err)
		m.queue.MarkFailed(store, e.TempID, class, err)
		report.Failed++
		outcome, event := OutcomeFailed, EventLeadFailed
		if class == FailureRejected {
			outcome, event = OutcomeRejected, EventLeadRejected
		}
		report.Results = append(report.Results, SyncResult{
			TempID: e.TempID, Outcome: outcome, Failure: class, Error: err.Error(),
		})
		m.metrics.observeSyncEntry(outcome)
		m.logger.Warn("offline lead not synced", "temp_id", e.TempID, "failure", string(class), "error", err)
		m.emit(event, map[string]any{"temp_id": e.TempID, "failure": class, "error": err.Error()})

		// Without a session every later submission fails the same way. A
		// 401 that survived a successful refresh only concerns this entry.
		if class == FailureUnauthorized && m.sessionLost(store) {
			halted = true
		}
	}

	if report.Attempted > 0 {
		if m.cache != nil {
			m.cache.Invalidate(store)
		}
		m.emit(EventLeadsInvalidated, nil)
		if m.onInvalidate != nil {
			m.onInvalidate()
		}
	}
	report.FinishedAt = time.Now().UTC()
	m.metrics.setQueueDepth(m.queue.Len(store))
	m.emit(EventSyncComplete, report)
	return report
}

func (m *SyncManager) sessionLost(ctx context.Context) bool {
	return m.loggedIn != nil && !m.loggedIn(ctx)
}

func (m *SyncManager) skip(report *SyncReport, e *OfflineLead) {
	report.Skipped++
	report.Results = append(report.Results, SyncResult{TempID: e.TempID, Outcome: OutcomeSkipped, Failure: e.Failure})
	m.metrics.observeSyncEntry(OutcomeSkipped)
}

func (m *SyncManager) emit(event string, payload any) {
	if m.onEvent != nil {
		m.onEvent(event, payload)
	}
}
