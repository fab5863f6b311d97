package crm

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Data Types
// ============================================================================

// FailureClass records why the last sync attempt of an offline entry failed.
type FailureClass string

const (
	FailureNone         FailureClass = ""
	FailureTransient    FailureClass = "transient"
	FailureRejected     FailureClass = "rejected"
	FailureUnauthorized FailureClass = "unauthorized"
)

// ClassifyFailure maps a lead-creation error onto a FailureClass. Network
// errors, 5xx, 408 and 429 are transient; 401 is unauthorized; any other 4xx
// is a rejection the server will repeat for the same payload.
func ClassifyFailure(err error) FailureClass {
	switch {
	case err == nil:
		return FailureNone
	case IsUnauthorized(err):
		return FailureUnauthorized
	case IsValidation(err):
		return FailureRejected
	default:
		return FailureTransient
	}
}

// Keys the queue adds to a lead document. They never reach the server.
const (
	fieldTempID         = "temp_id"
	fieldIsOffline      = "is_offline"
	fieldCreatedAt      = "created_at"
	fieldIdempotencyKey = "idempotency_key"
	fieldAttempts       = "attempts"
	fieldLastAttemptAt  = "last_attempt_at"
	fieldFailure        = "failure"
	fieldLastError      = "last_error"
	fieldFieldErrors    = "field_errors"
)

var localFields = []string{
	fieldTempID, fieldIsOffline, fieldCreatedAt, fieldIdempotencyKey,
	fieldAttempts, fieldLastAttemptAt, fieldFailure, fieldLastError, fieldFieldErrors,
}

// OfflineLead is a lead created without connectivity, waiting to be
// submitted. It is stored as one flat JSON object: the lead's own fields
// next to the queue's bookkeeping keys.
type OfflineLead struct {
	TempID         string
	IsOffline      bool
	CreatedAt      time.Time
	IdempotencyKey string

	Attempts      int
	LastAttemptAt time.Time
	Failure       FailureClass
	LastError     string
	FieldErrors   map[string][]string

	Lead Lead
}

func (e *OfflineLead) MarshalJSON() ([]byte, error) {
	doc := stripLocal(e.Lead)
	doc[fieldTempID] = e.TempID
	doc[fieldIsOffline] = e.IsOffline
	doc[fieldCreatedAt] = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	if e.IdempotencyKey != "" {
		doc[fieldIdempotencyKey] = e.IdempotencyKey
	}
	if e.Attempts > 0 {
		doc[fieldAttempts] = e.Attempts
		doc[fieldLastAttemptAt] = e.LastAttemptAt.UTC().Format(time.RFC3339Nano)
	}
	if e.Failure != FailureNone {
		doc[fieldFailure] = string(e.Failure)
	}
	if e.LastError != "" {
		doc[fieldLastError] = e.LastError
	}
	if len(e.FieldErrors) > 0 {
		doc[fieldFieldErrors] = e.FieldErrors
	}
	return json.Marshal(map[string]any(doc))
}

func (e *OfflineLead) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out OfflineLead
	take := func(key string, v any) {
		if b, ok := raw[key]; ok {
			_ = json.Unmarshal(b, v)
			delete(raw, key)
		}
	}
	var created, lastAttempt, failure string
	take(fieldTempID, &out.TempID)
	take(fieldIsOffline, &out.IsOffline)
	take(fieldCreatedAt, &created)
	take(fieldIdempotencyKey, &out.IdempotencyKey)
	take(fieldAttempts, &out.Attempts)
	take(fieldLastAttemptAt, &lastAttempt)
	take(fieldFailure, &failure)
	take(fieldLastError, &out.LastError)
	take(fieldFieldErrors, &out.FieldErrors)
	if out.TempID == "" {
		return errors.New("offline lead without temp_id")
	}
	out.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	out.LastAttemptAt, _ = time.Parse(time.RFC3339Nano, lastAttempt)
	out.Failure = FailureClass(failure)

	out.Lead = make(Lead, len(raw))
	for k, b := range raw {
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
		out.Lead[k] = v
	}
	*e = out
	return nil
}

// Payload returns the creation payload: the lead without any local-only
// field.
func (e *OfflineLead) Payload() Lead {
	return stripLocal(e.Lead)
}

// Row returns the lead as shown optimistically in a list, marked offline.
func (e *OfflineLead) Row() Lead {
	row := e.Payload()
	row[fieldTempID] = e.TempID
	row[fieldIsOffline] = true
	row[fieldCreatedAt] = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	if e.Failure != FailureNone {
		row[fieldFailure] = string(e.Failure)
	}
	return row
}

func stripLocal(l Lead) Lead {
	out := l.Clone()
	for _, k := range localFields {
		delete(out, k)
	}
	return out
}

// ============================================================================
// Offline Queue
// ============================================================================

// QueueOptions configures an OfflineQueue.
type QueueOptions struct {
	// NewID returns a temporary identifier. Defaults to offline_<ULID> from
	// a monotonic source.
	NewID func() string
	// NewIdempotencyKey defaults to a random UUID.
	NewIdempotencyKey func() string
	Now               func() time.Time
	Logger            *slog.Logger
	Metrics           *Metrics
}

// OfflineQueue persists leads created offline, in enqueue order. All
// operations are read-modify-write on the store under one lock.
type OfflineQueue struct {
	store   *LocalStore
	newID   func() string
	newKey  func() string
	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics

	mu sync.Mutex
}

// NewOfflineQueue creates a queue over store.
func NewOfflineQueue(store *LocalStore, opts *QueueOptions) *OfflineQueue {
	q := &OfflineQueue{
		store:  store,
		newID:  newTempIDSource(),
		newKey: uuid.NewString,
		now:    time.Now,
		logger: discardLogger(),
	}
	if opts != nil {
		if opts.NewID != nil {
			q.newID = opts.NewID
		}
		if opts.NewIdempotencyKey != nil {
			q.newKey = opts.NewIdempotencyKey
		}
		if opts.Now != nil {
			q.now = opts.Now
		}
		if opts.Logger != nil {
			q.logger = opts.Logger
		}
		q.metrics = opts.Metrics
	}
	return q
}

func (q *OfflineQueue) load(ctx context.Context) []*OfflineLead {
	var entries []*OfflineLead
	if !q.store.Get(ctx, KeyOfflineLeads, &entries) {
		return nil
	}
	return entries
}

func (q *OfflineQueue) save(ctx context.Context, entries []*OfflineLead) bool {
	if entries == nil {
		entries = []*OfflineLead{}
	}
	ok := q.store.Set(ctx, KeyOfflineLeads, entries)
	if ok {
		q.metrics.setQueueDepth(len(entries))
	}
	return ok
}

// Enqueue stores a copy of lead under a fresh temporary identifier and
// returns the entry for optimistic display.
func (q *OfflineQueue) Enqueue(ctx context.Context, lead Lead) (*OfflineLead, error) {
	return q.enqueue(ctx, lead, "")
}

func (q *OfflineQueue) enqueue(ctx context.Context, lead Lead, idempotencyKey string) (*OfflineLead, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.load(ctx)
	taken := make(map[string]bool, len(entries))
	for _, e := range entries {
		taken[e.TempID] = true
	}
	id := q.newID()
	for taken[id] {
		id = q.newID()
	}
	if idempotencyKey == "" {
		idempotencyKey = q.newKey()
	}

	entry := &OfflineLead{
		TempID:         id,
		IsOffline:      true,
		CreatedAt:      q.now().UTC(),
		IdempotencyKey: idempotencyKey,
		Lead:           stripLocal(lead),
	}
	if !q.save(ctx, append(entries, entry)) {
		return nil, ErrQueueWrite
	}
	return entry, nil
}

// List returns the queued entries in enqueue order.
func (q *OfflineQueue) List(ctx context.Context) []*OfflineLead {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Len returns the number of queued entries.
func (q *OfflineQueue) Len(ctx context.Context) int {
	return len(q.List(ctx))
}

// Get returns the entry with tempID.
func (q *OfflineQueue) Get(ctx context.Context, tempID string) (*OfflineLead, bool) {
	for _, e := range q.List(ctx) {
		if e.TempID == tempID {
			return e, true
		}
	}
	return nil, false
}

// Rejected returns the entries the server refused, which need correcting or
// removing by hand.
func (q *OfflineQueue) Rejected(ctx context.Context) []*OfflineLead {
	var out []*OfflineLead
	for _, e := range q.List(ctx) {
		if e.Failure == FailureRejected {
			out = append(out, e)
		}
	}
	return out
}

// Remove deletes the entry with tempID. Unknown identifiers are ignored.
func (q *OfflineQueue) Remove(ctx context.Context, tempID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.load(ctx)
	kept := entries[:0]
	for _, e := range entries {
		if e.TempID != tempID {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return
	}
	if !q.save(ctx, kept) {
		q.logger.Error("offline entry not removed", "temp_id", tempID)
	}
}

// MarkFailed records a failed attempt. The payload is left untouched.
func (q *OfflineQueue) MarkFailed(ctx context.Context, tempID string, class FailureClass, cause error) {
	q.modify(ctx, tempID, func(e *OfflineLead) {
		e.Attempts++
		e.LastAttemptAt = q.now().UTC()
		e.Failure = class
		e.LastError = ""
		e.FieldErrors = nil
		if cause != nil {
			e.LastError = cause.Error()
		}
		var apiErr *APIError
		if errors.As(cause, &apiErr) && len(apiErr.FieldErrors) > 0 {
			e.FieldErrors = apiErr.FieldErrors
		}
	})
}

// Update replaces the payload of a queued entry and clears its failure tag,
// so the next sync pass submits the corrected lead.
func (q *OfflineQueue) Update(ctx context.Context, tempID string, lead Lead) (*OfflineLead, error) {
	return q.modify(ctx, tempID, func(e *OfflineLead) {
		e.Lead = stripLocal(lead)
		e.Failure = FailureNone
		e.LastError = ""
		e.FieldErrors = nil
	})
}

// Retry clears the failure tag of a queued entry.
func (q *OfflineQueue) Retry(ctx context.Context, tempID string) error {
	_, err := q.modify(ctx, tempID, func(e *OfflineLead) {
		e.Failure = FailureNone
	})
	return err
}

// Clear drops every queued entry.
func (q *OfflineQueue) Clear(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.store.Remove(ctx, KeyOfflineLeads) {
		q.metrics.setQueueDepth(0)
	}
}

func (q *OfflineQueue) modify(ctx context.Context, tempID string, fn func(*OfflineLead)) (*OfflineLead, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.load(ctx)
	for _, e := range entries {
		if e.TempID != tempID {
			continue
		}
		fn(e)
		if !q.save(ctx, entries) {
			return nil, ErrQueueWrite
		}
		return e, nil
	}
	return nil, fmt.Errorf("offline entry %s: %w", tempID, ErrNotFound)
}

// newTempIDSource returns a generator of offline_<ULID> identifiers. The
// monotonic entropy keeps identifiers issued within one millisecond ordered
// and distinct.
func newTempIDSource() func() string {
	var mu sync.Mutex
	entropy := ulid.Monotonic(rand.Reader, 0)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
		if err != nil {
			return "offline_" + uuid.NewString()
		}
		return "offline_" + id.String()
	}
}

// ============================================================================
// Lead Cache
// ============================================================================

// LeadSnapshot is the last lead list fetched online.
type LeadSnapshot struct {
	Leads     []Lead    `json:"leads"`
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale,omitempty"`
}

// LeadCache keeps the lead list for display while offline.
type LeadCache struct {
	store *LocalStore
	now   func() time.Time
	mu    sync.Mutex
}

// NewLeadCache creates a cache over store.
func NewLeadCache(store *LocalStore) *LeadCache {
	return &LeadCache{store: store, now: time.Now}
}

// Save replaces the snapshot with leads.
func (c *LeadCache) Save(ctx context.Context, leads []Lead) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if leads == nil {
		leads = []Lead{}
	}
	return c.store.Set(ctx, KeyCachedLeads, LeadSnapshot{Leads: leads, FetchedAt: c.now().UTC()})
}

// Load returns the snapshot. A bare JSON array, as an older front-end
// wrote it, is accepted and reported stale.
func (c *LeadCache) Load(ctx context.Context) (LeadSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(ctx)
}

func (c *LeadCache) load(ctx context.Context) (LeadSnapshot, bool) {
	var raw json.RawMessage
	if !c.store.Get(ctx, KeyCachedLeads, &raw) {
		return LeadSnapshot{}, false
	}
	var list []Lead
	if json.Unmarshal(raw, &list) == nil {
		return LeadSnapshot{Leads: list, Stale: true}, true
	}
	var snap LeadSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return LeadSnapshot{}, false
	}
	return snap, true
}

// Invalidate marks the snapshot stale so the next reader refetches.
func (c *LeadCache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.load(ctx)
	if !ok || snap.Stale {
		return
	}
	snap.Stale = true
	c.store.Set(ctx, KeyCachedLeads, snap)
}

// ============================================================================
// Event Emitter
// ============================================================================

// Offline events.
const (
	EventOnline           = "network.online"
	EventOffline          = "network.offline"
	EventLeadQueued       = "lead.queued"
	EventSyncStart        = "sync.start"
	EventLeadSynced       = "lead.synced"
	EventLeadFailed       = "lead.failed"
	EventLeadRejected     = "lead.rejected"
	EventSyncComplete     = "sync.complete"
	EventLeadsInvalidated = "leads.invalidated"
)

// OfflineEventHandler handles offline events.
type OfflineEventHandler func(event string, payload any)

type offlineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]OfflineEventHandler
}

// On registers handler for event. Panics in handlers are recovered.
func (e *offlineEmitter) On(event string, handler OfflineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *offlineEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(event, payload)
		}()
	}
}

func (e *offlineEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]OfflineEventHandler)
}

// ============================================================================
// Offline Manager
// ============================================================================

// OfflineOptions configures the OfflineManager.
type OfflineOptions struct {
	Queue *QueueOptions
	Sync  *SyncOptions
}

// CreateResult is the outcome of OfflineManager.CreateLead.
type CreateResult struct {
	// Lead is the server record, or the optimistic row when queued.
	Lead   Lead
	Queued bool
	Entry  *OfflineLead
}

// LeadList is the outcome of OfflineManager.ListLeads.
type LeadList struct {
	Leads     []Lead
	Stale     bool
	FetchedAt time.Time
	Pending   int
}

// OfflineManager puts the queue, the cache, the connectivity monitor and
// the sync manager around one Client.
type OfflineManager struct {
	offlineEmitter
	client  *Client
	monitor *ConnectivityMonitor
	queue   *OfflineQueue
	cache   *LeadCache
	sync    *SyncManager
	logger  *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
}

// NewOfflineManager creates an offline manager. Its components share the
// client's store, logger and metrics.
func NewOfflineManager(client *Client, monitor *ConnectivityMonitor, opts *OfflineOptions) *OfflineManager {
	o := &OfflineManager{
		offlineEmitter: offlineEmitter{listeners: make(map[string][]OfflineEventHandler)},
		client:         client,
		monitor:        monitor,
		cache:          NewLeadCache(client.Store()),
		logger:         client.Logger(),
	}

	qopts := &QueueOptions{}
	var sopts SyncOptions
	if opts != nil {
		if opts.Queue != nil {
			*qopts = *opts.Queue
		}
		if opts.Sync != nil {
			sopts = *opts.Sync
		}
	}
	if qopts.Logger == nil {
		qopts.Logger = client.Logger()
	}
	if qopts.Metrics == nil {
		qopts.Metrics = client.Metrics()
	}
	o.queue = NewOfflineQueue(client.Store(), qopts)

	if sopts.Logger == nil {
		sopts.Logger = client.Logger()
	}
	if sopts.Metrics == nil {
		sopts.Metrics = client.Metrics()
	}
	onEvent := sopts.OnEvent
	sopts.OnEvent = func(event string, payload any) {
		o.emit(event, payload)
		if onEvent != nil {
			onEvent(event, payload)
		}
	}
	sopts.Cache = o.cache
	o.sync = NewSyncManager(client.Leads, o.queue, monitor, &sopts)
	return o
}

func (o *OfflineManager) Client() *Client { return o.client }
func (o *OfflineManager) Monitor() *ConnectivityMonitor { return o.monitor }
func (o *OfflineManager) Queue() *OfflineQueue { return o.queue }
func (o *OfflineManager) Cache() *LeadCache { return o.cache }
func (o *OfflineManager) SyncManager() *SyncManager { return o.sync }
func (o *OfflineManager) IsOnline() bool { return o.monitor.Online() }
func (o *OfflineManager) Pending(ctx context.Context) int { return o.queue.Len(ctx) }

// Init forwards connectivity changes as events and starts the sync
// manager, which drains a queue left over from an earlier session.
func (o *OfflineManager) Init(ctx context.Context) {
	o.mu.Lock()
	if o.unsubscribe == nil {
		o.unsubscribe = o.monitor.Subscribe(func(online bool) {
			if online {
				o.emit(EventOnline, nil)
			} else {
				o.emit(EventOffline, nil)
			}
		})
	}
	o.mu.Unlock()
	o.sync.Start(ctx)
}

// Destroy stops the sync manager and removes all listeners.
func (o *OfflineManager) Destroy() {
	o.mu.Lock()
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
	o.mu.Unlock()
	o.sync.Stop()
	o.removeAll()
}

// Sync runs a sync pass now.
func (o *OfflineManager) Sync(ctx context.Context) (*SyncReport, error) {
	return o.sync.Sync(ctx)
}

// CreateLead submits lead when online. When offline, or when the request
// fails without a response, the lead is queued and the returned row is the
// optimistic entry. Server rejections are returned, never queued.
func (o *OfflineManager) CreateLead(ctx context.Context, lead Lead) (*CreateResult, error) {
	key := o.queue.newKey()
	if o.monitor.Online() {
		created, err := o.client.Leads.Create(ctx, stripLocal(lead), key)
		if err == nil {
			o.emit(EventLeadsInvalidated, nil)
			return &CreateResult{Lead: created}, nil
		}
		if !IsNetwork(err) {
			return nil, err
		}
		o.logger.Warn("lead submission failed without response, queueing", "error", err)
		o.monitor.SetOnline(false)
	}

	entry, err := o.queue.enqueue(ctx, lead, key)
	if err != nil {
		return nil, err
	}
	o.emit(EventLeadQueued, entry)
	return &CreateResult{Lead: entry.Row(), Queued: true, Entry: entry}, nil
}

// ListLeads fetches leads when online and refreshes the cache. Offline, or
// on a failure without response, it serves the cached snapshot marked
// stale, narrowed to filters. Only unfiltered fetches replace the snapshot.
// Queued entries are appended as offline rows in both cases.
func (o *OfflineManager) ListLeads(ctx context.Context, filters Filters) (*LeadList, error) {
	out := &LeadList{}
	fetched := false
	if o.monitor.Online() {
		leads, err := o.client.Leads.List(ctx, filters)
		switch {
		case err == nil:
			if len(filters) == 0 {
				o.cache.Save(ctx, leads)
			}
			out.Leads = leads
			out.FetchedAt = time.Now().UTC()
			fetched = true
		case IsNetwork(err):
			o.logger.Warn("lead list unavailable, serving cache", "error", err)
			o.monitor.SetOnline(false)
		default:
			return nil, err
		}
	}
	if !fetched {
		snap, _ := o.cache.Load(ctx)
		out.Leads = filterLeads(snap.Leads, filters)
		out.FetchedAt = snap.FetchedAt
		out.Stale = true
	}

	for _, e := range o.queue.List(ctx) {
		out.Leads = append(out.Leads, e.Row())
		out.Pending++
	}
	return out, nil
}

// filterLeads keeps the cached leads whose fields equal every filter value.
func filterLeads(leads []Lead, filters Filters) []Lead {
	if len(filters) == 0 {
		return leads
	}
	var out []Lead
	for _, l := range leads {
		match := true
		for k, v := range filters {
			if l[k] == nil || fmt.Sprint(l[k]) != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, l)
		}
	}
	return out
}
