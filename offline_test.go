package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// counterIDs returns a generator of offline_1, offline_2, ...
func counterIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("offline_%d", n)
	}
}

func newTestQueue(backend Store) *OfflineQueue {
	if backend == nil {
		backend = NewMemoryStore()
	}
	return NewOfflineQueue(NewLocalStore(backend, "", nil), &QueueOptions{NewID: counterIDs()})
}

// ============================================================================
// OfflineLead
// ============================================================================

func TestOfflineLeadJSON(t *testing.T) {
	created := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	e := &OfflineLead{
		TempID:         "offline_7",
		IsOffline:      true,
		CreatedAt:      created,
		IdempotencyKey: "idem-7",
		Failure:        FailureRejected,
		FieldErrors:    map[string][]string{"phone_number": {"invalid"}},
		Lead:           Lead{"first_name": "Asha", "grade": "5"},
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var flat map[string]any
	json.Unmarshal(data, &flat)
	if flat["temp_id"] != "offline_7" || flat["first_name"] != "Asha" || flat["is_offline"] != true {
		t.Fatalf("expected a flat document, got %s", data)
	}

	var back OfflineLead
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.TempID != "offline_7" || !back.CreatedAt.Equal(created) || back.Failure != FailureRejected {
		t.Fatalf("bookkeeping lost: %+v", back)
	}
	if len(back.Lead) != 2 || back.Lead["grade"] != "5" {
		t.Fatalf("lead fields not separated: %v", back.Lead)
	}

	if err := json.Unmarshal([]byte(`{"first_name":"x"}`), &back); err == nil {
		t.Fatal("expected error for entry without temp_id")
	}
}

func TestOfflineLeadPayload(t *testing.T) {
	e := &OfflineLead{
		TempID:    "offline_1",
		IsOffline: true,
		CreatedAt: time.Now(),
		Lead:      Lead{"first_name": "Asha", "phone": "+911234567890"},
	}
	p := e.Payload()
	for _, k := range []string{"temp_id", "is_offline", "created_at", "idempotency_key"} {
		if _, ok := p[k]; ok {
			t.Fatalf("payload carries local field %s", k)
		}
	}
	if p["first_name"] != "Asha" || p["phone"] != "+911234567890" {
		t.Fatalf("business fields lost: %v", p)
	}
	p["first_name"] = "changed"
	if e.Lead["first_name"] != "Asha" {
		t.Fatal("payload must be a copy")
	}

	row := e.Row()
	if row["temp_id"] != "offline_1" || row["is_offline"] != true {
		t.Fatalf("row not marked offline: %v", row)
	}
}

// ============================================================================
// OfflineQueue
// ============================================================================

func TestOfflineQueueEnqueue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(nil)

	lead := Lead{"first_name": "Asha", "temp_id": "stale", "is_offline": false}
	e, err := q.Enqueue(ctx, lead)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if e.TempID != "offline_1" || !e.IsOffline || e.IdempotencyKey == "" || e.CreatedAt.IsZero() {
		t.Fatalf("entry not initialized: %+v", e)
	}
	if _, ok := e.Lead["temp_id"]; ok {
		t.Fatal("caller's local fields must be dropped")
	}
	if lead["temp_id"] != "stale" {
		t.Fatal("caller's lead must not be modified")
	}

	e2, _ := q.Enqueue(ctx, Lead{"first_name": "Ravi"})
	if e2.TempID == e.TempID || e2.IdempotencyKey == e.IdempotencyKey {
		t.Fatal("entries must get distinct identifiers")
	}
	list := q.List(ctx)
	if len(list) != 2 || list[0].TempID != "offline_1" || list[1].TempID != "offline_2" {
		t.Fatalf("unexpected order: %v", list)
	}
}

func TestOfflineQueueSkipsTakenIDs(t *testing.T) {
	ctx := context.Background()
	ids := []string{"offline_a", "offline_a", "offline_b"}
	i := 0
	q := NewOfflineQueue(NewLocalStore(NewMemoryStore(), "", nil), &QueueOptions{NewID: func() string {
		id := ids[i]
		i++
		return id
	}})
	q.Enqueue(ctx, Lead{})
	e, _ := q.Enqueue(ctx, Lead{})
	if e.TempID != "offline_b" {
		t.Fatalf("expected collision to be skipped, got %s", e.TempID)
	}
}

func TestOfflineQueueDefaultIDs(t *testing.T) {
	ctx := context.Background()
	q := NewOfflineQueue(NewLocalStore(NewMemoryStore(), "", nil), nil)
	prev := ""
	for i := 0; i < 50; i++ {
		e, err := q.Enqueue(ctx, Lead{"n": i})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if !strings.HasPrefix(e.TempID, "offline_") {
			t.Fatalf("unexpected id: %s", e.TempID)
		}
		if e.TempID <= prev {
			t.Fatalf("ids not increasing: %s after %s", e.TempID, prev)
		}
		prev = e.TempID
	}
}

func TestOfflineQueueDurability(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	q := newTestQueue(NewFileStore(path))
	var want []string
	for i := 0; i < 5; i++ {
		e, err := q.Enqueue(ctx, Lead{"first_name": fmt.Sprintf("lead-%d", i)})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		want = append(want, e.TempID)
	}

	reloaded := NewOfflineQueue(NewLocalStore(NewFileStore(path), "", nil), nil)
	got := reloaded.List(ctx)
	if len(got) != len(want) {
		t.Fatalf("expected %d entries after reload, got %d", len(want), len(got))
	}
	for i, e := range got {
		if e.TempID != want[i] {
			t.Fatalf("entry %d: temp id %s, want %s", i, e.TempID, want[i])
		}
		if e.Lead["first_name"] != fmt.Sprintf("lead-%d", i) {
			t.Fatalf("entry %d payload changed: %v", i, e.Lead)
		}
	}
}

func TestOfflineQueueRemove(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(nil)
	q.Enqueue(ctx, Lead{"n": 1})
	q.Enqueue(ctx, Lead{"n": 2})
	q.Enqueue(ctx, Lead{"n": 3})

	q.Remove(ctx, "offline_2")
	q.Remove(ctx, "offline_2")
	q.Remove(ctx, "offline_never")

	list := q.List(ctx)
	if len(list) != 2 || list[0].TempID != "offline_1" || list[1].TempID != "offline_3" {
		t.Fatalf("unexpected entries: %v", list)
	}
	if list[1].Lead["n"] != float64(3) {
		t.Fatalf("other entries altered: %v", list[1].Lead)
	}
}

func TestOfflineQueueFailureTags(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(nil)
	e, _ := q.Enqueue(ctx, Lead{"phone_number": "bad"})

	cause := newAPIError(http.StatusBadRequest, []byte(`{"phone_number":["Enter a valid phone number."]}`))
	q.MarkFailed(ctx, e.TempID, ClassifyFailure(cause), cause)

	got, _ := q.Get(ctx, e.TempID)
	if got.Failure != FailureRejected || got.Attempts != 1 || got.LastAttemptAt.IsZero() {
		t.Fatalf("failure not recorded: %+v", got)
	}
	if got.FieldErrors["phone_number"][0] != "Enter a valid phone number." {
		t.Fatalf("field errors not kept: %v", got.FieldErrors)
	}
	if got.Lead["phone_number"] != "bad" {
		t.Fatal("MarkFailed must not touch the payload")
	}
	if r := q.Rejected(ctx); len(r) != 1 {
		t.Fatalf("expected 1 rejected entry, got %d", len(r))
	}

	updated, err := q.Update(ctx, e.TempID, Lead{"phone_number": "+911234567890"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Failure != FailureNone || updated.FieldErrors != nil || updated.Attempts != 1 {
		t.Fatalf("update should clear the tag and keep attempts: %+v", updated)
	}

	q.MarkFailed(ctx, e.TempID, FailureRejected, errors.New("again"))
	if err := q.Retry(ctx, e.TempID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if r := q.Rejected(ctx); len(r) != 0 {
		t.Fatal("retry should clear the tag")
	}

	if _, err := q.Update(ctx, "offline_missing", Lead{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := q.Retry(ctx, "offline_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOfflineQueueWriteFailure(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(&failingStore{MemoryStore: NewMemoryStore(), failSet: true})
	if _, err := q.Enqueue(ctx, Lead{"n": 1}); !errors.Is(err, ErrQueueWrite) {
		t.Fatalf("expected ErrQueueWrite, got %v", err)
	}
	if q.Len(ctx) != 0 {
		t.Fatal("failed write must not report an entry")
	}
}

func TestOfflineQueueCorruptData(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	mem.Set(ctx, KeyOfflineLeads, []byte(`{"broken":`))
	q := newTestQueue(mem)
	if q.Len(ctx) != 0 {
		t.Fatal("corrupt queue should read as empty")
	}
	if _, err := q.Enqueue(ctx, Lead{"n": 1}); err != nil {
		t.Fatalf("enqueue over corrupt data: %v", err)
	}
	if q.Len(ctx) != 1 {
		t.Fatal("expected queue to recover")
	}

	q.Clear(ctx)
	if q.Len(ctx) != 0 {
		t.Fatal("clear left entries")
	}
}

// ============================================================================
// LeadCache
// ============================================================================

func TestLeadCache(t *testing.T) {
	ctx := context.Background()

	t.Run("save load invalidate", func(t *testing.T) {
		c := NewLeadCache(NewLocalStore(NewMemoryStore(), "", nil))
		if _, ok := c.Load(ctx); ok {
			t.Fatal("expected empty cache")
		}
		c.Save(ctx, []Lead{{"id": 1}})
		snap, ok := c.Load(ctx)
		if !ok || len(snap.Leads) != 1 || snap.Stale || snap.FetchedAt.IsZero() {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
		c.Invalidate(ctx)
		if snap, _ := c.Load(ctx); !snap.Stale || len(snap.Leads) != 1 {
			t.Fatalf("expected stale snapshot with rows kept: %+v", snap)
		}
	})

	t.Run("legacy bare array", func(t *testing.T) {
		mem := NewMemoryStore()
		mem.Set(ctx, KeyCachedLeads, []byte(`[{"id":1},{"id":2}]`))
		c := NewLeadCache(NewLocalStore(mem, "", nil))
		snap, ok := c.Load(ctx)
		if !ok || len(snap.Leads) != 2 || !snap.Stale {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
	})
}

// ============================================================================
// OfflineManager
// ============================================================================

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) record(event string, _ any) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == event {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, f *fakeAPI, online bool) (*OfflineManager, *eventLog) {
	t.Helper()
	c := loggedInClient(t, f, "tok")
	mgr := NewOfflineManager(c, NewConnectivityMonitor(online), &OfflineOptions{
		Queue: &QueueOptions{NewID: counterIDs()},
	})
	log := &eventLog{}
	for _, ev := range []string{
		EventOnline, EventOffline, EventLeadQueued, EventSyncStart, EventLeadSynced,
		EventLeadFailed, EventLeadRejected, EventSyncComplete, EventLeadsInvalidated,
	} {
		mgr.On(ev, log.record)
	}
	mgr.Init(context.Background())
	t.Cleanup(mgr.Destroy)
	return mgr, log
}

func TestOfflineManagerCreateLead(t *testing.T) {
	ctx := context.Background()

	t.Run("online submits", func(t *testing.T) {
		f := newFakeAPI(t)
		f.handle("POST", "leads/", func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(w, 201, map[string]any{"id": 42, "first_name": "Asha"})
		})
		mgr, log := newTestManager(t, f, true)

		res, err := mgr.CreateLead(ctx, Lead{"first_name": "Asha"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if res.Queued {
			t.Fatal("online create must not queue")
		}
		if id, _ := res.Lead.ID(); id != 42 {
			t.Fatalf("unexpected lead: %v", res.Lead)
		}
		if f.callsTo("POST", "leads/")[0].Header.Get("Idempotency-Key") == "" {
			t.Fatal("expected an idempotency key on online create")
		}
		if log.count(EventLeadsInvalidated) != 1 {
			t.Fatal("expected one invalidation")
		}
	})

	t.Run("offline queues", func(t *testing.T) {
		f := newFakeAPI(t)
		mgr, log := newTestManager(t, f, false)

		res, err := mgr.CreateLead(ctx, Lead{"first_name": "Asha"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if !res.Queued || res.Entry.TempID != "offline_1" || res.Lead["is_offline"] != true {
			t.Fatalf("expected optimistic row, got %+v", res)
		}
		if len(f.callsTo("POST", "leads/")) != 0 {
			t.Fatal("offline create must not call the API")
		}
		if mgr.Pending(ctx) != 1 || log.count(EventLeadQueued) != 1 {
			t.Fatal("expected one queued entry and event")
		}
	})

	t.Run("network failure falls back to queue", func(t *testing.T) {
		f := newFakeAPI(t)
		mgr, log := newTestManager(t, f, true)
		f.srv.Close()

		res, err := mgr.CreateLead(ctx, Lead{"first_name": "Asha"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if !res.Queued {
			t.Fatal("expected lead to be queued")
		}
		if mgr.IsOnline() {
			t.Fatal("monitor should be switched offline")
		}
		if log.count(EventOffline) != 1 {
			t.Fatal("expected offline event")
		}
	})

	t.Run("rejection is returned", func(t *testing.T) {
		f := newFakeAPI(t)
		f.handle("POST", "leads/", func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(w, 400, map[string]any{"phone_number": []string{"invalid"}})
		})
		mgr, _ := newTestManager(t, f, true)

		if _, err := mgr.CreateLead(ctx, Lead{"phone_number": "x"}); !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if mgr.Pending(ctx) != 0 {
			t.Fatal("rejections must not be queued")
		}
	})
}

func TestOfflineManagerListLeads(t *testing.T) {
	ctx := context.Background()
	f := newFakeAPI(t)
	f.handle("GET", "leads/", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, 200, []any{map[string]any{"id": 1}, map[string]any{"id": 2}})
	})
	mgr, _ := newTestManager(t, f, true)

	list, err := mgr.ListLeads(ctx, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Leads) != 2 || list.Stale || list.Pending != 0 {
		t.Fatalf("unexpected online list: %+v", list)
	}

	mgr.Monitor().SetOnline(false)
	mgr.CreateLead(ctx, Lead{"first_name": "Asha"})

	list, err = mgr.ListLeads(ctx, nil)
	if err != nil {
		t.Fatalf("offline list: %v", err)
	}
	if !list.Stale || list.Pending != 1 || len(list.Leads) != 3 {
		t.Fatalf("unexpected offline list: %+v", list)
	}
	if list.Leads[2]["temp_id"] != "offline_1" {
		t.Fatalf("queued row not appended: %v", list.Leads[2])
	}
	if n := len(f.callsTo("GET", "leads/")); n != 1 {
		t.Fatalf("offline list must not call the API, got %d calls", n)
	}
}

func TestOfflineManagerRefetchOnReconnect(t *testing.T) {
	f := newFakeAPI(t)
	mgr, log := newTestManager(t, f, false)
	f.srv.Close()

	lists := make(chan *LeadList, 1)
	mgr.On(EventOnline, func(string, any) {
		list, err := mgr.ListLeads(context.Background(), nil)
		if err != nil {
			t.Errorf("list: %v", err)
		}
		lists <- list
	})

	done := make(chan struct{})
	go func() {
		mgr.Monitor().SetOnline(true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect handler that goes offline again blocked")
	}

	if list := <-lists; list == nil || !list.Stale {
		t.Fatalf("expected stale cached list, got %+v", list)
	}
	if mgr.IsOnline() {
		t.Fatal("failed refetch should switch the monitor offline")
	}
	if log.count(EventOnline) != 1 || log.count(EventOffline) != 1 {
		t.Fatalf("expected one online and one offline event, got %d and %d", log.count(EventOnline), log.count(EventOffline))
	}
}

func TestOfflineManagerFilteredListKeepsCache(t *testing.T) {
	ctx := context.Background()
	f := newFakeAPI(t)
	f.handle("GET", "leads/", func(w http.ResponseWriter, r *http.Request) {
		all := []any{
			map[string]any{"id": 1, "status": "New"},
			map[string]any{"id": 2, "status": "Contacted"},
			map[string]any{"id": 3, "status": "New"},
		}
		if r.URL.Query().Get("status") == "Contacted" {
			all = all[1:2]
		}
		writeTestJSON(w, 200, all)
	})
	mgr, _ := newTestManager(t, f, true)

	if _, err := mgr.ListLeads(ctx, nil); err != nil {
		t.Fatalf("list: %v", err)
	}
	if list, err := mgr.ListLeads(ctx, Filters{"status": "Contacted"}); err != nil || len(list.Leads) != 1 {
		t.Fatalf("filtered list: %+v %v", list, err)
	}

	mgr.Monitor().SetOnline(false)
	list, err := mgr.ListLeads(ctx, nil)
	if err != nil {
		t.Fatalf("offline list: %v", err)
	}
	if len(list.Leads) != 3 {
		t.Fatalf("filtered fetch must not replace the snapshot, got %d leads", len(list.Leads))
	}
	list, _ = mgr.ListLeads(ctx, Filters{"status": "New"})
	if len(list.Leads) != 2 || !list.Stale {
		t.Fatalf("offline filter should narrow the snapshot: %+v", list)
	}
}

func TestOfflineManagerListenerPanic(t *testing.T) {
	f := newFakeAPI(t)
	mgr, log := newTestManager(t, f, false)
	mgr.On(EventLeadQueued, func(string, any) { panic("boom") })

	if _, err := mgr.CreateLead(context.Background(), Lead{"n": 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if log.count(EventLeadQueued) != 1 {
		t.Fatal("other listeners must still run")
	}
}
