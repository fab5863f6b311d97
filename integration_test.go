//go:build integration

package crm_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	crm "github.com/schoolcrm/crm/sdk/golang"
)

// helpers ---------------------------------------------------------------

func credentials(t *testing.T) (string, string) {
	t.Helper()
	user, pass := os.Getenv("CRM_USERNAME_TEST"), os.Getenv("CRM_PASSWORD_TEST")
	if user == "" || pass == "" {
		t.Fatal("CRM_USERNAME_TEST and CRM_PASSWORD_TEST environment variables are required")
	}
	return user, pass
}

func testBaseURL() string {
	if v := os.Getenv("CRM_BASE_URL_TEST"); v != "" {
		return v
	}
	return crm.DefaultBaseURL
}

func newClient(t *testing.T, store crm.Store) *crm.Client {
	t.Helper()
	if store == nil {
		store = crm.NewMemoryStore()
	}
	return crm.NewClient(crm.WithBaseURL(testBaseURL()), crm.WithStore(store))
}

func login(t *testing.T, client *crm.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	user, pass := credentials(t)
	if _, err := client.Auth.Login(ctx, user, pass); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// =======================================================================
// Group 1: Auth
// =======================================================================

func TestIntegration_Auth_Login(t *testing.T) {
	client := newClient(t, nil)
	login(t, client)
	ctx := context.Background()

	if !client.Tokens().LoggedIn(ctx) {
		t.Fatal("expected a stored credential after login")
	}
	role := client.Tokens().Role(ctx)
	if role == crm.RoleUnset {
		t.Error("expected a known staff role")
	}
	t.Logf("Login — role=%s", role)
}

func TestIntegration_Auth_BadPassword(t *testing.T) {
	client := newClient(t, nil)
	user, _ := credentials(t)
	_, err := client.Auth.Login(context.Background(), user, "definitely-wrong")
	if err == nil {
		t.Fatal("expected login to fail")
	}
	if client.Tokens().LoggedIn(context.Background()) {
		t.Fatal("failed login must not store a credential")
	}
}

func TestIntegration_Auth_Refresh(t *testing.T) {
	client := newClient(t, nil)
	login(t, client)
	ctx := context.Background()

	if !client.Tokens().Refresh(ctx) {
		t.Skip("server does not support token refresh")
	}
	if !client.Tokens().LoggedIn(ctx) {
		t.Fatal("expected a credential after refresh")
	}
}

func TestIntegration_Auth_Ping(t *testing.T) {
	client := newClient(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := client.Auth.Ping(ctx); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
}

// =======================================================================
// Group 2: Leads
// =======================================================================

func TestIntegration_Leads_CreateAndRead(t *testing.T) {
	client := newClient(t, nil)
	login(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	name := uniqueName("sdk")
	created, err := client.Leads.Create(ctx, crm.Lead{
		"first_name":   name,
		"last_name":    "Integration",
		"phone_number": "+911234567890",
	}, "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	id, ok := created.ID()
	if !ok {
		t.Fatalf("created lead has no id: %v", created)
	}

	got, err := client.Leads.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got["first_name"] != name {
		t.Fatalf("unexpected lead: %v", got)
	}

	updated, err := client.Leads.UpdateStatus(ctx, id, crm.StatusContacted)
	if err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}
	t.Logf("Lead %d — status=%s", id, updated.Status())
}

func TestIntegration_Leads_List(t *testing.T) {
	client := newClient(t, nil)
	login(t, client)
	leads, err := client.Leads.List(context.Background(), crm.Filters{"status": string(crm.StatusNew)})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	for _, l := range leads {
		if l.Status() != crm.StatusNew {
			t.Fatalf("filter not applied: %v", l)
		}
	}
	t.Logf("List — %d new leads", len(leads))
}

func TestIntegration_Dashboard(t *testing.T) {
	client := newClient(t, nil)
	login(t, client)
	if _, err := client.Dashboard.Get(context.Background()); err != nil {
		t.Fatalf("Dashboard returned error: %v", err)
	}
}

// =======================================================================
// Group 3: Offline queue
// =======================================================================

func TestIntegration_Offline_QueueAndSync(t *testing.T) {
	store := crm.NewFileStore(filepath.Join(t.TempDir(), "store.json"))
	client := newClient(t, store)
	login(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	monitor := crm.NewConnectivityMonitor(false)
	mgr := crm.NewOfflineManager(client, monitor, nil)
	mgr.Init(ctx)
	defer mgr.Destroy()

	for i := 0; i < 3; i++ {
		res, err := mgr.CreateLead(ctx, crm.Lead{
			"first_name":   uniqueName(fmt.Sprintf("offline%d", i)),
			"last_name":    "Integration",
			"phone_number": "+911234567890",
		})
		if err != nil || !res.Queued {
			t.Fatalf("CreateLead offline: %+v %v", res, err)
		}
	}

	// A second client over the same file stands in for an app restart.
	reloaded := crm.NewOfflineManager(newClient(t, store), crm.NewConnectivityMonitor(false), nil)
	if n := reloaded.Pending(ctx); n != 3 {
		t.Fatalf("expected 3 entries after reload, got %d", n)
	}

	monitor.SetOnline(true)
	mgr.SyncManager().Wait()
	if n := mgr.Pending(ctx); n != 0 {
		for _, e := range mgr.Queue().List(ctx) {
			t.Logf("left in queue: %s failure=%s error=%s", e.TempID, e.Failure, e.LastError)
		}
		t.Fatalf("expected empty queue after sync, got %d", n)
	}
}
