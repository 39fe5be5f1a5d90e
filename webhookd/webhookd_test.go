package webhookd

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/docrefinery/docrefinery/dbopen"
	"github.com/docrefinery/docrefinery/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func seedJob(t *testing.T, st *store.Store) *store.Job {
	t.Helper()
	ctx := context.Background()
	tenant := &store.Tenant{Name: "Acme", Slug: "acme", Active: true}
	if err := st.CreateTenant(ctx, tenant); err != nil {
		t.Fatal(err)
	}
	doc := &store.Document{TenantID: tenant.ID, OriginalFilename: "a.pdf", SHA256: "aa", MimeType: "application/pdf"}
	if err := st.CreateDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	job := &store.Job{TenantID: tenant.ID, DocumentID: doc.ID, Profile: "fast_text"}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	return job
}

func seedEndpoint(t *testing.T, st *store.Store, tenantID int64, url string, enabled bool) *store.WebhookEndpoint {
	t.Helper()
	ep := &store.WebhookEndpoint{
		TenantID: tenantID,
		Name:     "ci",
		URL:      url,
		Secret:   "endpoint-secret",
		Enabled:  enabled,
		Events:   `["job.updated"]`,
	}
	if err := st.CreateEndpoint(context.Background(), ep); err != nil {
		t.Fatal(err)
	}
	return ep
}

func TestSignature(t *testing.T) {
	body := []byte(`{"event":"job.updated"}`)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if got := Signature("s3cret", body); got != want {
		t.Fatalf("signature = %q, want %q", got, want)
	}
}

func TestQueueAndDeliver(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	job := seedJob(t, st)

	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := seedEndpoint(t, st, job.TenantID, srv.URL, true)

	d := New(st, 5, 30*time.Second, 10*time.Second, WithAllowedHosts([]string{"127.0.0.1"}))
	job.Status = store.JobRunning
	if err := d.Queue(ctx, job, store.JobQueued, store.StageScanning); err != nil {
		t.Fatal(err)
	}
	if n := d.DeliverDue(ctx); n != 1 {
		t.Fatalf("attempted %d deliveries", n)
	}

	if gotHeaders.Get(HeaderEvent) != "job.updated" {
		t.Errorf("event header = %q", gotHeaders.Get(HeaderEvent))
	}
	if gotHeaders.Get(HeaderDelivery) == "" {
		t.Error("delivery header missing")
	}
	if want := Signature(ep.Secret, gotBody); gotHeaders.Get(HeaderSignature) != want {
		t.Errorf("signature = %q, want %q", gotHeaders.Get(HeaderSignature), want)
	}

	var p Payload
	if err := json.Unmarshal(gotBody, &p); err != nil {
		t.Fatal(err)
	}
	if p.JobUUID != job.UUID || p.JobID != job.ID {
		t.Errorf("payload ids = %d/%s", p.JobID, p.JobUUID)
	}
	if p.Status != store.JobRunning || p.PreviousStatus != store.JobQueued {
		t.Errorf("payload states = %s from %s", p.Status, p.PreviousStatus)
	}
	if p.DocumentID == "" {
		t.Error("payload missing document uuid")
	}

	del, err := st.GetDelivery(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if del.Status != store.DeliveryDelivered || del.DeliveredAt == "" {
		t.Fatalf("delivery = %s, delivered_at %q", del.Status, del.DeliveredAt)
	}
	gotEp, _ := st.GetEndpointByID(ctx, ep.ID)
	if gotEp.LastSuccessAt == "" {
		t.Error("endpoint last_success_at not stamped")
	}
}

func TestQueueSkipsUnsubscribedEndpoints(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	job := seedJob(t, st)

	ep := seedEndpoint(t, st, job.TenantID, "https://example.com/hook", true)
	ep.Events = "[]"
	if err := st.UpdateEndpoint(ctx, ep); err != nil {
		t.Fatal(err)
	}

	d := New(st, 5, 30*time.Second, 10*time.Second)
	if err := d.Queue(ctx, job, store.JobQueued, store.StageScanning); err != nil {
		t.Fatal(err)
	}
	if due, _ := st.ListDueDeliveries(ctx, 10); len(due) != 0 {
		t.Fatalf("deliveries queued for unsubscribed endpoint: %d", len(due))
	}
}

func TestDisabledEndpointFailsWithoutCall(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	job := seedJob(t, st)

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	ep := seedEndpoint(t, st, job.TenantID, srv.URL, true)
	d := New(st, 5, 30*time.Second, 10*time.Second, WithAllowedHosts([]string{"127.0.0.1"}))
	if err := d.Queue(ctx, job, store.JobQueued, store.StageScanning); err != nil {
		t.Fatal(err)
	}

	// Disabled between queue and attempt.
	ep.Enabled = false
	if err := st.UpdateEndpoint(ctx, ep); err != nil {
		t.Fatal(err)
	}

	d.DeliverDue(ctx)

	if calls.Load() != 0 {
		t.Errorf("disabled endpoint received %d calls", calls.Load())
	}
	del, _ := st.GetDelivery(ctx, 1)
	if del.Status != store.DeliveryFailed || del.LastError != "Endpoint disabled" {
		t.Fatalf("delivery = %s (%q)", del.Status, del.LastError)
	}
}

func TestRetryScheduleAndExhaustion(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	job := seedJob(t, st)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	seedEndpoint(t, st, job.TenantID, srv.URL, true)
	d := New(st, 3, 30*time.Second, 10*time.Second, WithAllowedHosts([]string{"127.0.0.1"}))
	if err := d.Queue(ctx, job, store.JobQueued, store.StageScanning); err != nil {
		t.Fatal(err)
	}

	d.DeliverDue(ctx)
	del, _ := st.GetDelivery(ctx, 1)
	if del.Status != store.DeliveryRetrying || del.Attempt != 1 {
		t.Fatalf("after 1st attempt: %s attempt %d", del.Status, del.Attempt)
	}
	next, err := store.ParseTime(del.NextRetryAt)
	if err != nil {
		t.Fatal(err)
	}
	if wait := time.Until(next); wait < 25*time.Second || wait > 35*time.Second {
		t.Errorf("first backoff = %v, want ~30s", wait)
	}

	// Not due yet: a sweep must skip it.
	if n := d.DeliverDue(ctx); n != 0 {
		t.Fatalf("swept %d deliveries before retry time", n)
	}

	// Force due and retry twice more until attempts are exhausted.
	for want := int64(2); want <= 3; want++ {
		del.NextRetryAt = store.FormatTime(st.Now().Add(-time.Second))
		if err := st.UpdateDelivery(ctx, del); err != nil {
			t.Fatal(err)
		}
		d.DeliverDue(ctx)
		del, _ = st.GetDelivery(ctx, 1)
		if del.Attempt != want {
			t.Fatalf("attempt = %d, want %d", del.Attempt, want)
		}
	}
	if del.Status != store.DeliveryFailed {
		t.Fatalf("after exhaustion: %s", del.Status)
	}
	if del.ResponseCode != http.StatusInternalServerError {
		t.Errorf("response code = %d", del.ResponseCode)
	}
}

func TestDeliveryClaimSingleWinner(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	job := seedJob(t, st)

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	seedEndpoint(t, st, job.TenantID, srv.URL, true)
	d := New(st, 5, 30*time.Second, 10*time.Second, WithAllowedHosts([]string{"127.0.0.1"}))
	if err := d.Queue(ctx, job, store.JobQueued, store.StageScanning); err != nil {
		t.Fatal(err)
	}

	ok, err := st.ClaimDelivery(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first claim refused")
	}
	ok, err = st.ClaimDelivery(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second claim won a held row")
	}

	// A sweep by another deliverer must not see the claimed row.
	other := New(st, 5, 30*time.Second, 10*time.Second, WithAllowedHosts([]string{"127.0.0.1"}))
	if n := other.DeliverDue(ctx); n != 0 {
		t.Fatalf("swept %d claimed deliveries", n)
	}
	if calls.Load() != 0 {
		t.Errorf("claimed delivery was posted %d times", calls.Load())
	}
}

func TestNoSignatureWithoutSecret(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	job := seedJob(t, st)

	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
	}))
	defer srv.Close()

	ep := &store.WebhookEndpoint{
		TenantID: job.TenantID,
		Name:     "legacy",
		URL:      srv.URL,
		Enabled:  true,
		Events:   `["job.updated"]`,
	}
	if err := st.CreateEndpoint(ctx, ep); err != nil {
		t.Fatal(err)
	}

	d := New(st, 5, 30*time.Second, 10*time.Second, WithAllowedHosts([]string{"127.0.0.1"}))
	if err := d.Queue(ctx, job, store.JobQueued, store.StageScanning); err != nil {
		t.Fatal(err)
	}
	if n := d.DeliverDue(ctx); n != 1 {
		t.Fatalf("attempted %d deliveries", n)
	}

	if sig := gotHeaders.Get(HeaderSignature); sig != "" {
		t.Errorf("signature header sent for a secretless endpoint: %q", sig)
	}
	if gotHeaders.Get(HeaderDelivery) == "" {
		t.Error("delivery header missing")
	}
}

func TestUnsafeEndpointURLRejected(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	job := seedJob(t, st)

	seedEndpoint(t, st, job.TenantID, "http://169.254.169.254/hook", true)
	d := New(st, 5, 30*time.Second, 10*time.Second)
	if err := d.Queue(ctx, job, store.JobQueued, store.StageScanning); err != nil {
		t.Fatal(err)
	}
	d.DeliverDue(ctx)

	del, _ := st.GetDelivery(ctx, 1)
	if del.Status != store.DeliveryFailed {
		t.Fatalf("delivery = %s", del.Status)
	}
}
