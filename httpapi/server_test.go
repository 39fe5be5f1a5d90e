package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/docrefinery/docrefinery/authn"
	"github.com/docrefinery/docrefinery/blob"
	"github.com/docrefinery/docrefinery/broker"
	"github.com/docrefinery/docrefinery/config"
	"github.com/docrefinery/docrefinery/dbopen"
	"github.com/docrefinery/docrefinery/store"
)

var allScopes = []string{
	ScopeDocumentsRead, ScopeDocumentsWrite, ScopeJobsRead,
	ScopeArtifactsRead, ScopeWebhooksRead, ScopeWebhooksWrite, ScopeDashboardRead,
}

type stubNotifier struct {
	mu   sync.Mutex
	seen []string // "STATUS/STAGE<-PREVSTATUS/PREVSTAGE"
}

func (n *stubNotifier) JobStateChanged(_ context.Context, job *store.Job, prevStatus, prevStage string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, fmt.Sprintf("%s/%s<-%s/%s", job.Status, job.Stage, prevStatus, prevStage))
}

type testAPI struct {
	cfg    *config.Config
	srv    *Server
	router http.Handler
	st     *store.Store
	bk     *broker.Broker
	root   *blob.Root
	notes  *stubNotifier
	tenant *store.Tenant
	key    *store.APIKey
	rawKey string
}

func newAPI(t *testing.T, mutate ...func(*config.Config)) *testAPI {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ProcessSecret = "test-process-secret-0123456789abcdef"
	cfg.InternalToken = "internal-token"
	cfg.Upload.MaxFileMB = 1
	cfg.Webhooks.AllowedHosts = []string{"hooks.example.com", "127.0.0.1"}
	cfg.Worker.MaxRetries = 3
	for _, m := range mutate {
		m(cfg)
	}

	db := dbopen.OpenMemory(t)
	st, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}
	bk, err := broker.New(db)
	if err != nil {
		t.Fatal(err)
	}
	root, err := blob.NewRoot(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	notes := &stubNotifier{}
	srv := New(cfg, st, root, bk, WithNotifier(notes))

	a := &testAPI{
		cfg:    cfg,
		srv:    srv,
		router: srv.Router(),
		st:     st,
		bk:     bk,
		root:   root,
		notes:  notes,
	}
	a.tenant, a.key, a.rawKey = a.seedKey(t, allScopes)
	return a
}

// seedKey creates a tenant plus an active API key with the given scopes and
// returns the raw secret for request headers.
func (a *testAPI) seedKey(t *testing.T, scopes []string) (*store.Tenant, *store.APIKey, string) {
	t.Helper()
	ctx := context.Background()
	n := 0
	a.st.DB().QueryRow(`SELECT COUNT(1) FROM tenants`).Scan(&n)
	tenant := &store.Tenant{Name: fmt.Sprintf("Tenant %d", n+1), Slug: fmt.Sprintf("tenant-%d", n+1), Active: true}
	if err := a.st.CreateTenant(ctx, tenant); err != nil {
		t.Fatal(err)
	}
	raw, prefix, err := authn.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	scopesJSON, _ := json.Marshal(scopes)
	key := &store.APIKey{
		TenantID:    tenant.ID,
		Name:        "test",
		Prefix:      prefix,
		Fingerprint: authn.Fingerprint(a.cfg.ProcessSecret, raw),
		Active:      true,
		Scopes:      string(scopesJSON),
	}
	if err := a.st.CreateAPIKey(ctx, key); err != nil {
		t.Fatal(err)
	}
	return tenant, key, raw
}

func (a *testAPI) do(method, target, rawKey string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if rawKey != "" {
		req.Header.Set("Authorization", "Api-Key "+rawKey)
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func (a *testAPI) get(path string) *httptest.ResponseRecorder {
	return a.do(http.MethodGet, path, a.rawKey, nil, "")
}

func (a *testAPI) postJSON(path string, body string) *httptest.ResponseRecorder {
	return a.do(http.MethodPost, path, a.rawKey, strings.NewReader(body), "application/json")
}

// upload posts a multipart document with optional extra form fields.
func (a *testAPI) upload(t *testing.T, filename, mimeType, content string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", mimeType)
	fw, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return a.do(http.MethodPost, "/v1/documents", a.rawKey, &buf, mw.FormDataContentType())
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var e struct {
		ErrorCode string `json:"error_code"`
	}
	decode(t, rr, &e)
	return e.ErrorCode
}

func TestAuthRequired(t *testing.T) {
	a := newAPI(t)
	rr := a.do(http.MethodGet, "/v1/documents", "", nil, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestScopeEnforced(t *testing.T) {
	a := newAPI(t)
	_, _, readOnly := a.seedKey(t, []string{ScopeDocumentsRead})
	rr := a.do(http.MethodPost, "/v1/documents", readOnly, strings.NewReader(""), "multipart/form-data")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestRequestIDEchoed(t *testing.T) {
	a := newAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	req.Header.Set("Authorization", "Api-Key "+a.rawKey)
	req.Header.Set("X-Request-ID", "req-abc-123")
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got != "req-abc-123" {
		t.Fatalf("request id = %q", got)
	}
}

func TestInternalEndpointsRequireToken(t *testing.T) {
	a := newAPI(t)

	rr := a.do(http.MethodGet, "/readyz", "", nil, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("no token: status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.Header.Set("X-Internal-Token", "internal-token")
	out := httptest.NewRecorder()
	a.router.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Fatalf("with token: status = %d, body %s", out.Code, out.Body.String())
	}
}

func TestInternalEndpointsUnconfiguredAlwaysDeny(t *testing.T) {
	a := newAPI(t, func(c *config.Config) { c.InternalToken = "" })
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Internal-Token", "")
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestMetrics(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()
	doc := &store.Document{TenantID: a.tenant.ID, OriginalFilename: "a.pdf", SHA256: "aa", MimeType: "application/pdf"}
	if err := a.st.CreateDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if err := a.st.CreateJob(ctx, &store.Job{TenantID: a.tenant.ID, DocumentID: doc.ID}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Internal-Token", "internal-token")
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `docling_jobs_total{status="QUEUED"} 1`) {
		t.Fatalf("metrics output missing job gauge:\n%s", rr.Body.String())
	}
}

func TestDashboardSummaryAndUsage(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()
	doc := &store.Document{TenantID: a.tenant.ID, OriginalFilename: "a.pdf", SHA256: "aa", MimeType: "application/pdf", SizeBytes: 100}
	if err := a.st.CreateDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	job := &store.Job{TenantID: a.tenant.ID, DocumentID: doc.ID, Status: store.JobFailed, Stage: store.StageConverting, ErrorCode: "DOCLING_CONVERT_FAILED"}
	if err := a.st.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	rr := a.get("/v1/dashboard/summary")
	if rr.Code != http.StatusOK {
		t.Fatalf("summary status = %d, body %s", rr.Code, rr.Body.String())
	}
	var summary struct {
		JobsByStatus   map[string]int64 `json:"jobs_by_status"`
		RecentFailures []jobView        `json:"recent_failures"`
	}
	decode(t, rr, &summary)
	if summary.JobsByStatus[store.JobFailed] != 1 {
		t.Errorf("jobs_by_status = %v", summary.JobsByStatus)
	}
	if len(summary.RecentFailures) != 1 {
		t.Errorf("recent_failures = %d", len(summary.RecentFailures))
	}

	rr = a.get("/v1/dashboard/usage")
	if rr.Code != http.StatusOK {
		t.Fatalf("usage status = %d", rr.Code)
	}
	var usage struct {
		Documents     int64 `json:"documents"`
		DocumentBytes int64 `json:"document_bytes"`
		Jobs          int64 `json:"jobs"`
	}
	decode(t, rr, &usage)
	if usage.Documents != 1 || usage.DocumentBytes != 100 || usage.Jobs != 1 {
		t.Errorf("usage = %+v", usage)
	}

	if rr := a.get("/v1/dashboard/usage?from=not-a-date"); rr.Code != http.StatusBadRequest {
		t.Errorf("bad from: status = %d", rr.Code)
	}
}
