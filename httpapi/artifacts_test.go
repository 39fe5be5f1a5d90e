package httpapi

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/docrefinery/docrefinery/blob"
	"github.com/docrefinery/docrefinery/config"
	"github.com/docrefinery/docrefinery/store"
)

func (a *testAPI) seedArtifact(t *testing.T, content string) *store.Artifact {
	t.Helper()
	job := a.seedJob(t, func(j *store.Job) {
		j.Status = store.JobSucceeded
		j.Stage = store.StageFinalizing
	})
	rel := blob.ArtifactRel(a.tenant.ID, job.ID, "document.md")
	sha, size, err := a.root.WriteAtomic(rel, []byte(content))
	if err != nil {
		t.Fatal(err)
	}
	art := &store.Artifact{
		TenantID: a.tenant.ID, JobID: job.ID, Kind: "markdown",
		Relpath: rel, ChecksumSHA256: sha, SizeBytes: size, ContentType: "text/markdown",
	}
	if err := a.st.CreateArtifact(context.Background(), art); err != nil {
		t.Fatal(err)
	}
	return art
}

func TestArtifactListAndGet(t *testing.T) {
	a := newAPI(t)
	art := a.seedArtifact(t, "# Title\n")

	rr := a.get("/v1/artifacts")
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	var list struct {
		Artifacts []artifactView `json:"artifacts"`
	}
	decode(t, rr, &list)
	if len(list.Artifacts) != 1 || list.Artifacts[0].UUID != art.UUID {
		t.Fatalf("artifacts = %+v", list.Artifacts)
	}

	rr = a.get("/v1/artifacts/" + art.UUID + "/metadata")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var got artifactView
	decode(t, rr, &got)
	if got.Kind != "markdown" || got.ChecksumSHA256 != art.ChecksumSHA256 {
		t.Errorf("artifact = %+v", got)
	}
}

func TestArtifactDownload(t *testing.T) {
	a := newAPI(t)
	art := a.seedArtifact(t, "# Rendered\n")

	// The bare artifact URL is the download; /download is an alias.
	for _, target := range []string{
		"/v1/artifacts/" + art.UUID,
		"/v1/artifacts/" + art.UUID + "/download",
	} {
		rr := a.get(target)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", target, rr.Code)
		}
		if rr.Body.String() != "# Rendered\n" {
			t.Errorf("%s: body = %q", target, rr.Body.String())
		}
		if ct := rr.Header().Get("Content-Type"); ct != "text/markdown" {
			t.Errorf("%s: content type = %q", target, ct)
		}
		if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, `"document.md"`) {
			t.Errorf("%s: content disposition = %q", target, cd)
		}
	}
}

func TestArtifactDownloadXAccel(t *testing.T) {
	a := newAPI(t, func(c *config.Config) { c.Upload.XAccelPrefix = "/protected" })
	art := a.seedArtifact(t, "# Rendered\n")

	rr := a.get("/v1/artifacts/" + art.UUID + "/download")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	want := "/protected/" + art.Relpath
	if got := rr.Header().Get("X-Accel-Redirect"); got != want {
		t.Errorf("redirect = %q, want %q", got, want)
	}
	if rr.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rr.Body.String())
	}
}

func TestArtifactDownloadMissingFile(t *testing.T) {
	a := newAPI(t)
	art := a.seedArtifact(t, "bytes")
	if err := a.root.Remove(art.Relpath); err != nil {
		t.Fatal(err)
	}
	rr := a.get("/v1/artifacts/" + art.UUID)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestArtifactTenantIsolation(t *testing.T) {
	a := newAPI(t)
	art := a.seedArtifact(t, "private")
	_, _, otherKey := a.seedKey(t, allScopes)
	rr := a.do(http.MethodGet, "/v1/artifacts/"+art.UUID, otherKey, nil, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant status = %d", rr.Code)
	}
}
