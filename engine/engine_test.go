package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleHTML = `<html><body>
<h1>Quarterly Report</h1>
<h2>Revenue</h2>
<p>Revenue grew by 12% year over year.</p>
<ul><li>EMEA up 8%</li><li>APAC up 19%</li></ul>
<table><tr><td>Q1</td><td>100</td></tr></table>
</body></html>`

func sampleDoc() *Document {
	return &Document{
		SchemaName: "DoclingDocument",
		Version:    "1.0",
		Name:       "report",
		NumPages:   2,
		HTML:       sampleHTML,
	}
}

func TestParseDocument(t *testing.T) {
	raw, _ := json.Marshal(sampleDoc())
	d, err := ParseDocument(raw)
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "report" || d.NumPages != 2 {
		t.Fatalf("parsed = %+v", d)
	}

	if _, err := ParseDocument([]byte(`{"name":"empty"}`)); err == nil {
		t.Fatal("expected error for bodyless document")
	}
	if _, err := ParseDocument([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed document")
	}
}

func TestMarkdownExport(t *testing.T) {
	e := NewExporter(0)
	md, err := e.Markdown(sampleDoc())
	if err != nil {
		t.Fatal(err)
	}
	s := string(md)
	if !strings.Contains(s, "Quarterly Report") {
		t.Errorf("markdown missing title: %q", s)
	}
	if !strings.Contains(s, "- EMEA up 8%") && !strings.Contains(s, "* EMEA up 8%") {
		t.Errorf("markdown missing list item: %q", s)
	}
}

func TestTextExport(t *testing.T) {
	e := NewExporter(0)
	text, err := e.Text(sampleDoc())
	if err != nil {
		t.Fatal(err)
	}
	s := string(text)
	if strings.Contains(s, "<") {
		t.Errorf("text still contains markup: %q", s)
	}
	if !strings.Contains(s, "Revenue grew by 12% year over year.") {
		t.Errorf("text missing paragraph: %q", s)
	}
}

func TestDoctagsExport(t *testing.T) {
	e := NewExporter(0)
	tags, err := e.Doctags(sampleDoc())
	if err != nil {
		t.Fatal(err)
	}
	s := string(tags)
	for _, want := range []string{
		"<doctag>",
		"<title>Quarterly Report</title>",
		"<section_header>Revenue</section_header>",
		"<text>Revenue grew by 12% year over year.</text>",
		"<list_item>EMEA up 8%</list_item>",
		"</doctag>",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("doctags missing %q in:\n%s", want, s)
		}
	}
}

func TestChunksExport(t *testing.T) {
	// Many paragraphs force multiple chunks at a small chunk size.
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 20; i++ {
		b.WriteString("<p>" + strings.Repeat("word ", 30) + "</p>")
	}
	b.WriteString("</body></html>")
	d := &Document{HTML: b.String()}

	e := NewExporter(300)
	out, err := e.Chunks(d)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Chunks []Chunk `json:"chunks"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded.Chunks) < 2 {
		t.Fatalf("chunks = %d, want several", len(decoded.Chunks))
	}
	for i, c := range decoded.Chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		if c.Text == "" {
			t.Errorf("chunk %d is empty", i)
		}
	}
}

func TestFiguresZipExport(t *testing.T) {
	d := sampleDoc()
	d.Figures = []Figure{
		{Name: "fig1.png", MimeType: "image/png", Data: base64.StdEncoding.EncodeToString([]byte("png-bytes"))},
	}
	e := NewExporter(0)
	out, err := e.FiguresZip(d)
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	if err != nil {
		t.Fatal(err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "fig1.png" {
		t.Fatalf("zip entries = %+v", zr.File)
	}
}

func TestRenderUnknownKind(t *testing.T) {
	e := NewExporter(0)
	if _, err := e.Render(sampleDoc(), "pptx"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestClientConvert(t *testing.T) {
	doc := sampleDoc()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/convert" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var opts map[string]any
		if err := json.Unmarshal([]byte(r.FormValue("options")), &opts); err != nil {
			http.Error(w, "bad options", http.StatusBadRequest)
			return
		}
		if opts["max_num_pages"] != float64(12) {
			http.Error(w, "missing page cap", http.StatusBadRequest)
			return
		}
		raw, _ := json.Marshal(doc)
		json.NewEncoder(w).Encode(map[string]any{
			"version":  "2.57.0",
			"document": json.RawMessage(raw),
		})
	}))
	defer srv.Close()

	dir := t.TempDir()
	src := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(src, []byte("%PDF-1.4 test\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewClient(srv.URL, 5*time.Second)
	res, err := c.Convert(context.Background(), src, ConvertRequest{MaxNumPages: 12})
	if err != nil {
		t.Fatal(err)
	}
	if res.Version != "2.57.0" {
		t.Errorf("version = %q", res.Version)
	}
	parsed, err := ParseDocument(res.Document)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Name != "report" {
		t.Errorf("document = %+v", parsed)
	}
}

func TestClientConvertErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "conversion blew up", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	src := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewClient(srv.URL, time.Second)
	if _, err := c.Convert(context.Background(), src, ConvertRequest{}); err == nil {
		t.Fatal("expected error for 500 reply")
	}
}

func TestClientVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"version": "2.57.0"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != "2.57.0" {
		t.Errorf("version = %q", v)
	}
}
