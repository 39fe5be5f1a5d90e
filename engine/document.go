package engine

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	xhtml "golang.org/x/net/html"
)

// Document is the structured representation the engine produces. The rich
// body is HTML; figures carry base64 image bytes when the profile asked for
// them.
type Document struct {
	SchemaName string   `json:"schema_name"`
	Version    string   `json:"version"`
	Name       string   `json:"name"`
	NumPages   int      `json:"num_pages"`
	HTML       string   `json:"html"`
	Figures    []Figure `json:"figures,omitempty"`
}

// Figure is one extracted image.
type Figure struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

// ParseDocument rehydrates a Document from the canonical artifact bytes.
func ParseDocument(raw []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("engine: parse document: %w", err)
	}
	if d.HTML == "" {
		return nil, fmt.Errorf("engine: document has no body")
	}
	return &d, nil
}

// Exporter renders a Document into the derived artifact formats.
type Exporter struct {
	md        *htmltomarkdown.Converter
	stripper  *bluemonday.Policy
	chunkSize int
}

// NewExporter builds an Exporter. chunkSize bounds chunk text length in
// runes; <= 0 uses the default of 1200.
func NewExporter(chunkSize int) *Exporter {
	if chunkSize <= 0 {
		chunkSize = 1200
	}
	return &Exporter{
		md: htmltomarkdown.NewConverter(
			htmltomarkdown.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		stripper:  bluemonday.StrictPolicy(),
		chunkSize: chunkSize,
	}
}

// Markdown renders the document body as CommonMark.
func (e *Exporter) Markdown(d *Document) ([]byte, error) {
	md, err := e.md.ConvertString(d.HTML)
	if err != nil {
		return nil, fmt.Errorf("engine: render markdown: %w", err)
	}
	return []byte(md), nil
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// Text renders the document body as plain text: tags stripped, entities
// unescaped, runs of blank lines collapsed.
func (e *Exporter) Text(d *Document) ([]byte, error) {
	stripped := e.stripper.Sanitize(blockSeparated(d.HTML))
	text := xhtml.UnescapeString(stripped)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.TrimSpace(blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
	return []byte(text + "\n"), nil
}

// blockSeparated inserts newlines after block-level close tags so that
// stripping does not glue adjacent blocks together.
var blockClose = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|table|section|article|blockquote|pre)>`)

func blockSeparated(html string) string {
	return blockClose.ReplaceAllString(html, "$0\n")
}

// Doctags renders the tagged line format: one element per line, wrapped in
// a doctag envelope, preserving reading order.
func (e *Exporter) Doctags(d *Document) ([]byte, error) {
	node, err := xhtml.Parse(strings.NewReader(d.HTML))
	if err != nil {
		return nil, fmt.Errorf("engine: parse body for doctags: %w", err)
	}
	var b strings.Builder
	b.WriteString("<doctag>\n")
	walkDoctags(node, &b)
	b.WriteString("</doctag>\n")
	return []byte(b.String()), nil
}

func walkDoctags(n *xhtml.Node, b *strings.Builder) {
	if n.Type == xhtml.ElementNode {
		if tag, ok := doctagFor(n.Data); ok {
			text := strings.TrimSpace(collectText(n))
			if text != "" {
				fmt.Fprintf(b, "<%s>%s</%s>\n", tag, text, tag)
			}
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkDoctags(c, b)
	}
}

func doctagFor(element string) (string, bool) {
	switch element {
	case "h1":
		return "title", true
	case "h2", "h3", "h4", "h5", "h6":
		return "section_header", true
	case "p":
		return "text", true
	case "li":
		return "list_item", true
	case "table":
		return "otsl", true
	case "pre", "code":
		return "code", true
	case "caption", "figcaption":
		return "caption", true
	}
	return "", false
}

func collectText(n *xhtml.Node) string {
	var b strings.Builder
	var walk func(*xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n.Type == xhtml.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// Chunk is one retrieval-sized slice of the document text.
type Chunk struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Chunks renders the chunks_json artifact: the plain text split on
// paragraph boundaries into bounded slices.
func (e *Exporter) Chunks(d *Document) ([]byte, error) {
	text, err := e.Text(d)
	if err != nil {
		return nil, err
	}
	paragraphs := strings.Split(string(text), "\n\n")
	var chunks []Chunk
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, Chunk{Index: len(chunks), Text: s})
		}
		current.Reset()
	}
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(p) > e.chunkSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
		// A single oversized paragraph becomes its own chunk.
		if current.Len() > e.chunkSize {
			flush()
		}
	}
	flush()
	out := struct {
		Chunks []Chunk `json:"chunks"`
	}{Chunks: chunks}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("engine: encode chunks: %w", err)
	}
	return data, nil
}

// FiguresZip renders the figures_zip artifact: one archive entry per
// extracted image. A document without figures yields an empty archive.
func (e *Exporter) FiguresZip(d *Document) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, fig := range d.Figures {
		data, err := base64.StdEncoding.DecodeString(fig.Data)
		if err != nil {
			return nil, fmt.Errorf("engine: decode figure %d: %w", i, err)
		}
		name := fig.Name
		if name == "" {
			name = fmt.Sprintf("figure_%03d", i+1)
		}
		w, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("engine: add figure %d: %w", i, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("engine: write figure %d: %w", i, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("engine: finish figures archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Render dispatches on the export kind.
func (e *Exporter) Render(d *Document, kind string) ([]byte, error) {
	switch kind {
	case "markdown":
		return e.Markdown(d)
	case "text":
		return e.Text(d)
	case "doctags":
		return e.Doctags(d)
	case "chunks_json":
		return e.Chunks(d)
	case "figures_zip":
		return e.FiguresZip(d)
	}
	return nil, fmt.Errorf("engine: unknown export kind %q", kind)
}
