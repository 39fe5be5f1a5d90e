// Package engine talks to the external document-analysis engine: an opaque
// "convert bytes → structured document" service reached over HTTP. The
// structured document model and its export renderers live here too.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docrefinery/docrefinery/guard"
)

// Client invokes the conversion engine.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client for baseURL with a per-conversion timeout.
// Conversions are CPU-bound on the engine side and can take minutes.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// ConvertRequest bounds one conversion.
type ConvertRequest struct {
	Filename        string
	MaxNumPages     int
	MaxFileSize     int64
	PipelineOptions map[string]any
}

// ConvertResult is the engine's answer: its version string and the raw
// structured-document JSON, stored verbatim as the canonical artifact.
type ConvertResult struct {
	Version  string
	Document json.RawMessage
}

// Convert uploads the file at path and returns the structured document.
func (c *Client) Convert(ctx context.Context, path string, req ConvertRequest) (*ConvertResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engine: open source: %w", err)
	}
	defer f.Close()

	opts := map[string]any{}
	if req.MaxNumPages > 0 {
		opts["max_num_pages"] = req.MaxNumPages
	}
	if req.MaxFileSize > 0 {
		opts["max_file_size"] = req.MaxFileSize
	}
	if len(req.PipelineOptions) > 0 {
		opts["pipeline_options"] = req.PipelineOptions
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("engine: encode options: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("options", string(optsJSON)); err != nil {
		return nil, fmt.Errorf("engine: write options field: %w", err)
	}
	name := req.Filename
	if name == "" {
		name = filepath.Base(path)
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("engine: create file field: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, fmt.Errorf("engine: copy source: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("engine: finish multipart: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/convert", &body)
	if err != nil {
		return nil, fmt.Errorf("engine: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("engine: convert call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := guard.LimitedReadAll(resp.Body, 4096)
		return nil, fmt.Errorf("engine: convert returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	data, err := guard.LimitedReadAll(resp.Body, 256<<20)
	if err != nil {
		return nil, fmt.Errorf("engine: read convert reply: %w", err)
	}
	var reply struct {
		Version  string          `json:"version"`
		Document json.RawMessage `json:"document"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("engine: decode convert reply: %w", err)
	}
	if len(reply.Document) == 0 {
		return nil, fmt.Errorf("engine: convert reply has no document")
	}
	return &ConvertResult{Version: reply.Version, Document: reply.Document}, nil
}

// Version asks the engine for its version string. Used by /healthz.
func (c *Client) Version(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return "", fmt.Errorf("engine: build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("engine: health call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("engine: health returned %d", resp.StatusCode)
	}
	data, err := guard.LimitedReadAll(resp.Body, 4096)
	if err != nil {
		return "", fmt.Errorf("engine: read health reply: %w", err)
	}
	var reply struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return "", fmt.Errorf("engine: decode health reply: %w", err)
	}
	return reply.Version, nil
}
