// Package index talks to the external document index that mirrors announcement
// text for semantic retrieval. The local store only ever holds the opaque
// document id the index hands back; the index's own structure stays remote.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNotConfigured means the resolved credential tuple is incomplete.
	// Callers must treat index operations as unavailable, never as failed
	// relational writes.
	ErrNotConfigured = errors.New("index: not configured")
	// ErrNotFound means the index no longer knows the referenced document.
	ErrNotFound = errors.New("index: document not found")
)

// Config is the resolved connection tuple for one call. It is produced by the
// caller (settings row over env default) and carries no state of its own.
type Config struct {
	BaseURL   string
	APIKey    string
	DatasetID string
}

// Resolved reports whether every element of the tuple is present.
func (c Config) Resolved() bool {
	return strings.TrimSpace(c.BaseURL) != "" &&
		strings.TrimSpace(c.APIKey) != "" &&
		strings.TrimSpace(c.DatasetID) != ""
}

type Client struct {
	http *http.Client
}

// NewClient creates an index client. Every call is a single round trip bounded
// by timeout; exceeding it surfaces as a generic transport error, never as
// ErrNotFound.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

type documentEnvelope struct {
	Document struct {
		ID string `json:"id"`
	} `json:"document"`
}

// CreateDocument registers a new document and returns its index-assigned id.
func (c *Client) CreateDocument(ctx context.Context, cfg Config, name, text string) (string, error) {
	if !cfg.Resolved() {
		return "", ErrNotConfigured
	}
	url := fmt.Sprintf("%s/datasets/%s/document/create_by_text", strings.TrimRight(cfg.BaseURL, "/"), cfg.DatasetID)
	body := map[string]any{
		"name":               name,
		"text":               text,
		"indexing_technique": "high_quality",
		"process_rule":       map[string]any{"mode": "automatic"},
	}

	var envelope documentEnvelope
	if err := c.postJSON(ctx, cfg, url, body, &envelope); err != nil {
		return "", err
	}
	if envelope.Document.ID == "" {
		return "", fmt.Errorf("index: create returned no document id")
	}
	return envelope.Document.ID, nil
}

// UpdateDocument replaces the text of an existing document. Returns ErrNotFound
// when the index has forgotten the document, so the caller can repair drift.
func (c *Client) UpdateDocument(ctx context.Context, cfg Config, docID, name, text string) (string, error) {
	if !cfg.Resolved() {
		return "", ErrNotConfigured
	}
	url := fmt.Sprintf("%s/datasets/%s/documents/%s/update_by_text", strings.TrimRight(cfg.BaseURL, "/"), cfg.DatasetID, docID)
	body := map[string]any{
		"name":         name,
		"text":         text,
		"process_rule": map[string]any{"mode": "automatic"},
	}

	var envelope documentEnvelope
	if err := c.postJSON(ctx, cfg, url, body, &envelope); err != nil {
		return "", err
	}
	if envelope.Document.ID == "" {
		return docID, nil
	}
	return envelope.Document.ID, nil
}

// DeleteDocument removes a document. A 404 means the desired end state already
// holds, so it is reported as success; delete is idempotent.
func (c *Client) DeleteDocument(ctx context.Context, cfg Config, docID string) error {
	if !cfg.Resolved() {
		return ErrNotConfigured
	}
	url := fmt.Sprintf("%s/datasets/%s/documents/%s", strings.TrimRight(cfg.BaseURL, "/"), cfg.DatasetID, docID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("index: build delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("index: delete document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("index: delete document: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, cfg Config, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("index: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("index: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("index: call %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("index: unexpected status %d from %s", resp.StatusCode, url)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("index: decode response: %w", err)
	}
	return nil
}
