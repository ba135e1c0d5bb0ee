// Package remote is the HTTP client of the model service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"protoedit/editcore/internal/command"
	"protoedit/editcore/pkg/wire"

	"github.com/golang/glog"
)

// StatusError is returned for responses outside the 2xx range
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client talks to the model service REST endpoints
type Client struct {
	base   string
	http   *http.Client
	header http.Header
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithHeader adds a header to every request, e.g. an auth token
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.header.Set(key, value)
	}
}

// New creates a client for the service at baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimSuffix(baseURL, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		header: make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	glog.V(3).Infof("%s %s", method, path)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response of %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
	}
	return nil
}

func escape(id string) string {
	return url.PathEscape(id)
}

// GetApp loads a document
func (c *Client) GetApp(ctx context.Context, id string) (*wire.Document, error) {
	var doc wire.Document
	if err := c.do(ctx, http.MethodGet, "/rest/apps/"+escape(id), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// CreateApp stores doc as a new document and returns it with its id
func (c *Client) CreateApp(ctx context.Context, doc *wire.Document) (*wire.Document, error) {
	var created wire.Document
	if err := c.do(ctx, http.MethodPost, "/rest/apps", doc, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// SaveApp replaces the stored document
func (c *Client) SaveApp(ctx context.Context, doc *wire.Document) (*wire.Document, error) {
	var saved wire.Document
	if err := c.do(ctx, http.MethodPut, "/rest/apps/"+escape(doc.ID), doc, &saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

// UpdateApp applies changes to the stored document
func (c *Client) UpdateApp(ctx context.Context, doc *wire.Document, changes []wire.Change) (wire.UpdateResult, error) {
	req := wire.UpdateRequest{
		Changes:    changes,
		LastUpdate: doc.LastUpdate,
		Size:       doc.Size,
	}
	var res wire.UpdateResult
	err := c.do(ctx, http.MethodPost, "/rest/apps/"+escape(doc.ID)+"/update", req, &res)
	return res, err
}

// CopyApp duplicates a document under a new name
func (c *Client) CopyApp(ctx context.Context, id, name string) (*wire.Document, error) {
	var doc wire.Document
	if err := c.do(ctx, http.MethodPost, "/rest/apps/copy/"+escape(id), wire.CopyRequest{Name: name}, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetCommandStack loads the command stack of a document
func (c *Client) GetCommandStack(ctx context.Context, appID string) (*command.Stack, error) {
	var s command.Stack
	if err := c.do(ctx, http.MethodGet, "/rest/commands/"+escape(appID), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// AddCommand appends cmd to the stored stack
func (c *Client) AddCommand(ctx context.Context, appID string, cmd *command.Command) (wire.CommandAck, error) {
	var ack wire.CommandAck
	err := c.do(ctx, http.MethodPost, "/rest/commands/"+escape(appID), cmd, &ack)
	return ack, err
}

// DeleteCommand removes the last count commands of the stored stack
func (c *Client) DeleteCommand(ctx context.Context, appID string, count int) (wire.CommandAck, error) {
	var ack wire.CommandAck
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/rest/commands/%s/pop/%d", escape(appID), count), nil, &ack)
	return ack, err
}

// UndoCommand moves the stored stack position back
func (c *Client) UndoCommand(ctx context.Context, appID string) (wire.CommandAck, error) {
	var ack wire.CommandAck
	err := c.do(ctx, http.MethodPost, "/rest/commands/"+escape(appID)+"/undo", struct{}{}, &ack)
	return ack, err
}

// RedoCommand moves the stored stack position forward
func (c *Client) RedoCommand(ctx context.Context, appID string) (wire.CommandAck, error) {
	var ack wire.CommandAck
	err := c.do(ctx, http.MethodPost, "/rest/commands/"+escape(appID)+"/redo", struct{}{}, &ack)
	return ack, err
}
