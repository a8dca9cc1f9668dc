package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/medvall/campus/internal/roster"
)

// Client talks to the campus REST API. All responses share the
// {success, message, ...} envelope; success=false surfaces as *Error.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// NewClient creates an API client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) { c.token = token }

// ListUsers fetches every user visible to the signed-in account.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var out struct {
		envelope
		Users []User `json:"users"`
	}
	if err := c.get(ctx, "/users", nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// MyGroups fetches the groups the signed-in user belongs to.
func (c *Client) MyGroups(ctx context.Context) ([]Group, error) {
	var out struct {
		envelope
		Data []Group `json:"data"`
	}
	if err := c.get(ctx, "/groupes/my-groups", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// History fetches the message history of one conversation. Entries that do
// not decode are skipped so one bad record cannot poison the whole batch.
func (c *Client) History(ctx context.Context, addr roster.Address) ([]WireMessage, error) {
	var out struct {
		envelope
		Data []json.RawMessage `json:"data"`
	}
	path := fmt.Sprintf("/messages/%d", addr.ID)
	params := url.Values{"isGroup": {strconv.FormatBool(addr.IsGroup())}}
	if err := c.get(ctx, path, params, &out); err != nil {
		return nil, err
	}

	msgs := make([]WireMessage, 0, len(out.Data))
	for _, raw := range out.Data {
		var m WireMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Attachment is an optional file sent with a message.
type Attachment struct {
	Name   string
	Reader io.Reader
}

// CreateMessage sends a message to the recipient or group named by addr.
// The API takes a multipart form: recipientId or groupId, content, and an
// optional image part.
func (c *Client) CreateMessage(ctx context.Context, addr roster.Address, content string, attachment *Attachment) (*CreatedMessage, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	recipient, group := "", ""
	if addr.IsGroup() {
		group = strconv.FormatInt(addr.ID, 10)
	} else {
		recipient = strconv.FormatInt(addr.ID, 10)
	}
	_ = w.WriteField("recipientId", recipient)
	_ = w.WriteField("groupId", group)
	_ = w.WriteField("content", content)

	if attachment != nil {
		part, err := w.CreateFormFile("image", attachment.Name)
		if err != nil {
			return nil, fmt.Errorf("attachment part: %w", err)
		}
		if _, err := io.Copy(part, attachment.Reader); err != nil {
			return nil, fmt.Errorf("copy attachment: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	var out struct {
		envelope
		ID       ID     `json:"id"`
		ImageURL string `json:"image_url"`
		SentAt   string `json:"date_envoi"`
	}
	if err := c.do(ctx, http.MethodPost, "/messages", &buf, w.FormDataContentType(), &out); err != nil {
		return nil, err
	}
	return &CreatedMessage{ID: int64(out.ID), ImageURL: out.ImageURL, SentAt: out.SentAt}, nil
}

// CreateGroup creates a group with the given members and returns its id.
func (c *Client) CreateGroup(ctx context.Context, name, description string, members []int64) (int64, error) {
	body := map[string]any{
		"nom":         name,
		"description": description,
		"members":     members,
	}
	var out struct {
		envelope
		ID ID `json:"id"`
	}
	if err := c.postJSON(ctx, "/groupes", body, &out); err != nil {
		return 0, err
	}
	return int64(out.ID), nil
}

// Notifications fetches the notification feed, newest first.
func (c *Client) Notifications(ctx context.Context) ([]Notification, error) {
	var out struct {
		envelope
		Data []json.RawMessage `json:"data"`
	}
	if err := c.get(ctx, "/notifications", nil, &out); err != nil {
		return nil, err
	}
	items := make([]Notification, 0, len(out.Data))
	for _, raw := range out.Data {
		var n Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			continue
		}
		items = append(items, n)
	}
	return items, nil
}

// UnreadCount fetches the number of unread notifications.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		envelope
		Count int `json:"count"`
	}
	if err := c.get(ctx, "/notifications/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// MarkNotificationRead marks a single notification as read.
func (c *Client) MarkNotificationRead(ctx context.Context, id int64) error {
	path := fmt.Sprintf("/notifications/%d/read", id)
	return c.do(ctx, http.MethodPut, path, nil, "", &struct{ envelope }{})
}

// MarkAllNotificationsRead marks every notification as read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/notifications/read-all", nil, "", &struct{ envelope }{})
}

// envelope is the common part of every API response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (e envelope) ok() bool       { return e.Success }
func (e envelope) reason() string { return e.Message }

type enveloped interface {
	ok() bool
	reason() string
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out enveloped) error {
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, "", out)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out enveloped) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(raw), "application/json", out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out enveloped) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response (%s %s): %w", method, path, err)
	}
	if !out.ok() {
		return &Error{Status: resp.StatusCode, Message: out.reason()}
	}
	return nil
}
