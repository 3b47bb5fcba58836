// Package api is the client for the external account/contact service: user
// records, per-pair message history, and audio clip uploads. The core never
// manages that storage itself.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/petervdpas/converse/internal/proto"
	"github.com/petervdpas/converse/internal/util"
)

// User is one account record. Immutable once fetched; the contact list is
// refreshed wholesale, never patched.
type User struct {
	ID          string `json:"_id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	AvatarImage string `json:"avatarImage"` // base64 SVG payload
	IsAvatarSet bool   `json:"isAvatarImageSet"`
}

// HistoryEntry is one stored message of a conversation, as the service
// returns it.
type HistoryEntry struct {
	FromSelf bool       `json:"fromSelf"`
	Message  proto.Body `json:"message"`
}

// Client talks to the account/contact service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a Client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		HTTP:    &http.Client{Timeout: util.DefaultFetchTimeout},
	}
}

// getJSON performs a GET request, drains the response body, and decodes JSON
// into v.
func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("GET %s: status %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// postJSON posts body as JSON and decodes the response into v (v may be nil).
func (c *Client) postJSON(ctx context.Context, url string, body, v any) error {
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("POST %s: status %s", url, resp.Status)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// FetchContacts returns every user except selfID.
func (c *Client) FetchContacts(ctx context.Context, selfID string) ([]User, error) {
	var users []User
	if err := c.getJSON(ctx, c.BaseURL+"/api/auth/allusers/"+selfID, &users); err != nil {
		return nil, fmt.Errorf("api: fetch contacts: %w", err)
	}
	return users, nil
}

// FetchHistory returns the stored conversation between selfID and peerID in
// send order.
func (c *Client) FetchHistory(ctx context.Context, selfID, peerID string) ([]HistoryEntry, error) {
	body := map[string]string{"from": selfID, "to": peerID}
	var entries []HistoryEntry
	if err := c.postJSON(ctx, c.BaseURL+"/api/messages/getmsg", body, &entries); err != nil {
		return nil, fmt.Errorf("api: fetch history: %w", err)
	}
	return entries, nil
}

// UploadClip uploads a finalized audio clip (multipart field "audio") and
// returns the opaque media reference the service stores it under.
func (c *Client) UploadClip(ctx context.Context, name string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", name)
	if err != nil {
		return "", fmt.Errorf("api: upload clip: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("api: upload clip: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("api: upload clip: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/send-audio", &buf)
	if err != nil {
		return "", fmt.Errorf("api: upload clip: %w", err)
	}
	req.Header.Set("content-type", mw.FormDataContentType())

	httpc := &http.Client{Timeout: util.DefaultUploadTimeout}
	resp, err := httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("api: upload clip: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("api: upload clip: status %s", resp.Status)
	}
	var out struct {
		FilePath string `json:"filePath"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("api: upload clip: %w", err)
	}
	return out.FilePath, nil
}
