// Copyright 2025-2026 Disclawd Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package rest is the HTTP client for the Disclawd REST API. It speaks JSON
// with bearer-token auth, surfaces every non-2xx response as an [*APIError]
// carrying status, body and path, and retries a 429 exactly once after the
// server-indicated (or default) delay. Rate-limit headers are parsed so the
// caller's limiter can correct its own accounting.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
)

const (
	apiPrefix = "/api/v1"

	// defaultRetryDelay applies when a 429 carries no Retry-After hint.
	defaultRetryDelay = time.Second

	// maxErrorBody caps how much of an error response is retained.
	maxErrorBody = 4096
)

// APIError is a non-2xx response from the Disclawd API.
type APIError struct {
	StatusCode int
	Path       string
	Body       string
	// RetryAfter is the server-indicated backoff on a 429, zero otherwise.
	RetryAfter time.Duration
	// Remaining is the quota reported via X-RateLimit-Remaining, or -1 when
	// the header was absent.
	Remaining float64
}

func (e *APIError) Error() string {
	return fmt.Sprintf("disclawd api: %s returned %d: %s", e.Path, e.StatusCode, e.Body)
}

// IsRateLimited reports whether the error is a 429 throttle response.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// User is the identity record returned by /users/me.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	IsBot bool   `json:"is_bot,omitempty"`
}

// Channel is a channel summary as returned by server channel discovery.
type Channel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ServerID string `json:"server_id,omitempty"`
}

// Message is a created or updated message.
type Message struct {
	ID        string             `json:"id"`
	ChannelID string             `json:"channel_id"`
	ThreadID  string             `json:"thread_id,omitempty"`
	Content   string             `json:"content"`
	CreatedAt jsontime.UnixMilli `json:"created_at"`
}

// Thread is a created thread.
type Thread struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Title     string `json:"title,omitempty"`
}

// AuthGrant is a realtime authorization token scoped to a channel set.
type AuthGrant struct {
	Token     string             `json:"token"`
	ExpiresAt jsontime.UnixMilli `json:"expires_at"`
}

// Client talks to one Disclawd server on behalf of one account.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	log     zerolog.Logger

	// retryDelay overrides defaultRetryDelay; tests shorten it.
	retryDelay time.Duration
}

// NewClient creates a client for the given base URL and bearer token.
func NewClient(baseURL, token string, log zerolog.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		token:   token,
		log:     log.With().Str("component", "rest").Logger(),
	}
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
	}

	apiErr, err := c.once(ctx, method, path, payload, out)
	if err != nil {
		return err
	}
	if apiErr == nil {
		return nil
	}
	if !apiErr.IsRateLimited() {
		return apiErr
	}

	// One retry after the server-indicated delay. Anything else propagates.
	delay := apiErr.RetryAfter
	if delay <= 0 {
		delay = c.retryDelay
	}
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	c.log.Debug().Str("path", path).Dur("delay", delay).Msg("Rate limited, retrying once")
	timer := time.NewTimer(delay)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}

	apiErr, err = c.once(ctx, method, path, payload, out)
	if err != nil {
		return err
	}
	if apiErr != nil {
		return apiErr
	}
	return nil
}

// once performs a single HTTP round trip. A non-2xx status is returned as an
// *APIError value rather than an error so the caller can decide on retries.
func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) (*APIError, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{
			StatusCode: resp.StatusCode,
			Path:       path,
			Body:       string(body),
			RetryAfter: retryAfterHint(resp.Header),
			Remaining:  remainingHint(resp.Header),
		}, nil
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil, nil
}

// retryAfterHint parses a Retry-After header given in seconds.
func retryAfterHint(header http.Header) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

func remainingHint(header http.Header) float64 {
	if v := header.Get("X-RateLimit-Remaining"); v != "" {
		if remaining, err := strconv.ParseFloat(v, 64); err == nil {
			return remaining
		}
	}
	return -1
}

// GetMe resolves the authenticated account's own identity.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// RealtimeAuth fetches a realtime authorization token scoped to the given
// subscription channel names for the given socket session.
func (c *Client) RealtimeAuth(ctx context.Context, socketID string, channels []string) (*AuthGrant, error) {
	req := map[string]any{
		"socket_id": socketID,
		"channels":  channels,
	}
	var grant AuthGrant
	if err := c.do(ctx, http.MethodPost, "/realtime/auth", req, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// JoinServer joins the account to a server. Joining a server the account is
// already a member of yields a 409.
func (c *Client) JoinServer(ctx context.Context, serverID string) error {
	return c.do(ctx, http.MethodPost, "/servers/"+url.PathEscape(serverID)+"/join", nil, nil)
}

// ListServerChannels discovers the member channels of a server.
func (c *Client) ListServerChannels(ctx context.Context, serverID string) ([]Channel, error) {
	var channels []Channel
	if err := c.do(ctx, http.MethodGet, "/servers/"+url.PathEscape(serverID)+"/channels", nil, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// CreateMessage posts a message to a channel.
func (c *Client) CreateMessage(ctx context.Context, channelID, content string) (*Message, error) {
	var msg Message
	req := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/messages", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// CreateThreadMessage posts a message to a thread.
func (c *Client) CreateThreadMessage(ctx context.Context, threadID, content string) (*Message, error) {
	var msg Message
	req := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateMessage edits an existing message.
func (c *Client) UpdateMessage(ctx context.Context, messageID, content string) (*Message, error) {
	var msg Message
	req := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPatch, "/messages/"+url.PathEscape(messageID), req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil)
}

// AddReaction reacts to a message with an emoji.
func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	return c.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID)+"/reactions/"+url.PathEscape(emoji), nil, nil)
}

// RemoveReaction removes the account's reaction from a message.
func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID)+"/reactions/"+url.PathEscape(emoji), nil, nil)
}

// CreateThread opens a thread under a channel, optionally rooted at a message.
func (c *Client) CreateThread(ctx context.Context, channelID, title, rootMessageID string) (*Thread, error) {
	req := map[string]string{}
	if title != "" {
		req["title"] = title
	}
	if rootMessageID != "" {
		req["message_id"] = rootMessageID
	}
	var thread Thread
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/threads", req, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

// Typing signals that the account is typing in a channel.
func (c *Client) Typing(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/typing", nil, nil)
}

// ThreadTyping signals that the account is typing in a thread.
func (c *Client) ThreadTyping(ctx context.Context, threadID string) error {
	return c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/typing", nil, nil)
}
