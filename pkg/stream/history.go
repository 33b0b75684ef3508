// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the history client: plain request/response calls for
// the non-streaming endpoints (history sidebars, record restoration, session
// lifecycle). It shares the HTTPClient abstraction with the streaming path
// so tests inject one transport for both.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// =============================================================================
// History Records
// =============================================================================

// SearchHistoryEntry is one row of the search history sidebar.
type SearchHistoryEntry struct {
	SearchID    string `json:"search_id"`
	Query       string `json:"query"`
	DisplayName string `json:"display_name"`
	Timestamp   string `json:"timestamp"`
}

// SearchRecord is a stored search result, fetched for history restoration.
// The search id acts as the access token. Raw preserves the full server
// payload for fields a given server version may add.
type SearchRecord struct {
	SearchID      string          `json:"search_id"`
	OriginalQuery string          `json:"original_query"`
	DisplayName   string          `json:"display_name"`
	Timestamp     string          `json:"timestamp"`
	Answer        string          `json:"answer"`
	Raw           json.RawMessage `json:"-"`
}

// ChatSessionSummary is one row of the chat history sidebar.
type ChatSessionSummary struct {
	SessionID    string `json:"session_id"`
	FirstMessage string `json:"first_message"`
	DisplayName  string `json:"display_name"`
	MessageCount int    `json:"message_count"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// ChatExchange is one user/assistant pair of a restored conversation,
// complete with the thinking steps recorded while producing it.
type ChatExchange struct {
	ResponseID       string          `json:"response_id"`
	SessionID        string          `json:"session_id"`
	UserMessage      string          `json:"user_message"`
	AssistantMessage string          `json:"assistant_message"`
	Mode             string          `json:"mode"`
	ThinkingSteps    []ThinkingStep  `json:"thinking_steps"`
	Sources          json.RawMessage `json:"sources"`
}

// ChatConversation is the full restorable state of one session.
type ChatConversation struct {
	SessionID     string         `json:"session_id"`
	Responses     []ChatExchange `json:"responses"`
	TotalMessages int            `json:"total_messages"`
}

// =============================================================================
// History Client
// =============================================================================

// HistoryClient calls the backend's non-streaming endpoints.
//
// All methods return ErrBackendUnreachable-wrapped errors when the server
// cannot be reached and *ProtocolError on non-2xx responses, matching the
// streaming path's error taxonomy.
type HistoryClient struct {
	client  HTTPClient
	baseURL string
}

// NewHistoryClient creates a client for the backend at baseURL (no trailing
// slash). Pass nil to use the default transport.
func NewHistoryClient(baseURL string, client HTTPClient) *HistoryClient {
	if client == nil {
		client = NewHTTPClient(nil)
	}
	return &HistoryClient{client: client, baseURL: baseURL}
}

// SearchHistory fetches the search history sidebar entries, newest first.
func (h *HistoryClient) SearchHistory(ctx context.Context) ([]SearchHistoryEntry, error) {
	var entries []SearchHistoryEntry
	if err := h.getJSON(ctx, h.baseURL+"/api/v1/search/history", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// SearchRecord fetches a stored search result by id.
func (h *HistoryClient) SearchRecord(ctx context.Context, searchID string) (*SearchRecord, error) {
	endpoint := h.baseURL + "/api/v1/search/record/" + url.PathEscape(searchID)

	raw, err := h.getRaw(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var record SearchRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode search record: %w", err)
	}
	record.Raw = raw
	return &record, nil
}

// ChatSessions fetches the chat history sidebar entries, newest first.
func (h *HistoryClient) ChatSessions(ctx context.Context) ([]ChatSessionSummary, error) {
	var body struct {
		Sessions []ChatSessionSummary `json:"sessions"`
	}
	if err := h.getJSON(ctx, h.baseURL+"/api/v1/chat/history", &body); err != nil {
		return nil, err
	}
	return body.Sessions, nil
}

// ChatSession fetches the full conversation for a session id.
func (h *HistoryClient) ChatSession(ctx context.Context, sessionID string) (*ChatConversation, error) {
	endpoint := h.baseURL + "/api/v1/chat/session/" + url.PathEscape(sessionID)

	var conv ChatConversation
	if err := h.getJSON(ctx, endpoint, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteSession deletes a chat session and its stored conversation.
func (h *HistoryClient) DeleteSession(ctx context.Context, sessionID string) error {
	endpoint := h.baseURL + "/api/v1/chat/session/" + url.PathEscape(sessionID)

	resp, err := h.client.Delete(ctx, endpoint)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	return drainAndCheck(resp)
}

// ClearSession clears a session's conversation but keeps the session alive,
// so a follow-up turn reuses the same id with an empty history.
func (h *HistoryClient) ClearSession(ctx context.Context, sessionID string) error {
	endpoint := h.baseURL + "/api/v1/chat/session/" + url.PathEscape(sessionID) + "/clear"

	resp, err := h.client.Post(ctx, endpoint, "application/json", nil)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	return drainAndCheck(resp)
}

// StopSession asks the server to stop generating for a session. The
// streaming controller calls this automatically on chat cancel; it is
// exported for callers managing sessions out of band.
func (h *HistoryClient) StopSession(ctx context.Context, sessionID string) error {
	endpoint := h.baseURL + "/api/v1/chat/session/" + url.PathEscape(sessionID) + "/stop"

	resp, err := h.client.Post(ctx, endpoint, "application/json", nil)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	return drainAndCheck(resp)
}

// =============================================================================
// Internals
// =============================================================================

func (h *HistoryClient) getJSON(ctx context.Context, endpoint string, out any) error {
	raw, err := h.getRaw(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", endpoint, err)
	}
	return nil
}

func (h *HistoryClient) getRaw(ctx context.Context, endpoint string) (json.RawMessage, error) {
	resp, err := h.client.Get(ctx, endpoint)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Message: statusMessage(resp.StatusCode, body)}
	}
	return body, nil
}

// drainAndCheck consumes a response we only care about the status of.
func drainAndCheck(resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return &ProtocolError{StatusCode: resp.StatusCode, Message: statusMessage(resp.StatusCode, body)}
	}
	return nil
}

// statusMessage extracts the server's error detail, preferring the JSON
// {"detail": ...} shape over the raw body.
func statusMessage(status int, body []byte) string {
	var payload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if len(body) > 0 {
		return string(body)
	}
	return http.StatusText(status)
}
