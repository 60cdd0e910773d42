// Copyright 2025-2026 Disclawd Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package wire defines the Disclawd realtime wire model: the envelope carried
// on every pub/sub subscription, the closed set of event tags, and the
// tag-specific payload records.
//
// An envelope arrives in one of two forms: as a frame on a multiplexed
// subscribe channel named "private-<scope>.<id>", or as a newline-delimited
// JSON line from the external stream delegate, which carries the originating
// channel name inline (see [Line]).
package wire

import (
	"encoding/json"
	"fmt"

	"go.mau.fi/util/jsontime"
)

// EventType is one of the thirteen event tags Disclawd publishes. The set is
// closed; consumers dispatch over it exhaustively rather than through an open
// lookup table.
type EventType string

const (
	EventMessageSent       EventType = "MessageSent"
	EventMessageUpdated    EventType = "MessageUpdated"
	EventMessageDeleted    EventType = "MessageDeleted"
	EventTypingStarted     EventType = "TypingStarted"
	EventReactionAdded     EventType = "ReactionAdded"
	EventReactionRemoved   EventType = "ReactionRemoved"
	EventThreadCreated     EventType = "ThreadCreated"
	EventThreadUpdated     EventType = "ThreadUpdated"
	EventMemberJoined      EventType = "MemberJoined"
	EventMemberLeft        EventType = "MemberLeft"
	EventDmCreated         EventType = "DmCreated"
	EventDmMessageReceived EventType = "DmMessageReceived"
	EventMentionReceived   EventType = "MentionReceived"
)

// Envelope is the {event, payload} unit carried on a subscription.
type Envelope struct {
	Event   EventType       `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Line is the NDJSON form emitted by the external stream delegate. Unlike a
// subscription frame, the originating channel name travels inline.
type Line struct {
	Event   EventType       `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Channel string          `json:"channel"`
}

// ParseEnvelope decodes a single wire envelope. An empty event tag is
// rejected; unknown tags are not, so the normalizer can decide how to treat
// them.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("envelope missing event tag")
	}
	return &env, nil
}

// ParseLine decodes one NDJSON line from the stream delegate.
func ParseLine(data []byte) (*Line, error) {
	var line Line
	if err := json.Unmarshal(data, &line); err != nil {
		return nil, fmt.Errorf("malformed line: %w", err)
	}
	if line.Event == "" {
		return nil, fmt.Errorf("line missing event tag")
	}
	return &line, nil
}

// User identifies the actor of an event.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsBot     bool   `json:"is_bot,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Mention is one resolved mention inside a message body.
type Mention struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MessagePayload is the payload of MessageSent, MessageUpdated,
// DmMessageReceived and MentionReceived. Timestamps are millisecond epochs.
type MessagePayload struct {
	ID        string             `json:"id"`
	ChannelID string             `json:"channel_id"`
	ServerID  string             `json:"server_id,omitempty"`
	ThreadID  string             `json:"thread_id,omitempty"`
	Author    *User              `json:"author,omitempty"`
	Content   string             `json:"content"`
	Mentions  []Mention          `json:"mentions,omitempty"`
	CreatedAt jsontime.UnixMilli `json:"created_at"`
	EditedAt  jsontime.UnixMilli `json:"edited_at,omitempty"`
}

// MessageDeletedPayload carries no author: deletions are not attributable on
// the wire.
type MessageDeletedPayload struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

// TypingPayload is a transient notification without a timestamp of its own.
type TypingPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name,omitempty"`
}

// ReactionPayload omits the channel id; the gateway back-fills it from the
// originating channel name.
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name,omitempty"`
}

// ThreadCreatedPayload announces a new thread under a parent channel.
type ThreadCreatedPayload struct {
	ID        string             `json:"id"`
	ChannelID string             `json:"channel_id"`
	ServerID  string             `json:"server_id,omitempty"`
	Title     string             `json:"title,omitempty"`
	CreatorID string             `json:"creator_id,omitempty"`
	CreatedAt jsontime.UnixMilli `json:"created_at"`
}

// ThreadUpdatedPayload omits the channel id, like reactions.
type ThreadUpdatedPayload struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// MemberPayload is the payload of MemberJoined and MemberLeft. It carries a
// server id but no channel id.
type MemberPayload struct {
	ServerID string `json:"server_id"`
	User     *User  `json:"user"`
}

// DmCreatedPayload announces a new direct-message channel.
type DmCreatedPayload struct {
	ChannelID string             `json:"channel_id"`
	Users     []User             `json:"users,omitempty"`
	CreatedAt jsontime.UnixMilli `json:"created_at"`
}
