// Copyright 2025-2026 Disclawd Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package normalize maps Disclawd wire envelopes to the vendor-neutral event
// model exposed to the host. Mapping is a pure function of the envelope, the
// local agent's identity and the originating channel name; it performs
// self-echo suppression, channel-id back-fill and requests auto-subscription
// for newly created threads and DM channels.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/util/jsontime"

	"github.com/disclawd/openclaw-disclawd/pkg/wire"
)

// Platform is the vendor tag stamped on every normalized event.
const Platform = "disclawd"

// Type is the closed set of normalized event types.
type Type string

const (
	TypeMessage        Type = "message"
	TypeMessageEdit    Type = "message.edit"
	TypeMessageDelete  Type = "message.delete"
	TypeTyping         Type = "typing"
	TypeReactionAdd    Type = "reaction.add"
	TypeReactionRemove Type = "reaction.remove"
	TypeThreadCreate   Type = "thread.create"
	TypeThreadUpdate   Type = "thread.update"
	TypePresenceJoin   Type = "presence.join"
	TypePresenceLeave  Type = "presence.leave"
	TypeDmCreate       Type = "dm.create"
	TypeMention        Type = "mention"
)

// Author identifies the actor of a normalized event.
type Author struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsBot     bool   `json:"isBot"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Mention is one resolved mention carried on a message event.
type Mention struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Event is the vendor-neutral record delivered to the host. ChannelID is
// resolved before the event leaves the gateway boundary, or stays empty only
// when no resolution is possible.
type Event struct {
	ID        string         `json:"id"`
	ChannelID string         `json:"channelId"`
	ServerID  string         `json:"serverId,omitempty"`
	AccountID string         `json:"accountId"`
	Platform  string         `json:"platform"`
	Type      Type           `json:"type"`
	Author    *Author        `json:"author,omitempty"`
	Content   string         `json:"content,omitempty"`
	Mentions  []Mention      `json:"mentions,omitempty"`
	ThreadID  string         `json:"threadId,omitempty"`
	IsDM      bool           `json:"isDm,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Raw       *wire.Envelope `json:"-"`
}

// Context is the identity of the local agent, used for self-echo suppression
// and event stamping.
type Context struct {
	MyUserID  string
	AccountID string
}

// Result is the outcome of mapping one envelope. Event is nil when the
// envelope was a self-echo. AutoSubscribe, when non-empty, is a logical
// channel name the gateway should add to its interest set.
type Result struct {
	Event         *Event
	AutoSubscribe string
}

// MapEvent translates one wire envelope. It returns an error for payloads
// that cannot be decoded and for tags outside the closed set; callers discard
// both silently. A nil error with a nil Result.Event means the envelope was
// suppressed as a self-echo.
func MapEvent(env *wire.Envelope, mctx Context, originChannel string) (*Result, error) {
	switch env.Event {
	case wire.EventMessageSent:
		return mapMessage(env, mctx, originChannel, TypeMessage, false)
	case wire.EventMessageUpdated:
		return mapMessage(env, mctx, originChannel, TypeMessageEdit, false)
	case wire.EventMessageDeleted:
		var p wire.MessageDeletedPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		// Deletions carry no author, so there is nothing to echo-filter on.
		return &Result{Event: stamp(&Event{
			ID:        p.ID,
			ChannelID: resolveChannel(p.ChannelID, originChannel),
			Type:      TypeMessageDelete,
			Timestamp: time.Now(),
			Raw:       env,
		}, mctx)}, nil
	case wire.EventTypingStarted:
		var p wire.TypingPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		if p.UserID == mctx.MyUserID {
			return &Result{}, nil
		}
		return &Result{Event: stamp(&Event{
			ID:        uuid.NewString(),
			ChannelID: resolveChannel(p.ChannelID, originChannel),
			Type:      TypeTyping,
			Author:    &Author{ID: p.UserID, Name: p.UserName},
			Timestamp: time.Now(),
			Raw:       env,
		}, mctx)}, nil
	case wire.EventReactionAdded:
		return mapReaction(env, mctx, originChannel, TypeReactionAdd)
	case wire.EventReactionRemoved:
		return mapReaction(env, mctx, originChannel, TypeReactionRemove)
	case wire.EventThreadCreated:
		var p wire.ThreadCreatedPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		evt := stamp(&Event{
			ID:        p.ID,
			ChannelID: resolveChannel(p.ChannelID, originChannel),
			ServerID:  p.ServerID,
			Type:      TypeThreadCreate,
			Content:   p.Title,
			ThreadID:  p.ID,
			Timestamp: timestampOr(p.CreatedAt),
			Raw:       env,
		}, mctx)
		res := &Result{Event: evt}
		if p.ID != "" {
			res.AutoSubscribe = "thread." + p.ID
		}
		return res, nil
	case wire.EventThreadUpdated:
		var p wire.ThreadUpdatedPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return &Result{Event: stamp(&Event{
			ID:        p.ID,
			ChannelID: resolveChannel("", originChannel),
			Type:      TypeThreadUpdate,
			Content:   p.Title,
			ThreadID:  p.ID,
			Timestamp: time.Now(),
			Raw:       env,
		}, mctx)}, nil
	case wire.EventMemberJoined:
		return mapMember(env, mctx, originChannel, TypePresenceJoin)
	case wire.EventMemberLeft:
		return mapMember(env, mctx, originChannel, TypePresenceLeave)
	case wire.EventDmCreated:
		var p wire.DmCreatedPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		channelID := resolveChannel(p.ChannelID, originChannel)
		evt := stamp(&Event{
			ID:        p.ChannelID,
			ChannelID: channelID,
			Type:      TypeDmCreate,
			IsDM:      true,
			Timestamp: timestampOr(p.CreatedAt),
			Raw:       env,
		}, mctx)
		if evt.ID == "" {
			evt.ID = uuid.NewString()
		}
		res := &Result{Event: evt}
		if channelID != "" {
			res.AutoSubscribe = "channel." + channelID
		}
		return res, nil
	case wire.EventDmMessageReceived:
		return mapMessage(env, mctx, originChannel, TypeMessage, true)
	case wire.EventMentionReceived:
		return mapMessage(env, mctx, originChannel, TypeMention, false)
	default:
		return nil, fmt.Errorf("unknown event tag %q", env.Event)
	}
}

func mapMessage(env *wire.Envelope, mctx Context, originChannel string, typ Type, dm bool) (*Result, error) {
	var p wire.MessagePayload
	if err := decode(env, &p); err != nil {
		return nil, err
	}
	if p.Author != nil && p.Author.ID == mctx.MyUserID {
		return &Result{}, nil
	}
	ts := p.CreatedAt
	if typ == TypeMessageEdit && !p.EditedAt.IsZero() {
		ts = p.EditedAt
	}
	return &Result{Event: stamp(&Event{
		ID:        p.ID,
		ChannelID: resolveChannel(p.ChannelID, originChannel),
		ServerID:  p.ServerID,
		Type:      typ,
		Author:    authorOf(p.Author),
		Content:   p.Content,
		Mentions:  mentionsOf(p.Mentions),
		ThreadID:  p.ThreadID,
		IsDM:      dm,
		Timestamp: timestampOr(ts),
		Raw:       env,
	}, mctx)}, nil
}

func mapReaction(env *wire.Envelope, mctx Context, originChannel string, typ Type) (*Result, error) {
	var p wire.ReactionPayload
	if err := decode(env, &p); err != nil {
		return nil, err
	}
	if p.UserID == mctx.MyUserID {
		return &Result{}, nil
	}
	return &Result{Event: stamp(&Event{
		ID:        uuid.NewString(),
		ChannelID: resolveChannel("", originChannel),
		Type:      typ,
		Author:    &Author{ID: p.UserID, Name: p.UserName},
		Content:   p.Emoji,
		Timestamp: time.Now(),
		Raw:       env,
	}, mctx)}, nil
}

func mapMember(env *wire.Envelope, mctx Context, originChannel string, typ Type) (*Result, error) {
	var p wire.MemberPayload
	if err := decode(env, &p); err != nil {
		return nil, err
	}
	return &Result{Event: stamp(&Event{
		ID:        uuid.NewString(),
		ChannelID: resolveChannel("", originChannel),
		ServerID:  p.ServerID,
		Type:      typ,
		Author:    authorOf(p.User),
		Timestamp: time.Now(),
		Raw:       env,
	}, mctx)}, nil
}

func decode(env *wire.Envelope, out any) error {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Event, err)
	}
	return nil
}

func stamp(evt *Event, mctx Context) *Event {
	evt.AccountID = mctx.AccountID
	evt.Platform = Platform
	return evt
}

func authorOf(u *wire.User) *Author {
	if u == nil {
		return nil
	}
	return &Author{ID: u.ID, Name: u.Name, IsBot: u.IsBot, AvatarURL: u.AvatarURL}
}

func mentionsOf(ms []wire.Mention) []Mention {
	if len(ms) == 0 {
		return nil
	}
	out := make([]Mention, len(ms))
	for i, m := range ms {
		out[i] = Mention{ID: m.ID, Name: m.Name}
	}
	return out
}

func timestampOr(t jsontime.UnixMilli) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t.Time
}

// resolveChannel back-fills a blank channel id from the originating channel
// name. Only "private-channel.<id>" and "private-thread.<id>" names resolve;
// anything else leaves the id blank.
func resolveChannel(channelID, originChannel string) string {
	if channelID != "" {
		return channelID
	}
	if id, ok := strings.CutPrefix(originChannel, "private-channel."); ok && id != "" {
		return id
	}
	if id, ok := strings.CutPrefix(originChannel, "private-thread."); ok && id != "" {
		return id
	}
	return ""
}
