// Copyright 2025-2026 Disclawd Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package wire

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseEnvelope(t *testing.T) {
	t.Parallel()
	env, err := ParseEnvelope([]byte(`{"event":"MessageSent","payload":{"id":"m1"}}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Event != EventMessageSent {
		t.Errorf("event: got %q, want %q", env.Event, EventMessageSent)
	}
	var p MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.ID != "m1" {
		t.Errorf("payload id: got %q, want %q", p.ID, "m1")
	}
}

func TestParseEnvelopeUnknownTagAccepted(t *testing.T) {
	t.Parallel()
	env, err := ParseEnvelope([]byte(`{"event":"SomethingNew","payload":{}}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Event != EventType("SomethingNew") {
		t.Errorf("event: got %q", env.Event)
	}
}

func TestParseEnvelopeRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		data string
	}{
		{"empty tag", `{"event":"","payload":{}}`},
		{"missing tag", `{"payload":{}}`},
		{"not json", `{"event":`},
		{"wrong shape", `["MessageSent"]`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseEnvelope([]byte(tc.data)); err == nil {
				t.Errorf("ParseEnvelope(%q): expected error", tc.data)
			}
		})
	}
}

func TestParseLine(t *testing.T) {
	t.Parallel()
	line, err := ParseLine([]byte(`{"event":"TypingStarted","channel":"private-channel.c1","payload":{"channel_id":"c1","user_id":"u2"}}`))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if line.Event != EventTypingStarted {
		t.Errorf("event: got %q, want %q", line.Event, EventTypingStarted)
	}
	if line.Channel != "private-channel.c1" {
		t.Errorf("channel: got %q, want %q", line.Channel, "private-channel.c1")
	}
}

func TestParseLineRejectsMissingTag(t *testing.T) {
	t.Parallel()
	if _, err := ParseLine([]byte(`{"channel":"private-channel.c1","payload":{}}`)); err == nil {
		t.Error("expected error for line without event tag")
	}
}

func TestMessagePayloadTimestamps(t *testing.T) {
	t.Parallel()
	var p MessagePayload
	data := `{"id":"m1","channel_id":"c1","content":"hi","created_at":1767225600000,"edited_at":1767225660000}`
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	wantCreated := time.UnixMilli(1767225600000)
	if !p.CreatedAt.Time.Equal(wantCreated) {
		t.Errorf("created_at: got %v, want %v", p.CreatedAt.Time, wantCreated)
	}
	if got := p.EditedAt.Time.Sub(p.CreatedAt.Time); got != time.Minute {
		t.Errorf("edit delta: got %v, want %v", got, time.Minute)
	}
}

func TestMessagePayloadOptionalAuthor(t *testing.T) {
	t.Parallel()
	var p MessagePayload
	if err := json.Unmarshal([]byte(`{"id":"m1","channel_id":"c1","content":"x"}`), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Author != nil {
		t.Errorf("author: got %+v, want nil", p.Author)
	}
}
