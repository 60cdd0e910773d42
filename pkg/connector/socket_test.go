// Copyright 2025-2026 Disclawd Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/disclawd/openclaw-disclawd/pkg/wire"
)

// fakeRealtimeServer accepts socket sessions, performs the server side of the
// handshake and hands every client frame to the test.
type fakeRealtimeServer struct {
	srv      *httptest.Server
	frames   chan socketFrame
	dials    atomic.Int32
	attempts atomic.Int32
	reject   atomic.Bool

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeRealtimeServer(t *testing.T) *fakeRealtimeServer {
	t.Helper()
	f := &fakeRealtimeServer{frames: make(chan socketFrame, 32)}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc(socketPath, func(w http.ResponseWriter, r *http.Request) {
		f.attempts.Add(1)
		if f.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := f.dials.Add(1)
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		payload, _ := json.Marshal(establishedPayload{SocketID: fmt.Sprintf("sock-%d", n)})
		if err := conn.WriteJSON(socketFrame{Event: frameEstablished, Payload: payload}); err != nil {
			return
		}
		for {
			var frame socketFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			f.frames <- frame
		}
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// push writes a frame to the connected client.
func (f *fakeRealtimeServer) push(t *testing.T, frame socketFrame) {
	t.Helper()
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		t.Fatal("no client connected")
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("push frame: %v", err)
	}
}

func (f *fakeRealtimeServer) dropClient() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (f *fakeRealtimeServer) nextFrame(t *testing.T) socketFrame {
	t.Helper()
	select {
	case frame := <-f.frames:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return socketFrame{}
	}
}

type socketFixture struct {
	server    *fakeRealtimeServer
	transport *socketTransport
	events    chan TransportEvent
	statuses  chan Status
	authCalls atomic.Int32
}

func startSocketTransport(t *testing.T, channels []string) *socketFixture {
	t.Helper()
	fx := &socketFixture{
		server:   newFakeRealtimeServer(t),
		events:   make(chan TransportEvent, 32),
		statuses: make(chan Status, 32),
	}
	cb := transportCallbacks{
		onEvent:  func(te TransportEvent) { fx.events <- te },
		onStatus: func(s Status) { fx.statuses <- s },
		authorize: func(ctx context.Context, socketID string) (string, error) {
			n := fx.authCalls.Add(1)
			return fmt.Sprintf("tok-%d", n), nil
		},
	}
	fx.transport = newSocketTransport(fx.server.srv.URL, channels, cb, zerolog.Nop())
	fx.transport.initialBackoff = 10 * time.Millisecond
	if err := fx.transport.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(fx.transport.Stop)
	return fx
}

func (fx *socketFixture) waitConnected(t *testing.T) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-fx.statuses:
			if s.Connected {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for connected status")
		}
	}
}

func TestSocketSubscribesOnConnect(t *testing.T) {
	t.Parallel()
	fx := startSocketTransport(t, []string{"channel.c1", "user.U"})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		frame := fx.server.nextFrame(t)
		if frame.Event != frameSubscribe {
			t.Fatalf("frame %d: got %q, want subscribe", i, frame.Event)
		}
		if frame.Token != "tok-1" {
			t.Errorf("token: got %q, want tok-1", frame.Token)
		}
		if frame.RequestID == "" {
			t.Error("subscribe frame missing request id")
		}
		seen[frame.Channel] = true
	}
	if !seen["private-channel.c1"] || !seen["private-user.U"] {
		t.Errorf("subscribed channels: got %v", seen)
	}
	fx.waitConnected(t)
}

func TestSocketDeliversEvents(t *testing.T) {
	t.Parallel()
	fx := startSocketTransport(t, []string{"channel.c1"})
	fx.server.nextFrame(t) // subscribe
	fx.waitConnected(t)

	payload, _ := json.Marshal(wire.MessagePayload{ID: "m1", ChannelID: "c1", Content: "hi"})
	fx.server.push(t, socketFrame{Event: "MessageSent", Channel: "private-channel.c1", Payload: payload})

	select {
	case te := <-fx.events:
		if te.Envelope.Event != wire.EventMessageSent {
			t.Errorf("event: got %q", te.Envelope.Event)
		}
		if te.Channel != "private-channel.c1" {
			t.Errorf("channel: got %q", te.Channel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSocketIgnoresMalformedAndControlFrames(t *testing.T) {
	t.Parallel()
	fx := startSocketTransport(t, []string{"channel.c1"})
	fx.server.nextFrame(t)
	fx.waitConnected(t)

	fx.server.push(t, socketFrame{Event: frameSubscribe, Channel: "private-channel.c1"})
	fx.server.push(t, socketFrame{}) // no event tag

	payload, _ := json.Marshal(wire.TypingPayload{ChannelID: "c1", UserID: "u2"})
	fx.server.push(t, socketFrame{Event: "TypingStarted", Channel: "private-channel.c1", Payload: payload})

	select {
	case te := <-fx.events:
		if te.Envelope.Event != wire.EventTypingStarted {
			t.Errorf("first delivered event: got %q, want the typing event", te.Envelope.Event)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSocketAuthExpiredResubscribes(t *testing.T) {
	t.Parallel()
	fx := startSocketTransport(t, []string{"channel.c1"})
	fx.server.nextFrame(t)
	fx.waitConnected(t)

	fx.server.push(t, socketFrame{Event: frameAuthExpired})

	frame := fx.server.nextFrame(t)
	if frame.Event != frameSubscribe {
		t.Fatalf("frame after expiry: got %q, want subscribe", frame.Event)
	}
	if frame.Token != "tok-2" {
		t.Errorf("token after expiry: got %q, want a fresh token", frame.Token)
	}
	if got := fx.authCalls.Load(); got != 2 {
		t.Errorf("auth calls: got %d, want 2", got)
	}
}

func TestSocketAddChannelLive(t *testing.T) {
	t.Parallel()
	fx := startSocketTransport(t, []string{"channel.c1"})
	fx.server.nextFrame(t)
	fx.waitConnected(t)

	if err := fx.transport.AddChannel("channel.c9"); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	frame := fx.server.nextFrame(t)
	if frame.Event != frameSubscribe || frame.Channel != "private-channel.c9" {
		t.Errorf("frame: got %q %q", frame.Event, frame.Channel)
	}

	// Adding the same channel again is a no-op.
	if err := fx.transport.AddChannel("channel.c9"); err != nil {
		t.Fatalf("AddChannel repeat: %v", err)
	}
	select {
	case frame := <-fx.server.frames:
		t.Errorf("unexpected frame for duplicate add: %+v", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSocketRemoveChannel(t *testing.T) {
	t.Parallel()
	fx := startSocketTransport(t, []string{"channel.c1"})
	fx.server.nextFrame(t)
	fx.waitConnected(t)

	fx.transport.RemoveChannel("channel.c1")
	frame := fx.server.nextFrame(t)
	if frame.Event != frameUnsubscribe || frame.Channel != "private-channel.c1" {
		t.Errorf("frame: got %q %q", frame.Event, frame.Channel)
	}
}

func TestSocketRedialsAfterDrop(t *testing.T) {
	t.Parallel()
	fx := startSocketTransport(t, []string{"channel.c1"})
	fx.server.nextFrame(t)
	fx.waitConnected(t)

	fx.server.dropClient()

	// The redial loop reports the drop and comes back with a new session.
	deadline := time.After(10 * time.Second)
	sawDisconnect := false
	for {
		select {
		case s := <-fx.statuses:
			if !s.Connected {
				sawDisconnect = true
				continue
			}
			if !sawDisconnect {
				t.Fatal("reconnected without reporting the drop")
			}
			if got := fx.server.dials.Load(); got < 2 {
				t.Errorf("dials: got %d, want a redial", got)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for redial")
		}
	}
}

// waitAttempts blocks until the server has seen at least n dial attempts.
func waitAttempts(t *testing.T, server *fakeRealtimeServer, n int32) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for server.attempts.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d dial attempts, saw %d", n, server.attempts.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSocketBackoffResetsAfterConnect(t *testing.T) {
	t.Parallel()
	fx := startSocketTransport(t, []string{"channel.c1"})
	fx.server.nextFrame(t)
	fx.waitConnected(t)

	// Grow the backoff through a run of refused dials, then let one through.
	base := fx.server.attempts.Load()
	fx.server.reject.Store(true)
	fx.server.dropClient()
	waitAttempts(t, fx.server, base+6)
	fx.server.reject.Store(false)
	fx.server.nextFrame(t)
	fx.waitConnected(t)

	// A drop after a healthy session must be retried at the initial backoff,
	// not at whatever the failed run had escalated to.
	start := time.Now()
	fx.server.dropClient()
	fx.server.nextFrame(t)
	fx.waitConnected(t)
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("redial after healthy session took %v, want the initial backoff", elapsed)
	}
}

func TestSocketStopCancelsAddChannelAuthorize(t *testing.T) {
	t.Parallel()
	server := newFakeRealtimeServer(t)
	statuses := make(chan Status, 32)
	authStarted := make(chan struct{}, 1)
	var calls atomic.Int32
	cb := transportCallbacks{
		onEvent:  func(TransportEvent) {},
		onStatus: func(s Status) { statuses <- s },
		authorize: func(ctx context.Context, socketID string) (string, error) {
			if calls.Add(1) == 1 {
				return "tok-1", nil
			}
			authStarted <- struct{}{}
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	tr := newSocketTransport(server.srv.URL, []string{"channel.c1"}, cb, zerolog.Nop())
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(tr.Stop)
	server.nextFrame(t)
	deadline := time.After(5 * time.Second)
	for connected := false; !connected; {
		select {
		case s := <-statuses:
			connected = s.Connected
		case <-deadline:
			t.Fatal("timed out waiting for connected status")
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- tr.AddChannel("channel.c9") }()
	<-authStarted
	tr.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("AddChannel: got %v, want context cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AddChannel kept running past Stop")
	}
}

func TestSocketStopIdempotent(t *testing.T) {
	t.Parallel()
	fx := startSocketTransport(t, []string{"channel.c1"})
	fx.server.nextFrame(t)
	fx.waitConnected(t)

	fx.transport.Stop()
	fx.transport.Stop()

	if err := fx.transport.Start(context.Background()); err == nil {
		t.Error("Start after Stop should fail")
	}
}

func TestHTTPToWS(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"https://api.disclawd.com", "wss://api.disclawd.com"},
		{"http://localhost:8080", "ws://localhost:8080"},
		{"wss://already.ws", "wss://already.ws"},
	}
	for _, tc := range cases {
		if got := httpToWS(tc.in); got != tc.want {
			t.Errorf("httpToWS(%q): got %q, want %q", tc.in, got, tc.want)
		}
	}
}
