// Copyright 2025-2026 Disclawd Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/disclawd/openclaw-disclawd/pkg/wire"
)

// maxLineSize bounds one NDJSON line from the delegate (1 MiB).
const maxLineSize = 1 << 20

// processTransport delegates the realtime stream to an external helper
// process. The helper self-discovers its channels, writes already-tagged
// NDJSON event lines to stdout, and human diagnostics to stderr; connection
// status is inferred from substring matches on those diagnostics.
type processTransport struct {
	path string
	args []string
	cb   transportCallbacks
	log  zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped bool
	cancel  context.CancelFunc
}

func newProcessTransport(path string, args []string, cb transportCallbacks, log zerolog.Logger) *processTransport {
	return &processTransport{
		path: path,
		args: args,
		cb:   cb,
		log:  log.With().Str("component", "process_transport").Logger(),
	}
}

func (t *processTransport) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		cancel()
		return fmt.Errorf("process transport already stopped")
	}
	cmd := exec.CommandContext(runCtx, t.path, t.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.mu.Unlock()
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.mu.Unlock()
		cancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		t.mu.Unlock()
		cancel()
		return fmt.Errorf("start %s: %w", t.path, err)
	}
	t.cmd = cmd
	t.cancel = cancel
	t.mu.Unlock()

	t.log.Info().Str("path", t.path).Msg("Stream delegate started")

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		t.consumeEvents(stdout)
	}()
	go func() {
		defer readers.Done()
		t.consumeDiagnostics(stderr)
	}()
	go func() {
		// Wait closes the pipes, so the process may only be reaped after
		// both readers have drained them to EOF. Reaping earlier discards
		// whatever lines are still buffered when the delegate exits.
		readers.Wait()
		err := cmd.Wait()
		if t.isStopped() {
			return
		}
		reason := "stream delegate exited"
		if err != nil {
			reason = fmt.Sprintf("stream delegate exited: %v", err)
		}
		t.cb.onStatus(Status{Connected: false, Reason: reason})
	}()
	return nil
}

// consumeEvents reads NDJSON event lines from the delegate's stdout.
// Malformed lines are discarded silently.
func (t *processTransport) consumeEvents(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		line, err := wire.ParseLine(raw)
		if err != nil {
			t.log.Debug().Err(err).Msg("Dropping malformed stream line")
			continue
		}
		t.cb.onEvent(TransportEvent{
			Envelope: &wire.Envelope{Event: line.Event, Payload: line.Payload},
			Channel:  line.Channel,
		})
	}
}

// consumeDiagnostics scans the delegate's stderr for connection state hints.
func (t *processTransport) consumeDiagnostics(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if status, ok := statusFromDiagnostic(line); ok {
			t.cb.onStatus(status)
		} else {
			t.log.Debug().Str("line", line).Msg("Delegate diagnostic")
		}
	}
}

// statusFromDiagnostic classifies one stderr line. Disconnect markers are
// checked first because "disconnected" contains "connected".
func statusFromDiagnostic(line string) (Status, bool) {
	lower := strings.ToLower(line)
	for _, marker := range []string{"disconnected", "connection lost", "stream error", "fatal"} {
		if strings.Contains(lower, marker) {
			return Status{Connected: false, Reason: strings.TrimSpace(line)}, true
		}
	}
	for _, marker := range []string{"connected", "stream online"} {
		if strings.Contains(lower, marker) {
			return Status{Connected: true}, true
		}
	}
	return Status{}, false
}

// AddChannel is a no-op: the delegate discovers its own channels.
func (t *processTransport) AddChannel(string) error { return nil }

// RemoveChannel is a no-op for the same reason.
func (t *processTransport) RemoveChannel(string) {}

func (t *processTransport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (t *processTransport) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
