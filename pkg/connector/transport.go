// Copyright 2025-2026 Disclawd Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"

	"github.com/disclawd/openclaw-disclawd/pkg/wire"
)

// TransportEvent is one decoded wire envelope plus the name of the
// subscription it arrived on (empty when the source carried none).
type TransportEvent struct {
	Envelope *wire.Envelope
	Channel  string
}

// Status is the two-state connection status surfaced to the host.
type Status struct {
	Connected bool
	Reason    string
}

// Transport is the contract shared by the in-process multiplexed socket
// client and the out-of-process stream delegate. The gateway never branches
// on which implementation is active.
type Transport interface {
	// Start opens the transport. The context bounds the transport's whole
	// lifetime; cancelling it is equivalent to Stop.
	Start(ctx context.Context) error
	// Stop tears the transport down. Idempotent.
	Stop()
	// AddChannel opens a live subscription for a logical channel name such
	// as "channel.c1". Transports that discover channels themselves treat
	// this as a no-op.
	AddChannel(name string) error
	// RemoveChannel closes the subscription for a logical channel name.
	RemoveChannel(name string)
}

// transportCallbacks hook a transport back into its gateway.
type transportCallbacks struct {
	onEvent  func(TransportEvent)
	onStatus func(Status)
	// authorize fetches a realtime token scoped to the gateway's current
	// interest set. socketID may be empty for transports without a session.
	authorize func(ctx context.Context, socketID string) (string, error)
}

// wireChannelName converts a logical interest-set name to the subscription
// name used on the wire.
func wireChannelName(logical string) string {
	return "private-" + logical
}
