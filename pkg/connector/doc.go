// Copyright 2025-2026 Disclawd Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector runs Disclawd accounts: it manages realtime connections,
// turns platform events into the vendor-neutral model and delivers outbound
// messages under per-target rate limits.
//
// # Core Types
//
// [Gateway] is the per-account ingestion side. It resolves the account's own
// identity, expands the configured servers and channels into a subscription
// interest set, drives one of two interchangeable [Transport] strategies and
// hands every surviving event to the host callback as a [normalize.Event].
// Self-echoes of the account's own actions are suppressed before delivery.
//
// [Sender] is the outbound side. Texts above the account's message limit are
// split at natural boundaries (fenced code blocks are never cut), chunks go
// out strictly in order with a spacing delay, and every REST call first waits
// for a token from the shared per-channel rate limiter.
//
// # Transports
//
// The socket transport multiplexes all subscriptions over one websocket with
// token-authorized private channels, re-authorizing in place when the server
// signals token expiry and redialing with capped backoff when the connection
// drops. The process transport delegates streaming to an external helper that
// writes NDJSON events on stdout; both feed the gateway through the same
// callback surface.
package connector
