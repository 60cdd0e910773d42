// Copyright 2025-2026 Disclawd Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/disclawd/openclaw-disclawd/pkg/ratelimit"
	"github.com/disclawd/openclaw-disclawd/pkg/rest"
)

const (
	defaultRatePerMinute  = 30
	defaultChunkDelay     = 200 * time.Millisecond
	defaultTypingInterval = 7 * time.Second
)

// SendTarget addresses one outbound delivery. A non-empty ThreadID routes to
// the thread endpoints; otherwise ChannelID is used.
type SendTarget struct {
	ChannelID string
	ThreadID  string
}

// scope is the rate-limit bucket key for this target.
func (t SendTarget) scope() string {
	if t.ThreadID != "" {
		return "thread:" + t.ThreadID
	}
	return "channel:" + t.ChannelID
}

// Sender delivers outbound messages: long texts are chunked, chunks are sent
// strictly in order with a spacing delay, every REST call waits for a
// rate-limit slot for the target first, and a typing indicator is kept alive
// for the duration of a delivery when enabled.
type Sender struct {
	rest    *rest.Client
	limiter *ratelimit.Limiter
	log     zerolog.Logger

	maxMessageLength int
	rateCapacity     int
	typing           bool

	chunkDelay     time.Duration
	typingInterval time.Duration
}

func NewSender(client *rest.Client, limiter *ratelimit.Limiter, cfg AccountConfig, log zerolog.Logger) *Sender {
	// A config that skipped LoadConfig may carry zero limits; a zero rate
	// capacity would make WaitForSlot block forever.
	maxLen := cfg.MaxMessageLength
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}
	capacity := cfg.RatePerMinute
	if capacity < 1 {
		capacity = defaultRatePerMinute
	}
	return &Sender{
		rest:    client,
		limiter: limiter,
		log:     log.With().Str("component", "sender").Logger(),

		maxMessageLength: maxLen,
		rateCapacity:     capacity,
		typing:           cfg.TypingIndicators,

		chunkDelay:     defaultChunkDelay,
		typingInterval: defaultTypingInterval,
	}
}

// SendText delivers text to the target, chunking when it exceeds the account
// message limit. It returns the created message ids in order. On failure the
// already-delivered chunk ids are returned alongside the error; nothing is
// retried here beyond what the REST client does itself.
func (s *Sender) SendText(ctx context.Context, target SendTarget, text string) ([]string, error) {
	chunks := ChunkText(text, s.maxMessageLength)
	scope := target.scope()

	if s.typing {
		stopTyping := s.startTyping(ctx, target)
		defer stopTyping()
	}

	ids := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		if i > 0 {
			select {
			case <-time.After(s.chunkDelay):
			case <-ctx.Done():
				return ids, ctx.Err()
			}
		}
		if err := s.limiter.WaitForSlot(ctx, scope, s.rateCapacity); err != nil {
			return ids, err
		}

		var msg *rest.Message
		var err error
		if target.ThreadID != "" {
			msg, err = s.rest.CreateThreadMessage(ctx, target.ThreadID, chunk)
		} else {
			msg, err = s.rest.CreateMessage(ctx, target.ChannelID, chunk)
		}
		if err != nil {
			return ids, s.noteRateHeaders(scope, err)
		}
		ids = append(ids, msg.ID)
	}
	s.log.Debug().Str("scope", scope).Int("chunks", len(ids)).Msg("Message delivered")
	return ids, nil
}

// EditMessage replaces the content of an existing message.
func (s *Sender) EditMessage(ctx context.Context, target SendTarget, messageID, content string) (*rest.Message, error) {
	scope := target.scope()
	if err := s.limiter.WaitForSlot(ctx, scope, s.rateCapacity); err != nil {
		return nil, err
	}
	msg, err := s.rest.UpdateMessage(ctx, messageID, content)
	if err != nil {
		return nil, s.noteRateHeaders(scope, err)
	}
	return msg, nil
}

// DeleteMessage removes an existing message.
func (s *Sender) DeleteMessage(ctx context.Context, target SendTarget, messageID string) error {
	scope := target.scope()
	if err := s.limiter.WaitForSlot(ctx, scope, s.rateCapacity); err != nil {
		return err
	}
	if err := s.rest.DeleteMessage(ctx, messageID); err != nil {
		return s.noteRateHeaders(scope, err)
	}
	return nil
}

// AddReaction puts an emoji reaction on a message.
func (s *Sender) AddReaction(ctx context.Context, target SendTarget, messageID, emoji string) error {
	scope := target.scope()
	if err := s.limiter.WaitForSlot(ctx, scope, s.rateCapacity); err != nil {
		return err
	}
	if err := s.rest.AddReaction(ctx, messageID, emoji); err != nil {
		return s.noteRateHeaders(scope, err)
	}
	return nil
}

// RemoveReaction takes an emoji reaction off a message.
func (s *Sender) RemoveReaction(ctx context.Context, target SendTarget, messageID, emoji string) error {
	scope := target.scope()
	if err := s.limiter.WaitForSlot(ctx, scope, s.rateCapacity); err != nil {
		return err
	}
	if err := s.rest.RemoveReaction(ctx, messageID, emoji); err != nil {
		return s.noteRateHeaders(scope, err)
	}
	return nil
}

// CreateThread starts a thread in a channel, optionally rooted at an
// existing message.
func (s *Sender) CreateThread(ctx context.Context, channelID, title, rootMessageID string) (*rest.Thread, error) {
	scope := "channel:" + channelID
	if err := s.limiter.WaitForSlot(ctx, scope, s.rateCapacity); err != nil {
		return nil, err
	}
	thread, err := s.rest.CreateThread(ctx, channelID, title, rootMessageID)
	if err != nil {
		return nil, s.noteRateHeaders(scope, err)
	}
	return thread, nil
}

// startTyping emits a typing indicator immediately and keeps it alive on an
// interval until the returned stop func is called. Indicator errors are
// logged and otherwise ignored.
func (s *Sender) startTyping(ctx context.Context, target SendTarget) func() {
	s.signalTyping(ctx, target)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.signalTyping(ctx, target)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	var stopped bool
	return func() {
		if !stopped {
			stopped = true
			close(done)
		}
	}
}

func (s *Sender) signalTyping(ctx context.Context, target SendTarget) {
	var err error
	if target.ThreadID != "" {
		err = s.rest.ThreadTyping(ctx, target.ThreadID)
	} else {
		err = s.rest.Typing(ctx, target.ChannelID)
	}
	if err != nil {
		s.log.Debug().Err(err).Msg("Typing indicator failed")
	}
}

// noteRateHeaders feeds server rate-limit feedback back into the local
// limiter before passing the error on.
func (s *Sender) noteRateHeaders(scope string, err error) error {
	var apiErr *rest.APIError
	if errors.As(err, &apiErr) && apiErr.IsRateLimited() && apiErr.Remaining >= 0 {
		s.limiter.UpdateFromHeaders(scope, s.rateCapacity, apiErr.Remaining)
	}
	return err
}
