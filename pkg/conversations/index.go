// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversations keeps the client's list of known conversations.
//
// # Description
//
// The Index is a cached copy of GET /api/chat. Sessions ask it to refresh
// after each completed stream so that a newly created conversation (or a
// changed title) shows up in the list. Concurrent refreshes collapse into
// one request.
//
// # Thread Safety
//
// Index is safe for concurrent use.
package conversations

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/finychat/pkg/api"
	"github.com/AleutianAI/finychat/pkg/logging"
	"github.com/AleutianAI/finychat/pkg/observability"
)

// ErrNotFound is returned by Get-style lookups for unknown ids.
var ErrNotFound = errors.New("conversation not found")

// Lister is the backend surface the Index needs. *api.Client satisfies it.
type Lister interface {
	ListChats(ctx context.Context) ([]api.Chat, error)
	DeleteChat(ctx context.Context, chatID string) error
}

// Index caches the conversation list.
type Index struct {
	lister  Lister
	logger  *logging.Logger
	metrics *observability.ClientMetrics

	flight singleflight.Group

	mu          sync.RWMutex
	chats       []api.Chat
	refreshedAt time.Time
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger. Default: logging.Default().
func WithLogger(l *logging.Logger) Option {
	return func(i *Index) { i.logger = l }
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *observability.ClientMetrics) Option {
	return func(i *Index) { i.metrics = m }
}

// NewIndex creates an empty Index backed by lister.
func NewIndex(lister Lister, opts ...Option) *Index {
	idx := &Index{lister: lister, logger: logging.Default()}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Refresh reloads the list from the backend.
//
// # Description
//
// Concurrent callers share a single in-flight request and all receive its
// result. On failure the previous list is kept.
//
// # Outputs
//
//   - error: the backend error, wrapped.
func (i *Index) Refresh(ctx context.Context) error {
	ctx, span := observability.Tracer().Start(ctx, "conversations.Index.Refresh")
	defer span.End()

	_, err, shared := i.flight.Do("refresh", func() (interface{}, error) {
		chats, err := i.lister.ListChats(ctx)
		if err != nil {
			return nil, err
		}
		i.mu.Lock()
		i.chats = chats
		i.refreshedAt = time.Now()
		i.mu.Unlock()
		return nil, nil
	})
	span.SetAttributes(attribute.Bool("shared", shared))

	if !shared {
		i.metrics.IndexRefreshed(err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("refresh conversations: %w", err)
	}

	span.SetAttributes(attribute.Int("conversation_count", i.Len()))
	i.logger.Debug("conversation index refreshed", "count", i.Len(), "shared", shared)
	return nil
}

// List returns a copy of the cached conversations in backend order.
func (i *Index) List() []api.Chat {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return slices.Clone(i.chats)
}

// Len returns the number of cached conversations.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.chats)
}

// Get returns the cached conversation with the given id.
func (i *Index) Get(id string) (api.Chat, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, c := range i.chats {
		if c.ID == id {
			return c, nil
		}
	}
	return api.Chat{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// RefreshedAt is the time of the last successful refresh, zero if none.
func (i *Index) RefreshedAt() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.refreshedAt
}

// Delete removes a conversation on the backend and from the cache.
func (i *Index) Delete(ctx context.Context, id string) error {
	ctx, span := observability.Tracer().Start(ctx, "conversations.Index.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", id))

	if err := i.lister.DeleteChat(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("delete conversation: %w", err)
	}

	i.mu.Lock()
	i.chats = slices.DeleteFunc(slices.Clone(i.chats), func(c api.Chat) bool { return c.ID == id })
	i.mu.Unlock()

	i.logger.Info("conversation deleted", "conversation_id", id)
	return nil
}
