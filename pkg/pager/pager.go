// Package pager loads older history pages into the transcript without
// disturbing what the user is looking at.
package pager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"fathom/pkg/api"
	"fathom/pkg/transcript"
)

// ListFunc fetches one history page from the backend. A negative offset
// requests the latest page.
type ListFunc func(ctx context.Context, offset int, limit int) (api.MessagePage, error)

// Window describes the contiguous slice of backend history currently
// materialized in the store, oldest-loaded at Offset. Offset, Total, and
// HasOlder come from the backend, never from a client guess.
type Window struct {
	Offset   int
	Limit    int
	Total    int
	HasOlder bool
}

// Anchor captures viewport measurements taken before a prepend, so the
// caller can keep the viewed content visually unmoved afterwards.
type Anchor struct {
	Top    int
	Height int
}

// Restore returns the post-update scroll top: the captured top shifted by
// exactly the content growth. This is the strict scroll-anchoring invariant.
func (a Anchor) Restore(newHeight int) int {
	return a.Top + (newHeight - a.Height)
}

// Pager requests older message pages, deduplicates them against the store,
// and tracks the authoritative page window.
type Pager struct {
	store    *transcript.Store
	list     ListFunc
	pageSize int
	log      *slog.Logger

	mu       sync.Mutex
	window   Window
	inFlight bool
	primed   bool
}

// New builds a pager over the given store and fetch function.
func New(store *transcript.Store, list ListFunc, pageSize int, log *slog.Logger) *Pager {
	if log == nil {
		log = slog.Default()
	}

	return &Pager{
		store:    store,
		list:     list,
		pageSize: pageSize,
		log:      log.With("component", "pager"),
	}
}

// LoadLatest fetches the newest history page and seeds the window. It is the
// session's initial transcript fill.
func (p *Pager) LoadLatest(ctx context.Context) error {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		return nil
	}
	p.inFlight = true
	p.mu.Unlock()
	defer p.clearInFlight()

	page, err := p.list(ctx, -1, p.pageSize)
	if err != nil {
		return fmt.Errorf("load latest page: %w", err)
	}

	for _, msg := range page.Messages {
		p.store.Append(msg)
	}

	p.mu.Lock()
	p.window = Window{Offset: page.Offset, Limit: page.Limit, Total: page.Total, HasOlder: page.HasOlder}
	p.primed = true
	p.mu.Unlock()

	p.log.Debug("latest page loaded", "count", len(page.Messages), "offset", page.Offset, "has_older", page.HasOlder)
	return nil
}

// LoadOlder fetches the page preceding the current window and prepends it to
// the store. It is a no-op returning 0 when a load is already in flight,
// when the backend says there is nothing older, or before LoadLatest primed
// the window. Returns the number of messages actually inserted.
func (p *Pager) LoadOlder(ctx context.Context) (int, error) {
	p.mu.Lock()
	if p.inFlight || !p.primed || !p.window.HasOlder || p.window.Offset <= 0 {
		p.mu.Unlock()
		return 0, nil
	}
	p.inFlight = true

	fetchLimit := p.pageSize
	if fetchLimit > p.window.Offset {
		fetchLimit = p.window.Offset
	}
	fetchOffset := p.window.Offset - fetchLimit
	p.mu.Unlock()
	defer p.clearInFlight()

	page, err := p.list(ctx, fetchOffset, fetchLimit)
	if err != nil {
		return 0, fmt.Errorf("load older page: %w", err)
	}

	inserted := p.store.Prepend(page.Messages)

	p.mu.Lock()
	// The fetched page size moves the window start back by exactly that
	// amount; hasOlder is the backend's authoritative flag.
	p.window.Offset = p.window.Offset - len(page.Messages)
	if p.window.Offset < 0 {
		p.window.Offset = 0
	}
	p.window.Total = page.Total
	p.window.HasOlder = page.HasOlder
	p.mu.Unlock()

	p.log.Debug("older page loaded",
		"fetched", len(page.Messages),
		"inserted", inserted,
		"offset", fetchOffset,
		"has_older", page.HasOlder,
	)
	return inserted, nil
}

// Window returns the current page window snapshot.
func (p *Pager) Window() Window {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window
}

// IsLoading reports whether a page fetch is in flight.
func (p *Pager) IsLoading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// CanLoadOlder reports whether an older page exists to fetch.
func (p *Pager) CanLoadOlder() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primed && p.window.HasOlder && p.window.Offset > 0
}

func (p *Pager) clearInFlight() {
	p.mu.Lock()
	p.inFlight = false
	p.mu.Unlock()
}
