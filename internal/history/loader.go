// Package history fetches paginated chat history from the REST API and
// tracks the pagination cursor for one room view.
package history

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/jobdeck/chatkit/internal/types"
)

// ErrLoadInFlight is returned when a load overlaps one already running.
// Overlapping calls are rejected, not queued: a fast double-trigger (rapid
// scroll events) must not fetch the same page twice.
var ErrLoadInFlight = errors.New("history: load already in flight")

// PageFetcher is the REST collaborator contract: fetch one page of messages
// and the cursor for the page before it.
type PageFetcher interface {
	FetchMessages(ctx context.Context, q types.HistoryQuery) (*types.MessagePage, error)
}

// Result is the outcome of one successful load.
type Result struct {
	// Messages is the fetched batch, oldest-first as returned by the server.
	Messages []types.Message
	// Reset reports whether this load replaces the buffer instead of
	// prepending to it.
	Reset bool
	// HasMore reports whether older history remains after this page.
	HasMore bool
}

// Loader owns the cursor, exhaustion flag and in-flight guard for one room's
// history. Cursor and flag are read and written inside one locked step so an
// in-flight fetch can never observe them mid-update.
type Loader struct {
	log      *log.Logger
	fetcher  PageFetcher
	roomId   string
	scope    types.Scope
	pageSize int

	mu       sync.Mutex
	inFlight bool
	cursor   string
	hasMore  bool
}

func NewLoader(logger *log.Logger, fetcher PageFetcher, roomId string, scope types.Scope, pageSize int) *Loader {
	return &Loader{
		log:      logger,
		fetcher:  fetcher,
		roomId:   roomId,
		scope:    scope,
		pageSize: pageSize,
		hasMore:  true,
	}
}

// Load fetches one page. With reset the prior cursor is discarded and the
// first page is fetched; without it the next-older page is fetched, and the
// call is a no-op once history is exhausted (nil Result, nil error). A fetch
// error leaves cursor and exhaustion flag untouched.
func (l *Loader) Load(ctx context.Context, reset bool) (*Result, error) {
	l.mu.Lock()
	if l.inFlight {
		l.mu.Unlock()
		return nil, ErrLoadInFlight
	}
	if !reset && !l.hasMore {
		l.mu.Unlock()
		return nil, nil
	}
	if reset {
		l.cursor = ""
		l.hasMore = true
	}
	cursor := l.cursor
	l.inFlight = true
	l.mu.Unlock()

	page, err := l.fetcher.FetchMessages(ctx, types.HistoryQuery{
		ChatRoomId: l.roomId,
		Cursor:     cursor,
		PageSize:   l.pageSize,
		Scope:      l.scope,
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight = false

	if err != nil {
		l.log.Printf("history: fetch room %q: %v", l.roomId, err)
		return nil, err
	}

	l.cursor = page.Page.Cursor
	l.hasMore = page.Page.Cursor != ""

	return &Result{
		Messages: page.Data,
		Reset:    reset,
		HasMore:  l.hasMore,
	}, nil
}

// HasMore reports whether older history remains unfetched.
func (l *Loader) HasMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasMore
}

// InFlight reports whether a load is currently running.
func (l *Loader) InFlight() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// Cursor returns the current pagination cursor.
func (l *Loader) Cursor() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor
}
