// Package history loads older messages of the open conversation page by page.
package history

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/sectorsync/internal/model"
	"github.com/matheus3301/sectorsync/internal/reconcile"
	"github.com/matheus3301/sectorsync/internal/syncerr"
)

const DefaultPageSize = 50

// API fetches one page of a conversation, newest messages at offset 0.
type API interface {
	FetchPage(ctx context.Context, conversationID int64, pageSize, offset int) ([]model.Message, error)
}

// Result describes what a load did.
type Result struct {
	// Skipped is set when another load for the conversation was in flight.
	Skipped bool
	// Stale is set when the conversation changed while the page was loading;
	// the page was dropped.
	Stale     bool
	Added     int
	PageIndex int
	HasMore   bool
}

// Paginator tracks the paging position of the open conversation and merges
// fetched pages into the reconciler.
type Paginator struct {
	api      API
	rec      *reconcile.Reconciler
	pageSize int
	log      *zap.Logger

	mu             sync.Mutex
	conversationID int64
	pageIndex      int
	hasMore        bool
	inFlight       bool
	gen            uint64
	cancel         context.CancelFunc
}

func New(api API, rec *reconcile.Reconciler, pageSize int, log *zap.Logger) *Paginator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Paginator{api: api, rec: rec, pageSize: pageSize, log: log, pageIndex: -1}
}

// Switch makes conversationID the open conversation (0 closes it). The
// previous conversation's in-flight fetch is cancelled and its result ignored.
func (p *Paginator) Switch(conversationID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
	p.conversationID = conversationID
	p.pageIndex = -1
	p.hasMore = conversationID != 0
	p.inFlight = false
	p.rec.Reset(conversationID)
}

// LoadInitial loads page 0 of the open conversation.
func (p *Paginator) LoadInitial(ctx context.Context) (Result, error) {
	id := p.Conversation()
	if id == 0 {
		return Result{}, syncerr.ErrNoConversation
	}
	return p.LoadPage(ctx, id, 0, false)
}

// LoadOlder loads the page after the last one loaded.
func (p *Paginator) LoadOlder(ctx context.Context) (Result, error) {
	p.mu.Lock()
	id, next := p.conversationID, p.pageIndex+1
	p.mu.Unlock()
	if id == 0 {
		return Result{}, syncerr.ErrNoConversation
	}
	return p.LoadPage(ctx, id, next, true)
}

// LoadPage fetches page pageIndex of conversationID. At most one load per
// conversation runs at a time; a concurrent call returns Skipped without a
// network call. appendPage merges the page as older history; otherwise it
// replaces the list, keeping live entries the page does not contain.
func (p *Paginator) LoadPage(ctx context.Context, conversationID int64, pageIndex int, appendPage bool) (Result, error) {
	p.mu.Lock()
	if conversationID == 0 || conversationID != p.conversationID {
		p.mu.Unlock()
		return Result{Stale: true}, nil
	}
	if p.inFlight {
		p.mu.Unlock()
		return Result{Skipped: true, PageIndex: p.pageIndex, HasMore: p.hasMore}, nil
	}
	if appendPage && !p.hasMore {
		res := Result{PageIndex: p.pageIndex}
		p.mu.Unlock()
		return res, nil
	}
	p.inFlight = true
	gen := p.gen
	fetchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	page, err := p.api.FetchPage(fetchCtx, conversationID, p.pageSize, pageIndex*p.pageSize)

	p.mu.Lock()
	defer p.mu.Unlock()
	cancel()
	if gen != p.gen {
		p.log.Debug("dropping stale history page",
			zap.Int64("conversation", conversationID),
			zap.Int("page", pageIndex),
		)
		return Result{Stale: true}, nil
	}
	p.inFlight = false
	p.cancel = nil
	if err != nil {
		p.log.Warn("history fetch failed",
			zap.Int64("conversation", conversationID),
			zap.Int("page", pageIndex),
			zap.Error(err),
		)
		return Result{PageIndex: p.pageIndex, HasMore: p.hasMore},
			&syncerr.FetchFailure{What: "history", ConversationID: conversationID, Page: pageIndex, Err: err}
	}

	slices.SortStableFunc(page, func(a, b model.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	var added int
	if appendPage {
		added = p.rec.MergeOlder(page)
	} else {
		p.rec.ReplaceWith(page)
		added = len(page)
	}
	if pageIndex > p.pageIndex || !appendPage {
		p.pageIndex = pageIndex
	}
	p.hasMore = len(page) == p.pageSize
	return Result{Added: added, PageIndex: p.pageIndex, HasMore: p.hasMore}, nil
}

// Conversation returns the open conversation id, 0 when none.
func (p *Paginator) Conversation() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conversationID
}

func (p *Paginator) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

func (p *Paginator) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

func (r Result) String() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Stale:
		return "stale"
	default:
		return fmt.Sprintf("page %d: %d added, more=%t", r.PageIndex, r.Added, r.HasMore)
	}
}
