package model

import (
	"context"
	"sync"

	"github.com/matheus3301/sectorsync/internal/api"
	core "github.com/matheus3301/sectorsync/internal/model"
)

// Backend is the subset of the daemon client the view model drives.
type Backend interface {
	GetStatus(ctx context.Context) (*api.StatusResponse, error)
	Connect(ctx context.Context, sector string) (*api.StatusResponse, error)
	ListContacts(ctx context.Context) (*api.ContactsResponse, error)
	RefreshContacts(ctx context.Context) (*api.ContactsResponse, error)
	GetUnread(ctx context.Context) (*api.UnreadResponse, error)
	OpenConversation(ctx context.Context, id int64) (*api.PageResponse, error)
	LoadOlder(ctx context.Context) (*api.PageResponse, error)
	ListMessages(ctx context.Context) (*api.MessagesResponse, error)
	SendMessage(ctx context.Context, body string) (*api.SendResponse, error)
	RetryMessage(ctx context.Context, tempID string) (*api.SendResponse, error)
	MarkRead(ctx context.Context, id int64) error
}

// ViewModel caches daemon state for rendering and signals UI refreshes.
type ViewModel struct {
	mu sync.RWMutex

	backend      Backend
	status       *api.StatusResponse
	contacts     []core.Contact
	unread       map[int64]bool
	messages     []core.Message
	conversation int64
	hasMore      bool
	Flash        Flash

	refreshCh chan struct{}
}

// NewViewModel creates a view model backed by the daemon client.
func NewViewModel(b Backend) *ViewModel {
	return &ViewModel{
		backend:   b,
		unread:    make(map[int64]bool),
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh returns the channel that signals UI refresh.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

// LoadStatus fetches the daemon status.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	resp, err := vm.backend.GetStatus(ctx)
	if err != nil {
		return err
	}
	vm.setStatus(resp)
	return nil
}

// Connect connects the daemon, switching to sector when it is set.
func (vm *ViewModel) Connect(ctx context.Context, sector string) error {
	resp, err := vm.backend.Connect(ctx, sector)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	if sector != "" && vm.status != nil && vm.status.Sector != resp.Sector {
		vm.messages = nil
		vm.conversation = 0
	}
	vm.mu.Unlock()
	vm.setStatus(resp)
	return vm.LoadContacts(ctx)
}

func (vm *ViewModel) setStatus(resp *api.StatusResponse) {
	vm.mu.Lock()
	vm.status = resp
	vm.mu.Unlock()
	vm.signalRefresh()
}

// LoadContacts fetches the contact list and unread map together.
func (vm *ViewModel) LoadContacts(ctx context.Context) error {
	return vm.loadContacts(ctx, vm.backend.ListContacts)
}

// RefreshContacts asks the daemon for a fresh server snapshot.
func (vm *ViewModel) RefreshContacts(ctx context.Context) error {
	return vm.loadContacts(ctx, vm.backend.RefreshContacts)
}

func (vm *ViewModel) loadContacts(ctx context.Context, list func(context.Context) (*api.ContactsResponse, error)) error {
	resp, err := list(ctx)
	if err != nil {
		return err
	}
	unread, err := vm.backend.GetUnread(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.contacts = resp.Contacts
	vm.unread = unread.Unread
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Open opens a conversation and loads its newest page.
func (vm *ViewModel) Open(ctx context.Context, id int64) error {
	resp, err := vm.backend.OpenConversation(ctx, id)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.conversation = id
	vm.unread[id] = false
	vm.mu.Unlock()
	vm.applyPage(resp)
	return nil
}

// LoadOlder prepends the next older page. It returns false when nothing was loaded.
func (vm *ViewModel) LoadOlder(ctx context.Context) (bool, error) {
	vm.mu.RLock()
	more := vm.hasMore
	vm.mu.RUnlock()
	if !more {
		return false, nil
	}
	resp, err := vm.backend.LoadOlder(ctx)
	if err != nil {
		return false, err
	}
	if resp.Skipped || resp.Stale {
		return false, nil
	}
	vm.applyPage(resp)
	return resp.Added > 0, nil
}

func (vm *ViewModel) applyPage(resp *api.PageResponse) {
	vm.mu.Lock()
	if !resp.Skipped && !resp.Stale {
		vm.messages = resp.Messages
		vm.hasMore = resp.HasMore
	}
	vm.mu.Unlock()
	vm.signalRefresh()
}

// LoadMessages re-reads the open conversation.
func (vm *ViewModel) LoadMessages(ctx context.Context) error {
	resp, err := vm.backend.ListMessages(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	if resp.ConversationID == vm.conversation {
		vm.messages = resp.Messages
	}
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Send sends body to the open conversation.
func (vm *ViewModel) Send(ctx context.Context, body string) error {
	if _, err := vm.backend.SendMessage(ctx, body); err != nil {
		return err
	}
	return vm.LoadMessages(ctx)
}

// RetryLastFailed resends the newest failed message of the open conversation.
func (vm *ViewModel) RetryLastFailed(ctx context.Context) (bool, error) {
	tempID := vm.lastFailed()
	if tempID == "" {
		return false, nil
	}
	if _, err := vm.backend.RetryMessage(ctx, tempID); err != nil {
		return false, err
	}
	return true, vm.LoadMessages(ctx)
}

func (vm *ViewModel) lastFailed() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for i := len(vm.messages) - 1; i >= 0; i-- {
		if vm.messages[i].Status == core.StatusError {
			return vm.messages[i].TempID
		}
	}
	return ""
}

// MarkRead marks a conversation read.
func (vm *ViewModel) MarkRead(ctx context.Context, id int64) error {
	if err := vm.backend.MarkRead(ctx, id); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.unread[id] = false
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Status returns the last known daemon status, or nil.
func (vm *ViewModel) Status() *api.StatusResponse {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}

// Contacts returns a snapshot of the contact list.
func (vm *ViewModel) Contacts() []core.Contact {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.contacts
}

// Unread reports whether a conversation is unread.
func (vm *ViewModel) Unread(id int64) bool {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.unread[id]
}

// Messages returns a snapshot of the open conversation.
func (vm *ViewModel) Messages() []core.Message {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.messages
}

// Conversation returns the open conversation id, or 0.
func (vm *ViewModel) Conversation() int64 {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.conversation
}

// HasMore reports whether older history remains on the server.
func (vm *ViewModel) HasMore() bool {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.hasMore
}

// ContactName returns the display name of a contact, falling back to its id.
func (vm *ViewModel) ContactName(id int64) string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for i := range vm.contacts {
		if vm.contacts[i].ID == id {
			return vm.contacts[i].DisplayName()
		}
	}
	c := core.Contact{ID: id}
	return c.DisplayName()
}
