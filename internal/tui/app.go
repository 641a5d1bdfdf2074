package tui

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/matheus3301/sectorsync/internal/api"
	"github.com/matheus3301/sectorsync/internal/tui/keys"
	"github.com/matheus3301/sectorsync/internal/tui/model"
	"github.com/matheus3301/sectorsync/internal/tui/views"
)

const (
	pageContacts = "contacts"
	pageChat     = "chat"

	flashShort = 3 * time.Second
	flashLong  = 5 * time.Second
)

// App is the main TUI application shell.
type App struct {
	app       *tview.Application
	root      *tview.Flex
	pages     *tview.Pages
	vm        *model.ViewModel
	client    *api.Client
	registry  *keys.Registry
	statusBar *views.StatusBar
	contacts  *views.ContactList
	msgView   *views.MessageView
	composer  *views.Composer
	prompt    *views.Prompt
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(c *api.Client, profile string) *App {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		vm:        model.NewViewModel(c),
		client:    c,
		registry:  keys.NewRegistry(),
		statusBar: views.NewStatusBar(),
		contacts:  views.NewContactList(),
		msgView:   views.NewMessageView(),
		composer:  views.NewComposer(),
		prompt:    views.NewPrompt(),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.statusBar.SetProfile(profile)
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal(&keys.Action{
		Rune: 'q', Key: tcell.KeyRune,
		Description: "q:quit", Visible: true,
		Handler: a.Stop,
	})
	a.registry.AddGlobal(&keys.Action{
		Rune: ':', Key: tcell.KeyRune,
		Description: ":cmd", Visible: true,
		Handler: a.showPrompt,
	})
	a.registry.AddGlobal(&keys.Action{
		Rune: 'r', Key: tcell.KeyRune,
		Description: "r:refresh", Visible: true,
		Handler: func() { a.run(Command{Name: CmdRefresh}) },
	})
	a.registry.AddView(pageChat, &keys.Action{
		Rune: 'o', Key: tcell.KeyRune,
		Description: "o:older", Visible: true,
		Handler: func() { a.run(Command{Name: CmdOlder}) },
	})
	a.registry.AddView(pageChat, &keys.Action{
		Rune: 'R', Key: tcell.KeyRune,
		Description: "R:retry", Visible: true,
		Handler: func() { a.run(Command{Name: CmdRetry}) },
	})
	a.registry.AddView(pageChat, &keys.Action{
		Rune: 'i', Key: tcell.KeyRune,
		Description: "i:type", Visible: true,
		Handler: func() { a.app.SetFocus(a.composer.InputField) },
	})
	a.registry.AddView(pageContacts, &keys.Action{
		Rune: 'm', Key: tcell.KeyRune,
		Description: "m:mark read", Visible: true,
		Handler: func() {
			if id := a.contacts.SelectedContact(); id != 0 {
				a.run(Command{Name: CmdRead, Args: itoa(id)})
			}
		},
	})
}

func (a *App) setupCallbacks() {
	a.contacts.SetSelectedFunc(func(row, col int) {
		if id := a.contacts.SelectedContact(); id != 0 {
			a.openContact(id)
		}
	})

	a.composer.SetOnSend(func(text string) {
		go func() {
			if err := a.vm.Send(a.ctx, text); err != nil {
				a.vm.Flash.Error("Send failed: "+err.Error(), flashLong)
			}
			a.draw(false)
		}()
	})

	a.prompt.SetOnSubmit(func(text string) {
		a.hidePrompt()
		cmd, err := ParseCommand(text).Validate()
		if err != nil {
			a.vm.Flash.Error(err.Error(), flashLong)
			a.statusBar.SetFlash(a.vm.Flash.Get())
			return
		}
		a.run(cmd)
	})
	a.prompt.SetOnCancel(a.hidePrompt)
}

func (a *App) setupLayout() {
	chat := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.msgView, 0, 1, false).
		AddItem(a.composer, 1, 0, false)

	a.pages.AddPage(pageContacts, a.contacts, true, true)
	a.pages.AddPage(pageChat, chat, true, false)

	a.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.prompt, 0, 0, false).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(a.root, true)
	a.statusBar.SetHints(a.registry.Hints(pageContacts))

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		currentPage, _ := a.pages.GetFrontPage()

		// Text inputs handle their own keys; Escape leaves the composer.
		if _, ok := a.app.GetFocus().(*tview.InputField); ok {
			if event.Key() == tcell.KeyEscape && a.app.GetFocus() == a.composer.InputField {
				a.app.SetFocus(a.msgView)
				return nil
			}
			return event
		}

		if event.Key() == tcell.KeyEscape && currentPage == pageChat {
			a.closeConversation()
			return nil
		}

		if a.registry.HandleEvent(currentPage, event) {
			return nil
		}

		return event
	})
}

func (a *App) showPrompt() {
	a.root.ResizeItem(a.prompt, 1, 0)
	a.app.SetFocus(a.prompt.InputField)
}

func (a *App) hidePrompt() {
	a.root.ResizeItem(a.prompt, 0, 0)
	a.focusPage()
}

func (a *App) focusPage() {
	if page, _ := a.pages.GetFrontPage(); page == pageChat {
		a.app.SetFocus(a.msgView)
		return
	}
	a.app.SetFocus(a.contacts)
}

func (a *App) switchTo(page string) {
	a.pages.SwitchToPage(page)
	a.statusBar.SetHints(a.registry.Hints(page))
	a.focusPage()
}

func (a *App) openContact(id int64) {
	go func() {
		if err := a.vm.Open(a.ctx, id); err != nil {
			a.vm.Flash.Error("Open failed: "+err.Error(), flashLong)
			a.draw(false)
			return
		}
		name := a.vm.ContactName(id)
		a.app.QueueUpdateDraw(func() {
			a.msgView.SetContactName(name)
			a.composer.SetTarget(name)
			a.switchTo(pageChat)
			a.redraw(false)
		})
	}()
}

func (a *App) closeConversation() {
	a.switchTo(pageContacts)
	go func() {
		// Opening id 0 closes the conversation so inbound messages count as unread again.
		if _, err := a.client.OpenConversation(a.ctx, 0); err != nil {
			a.vm.Flash.Error("Close failed: "+err.Error(), flashLong)
		}
		_ = a.vm.LoadContacts(a.ctx)
		a.draw(false)
	}()
}

// run executes cmd off the UI goroutine.
func (a *App) run(cmd Command) {
	go func() {
		keepScroll := false
		var err error
		switch cmd.Name {
		case CmdSector:
			err = a.vm.Connect(a.ctx, cmd.Args)
			if err == nil {
				a.vm.Flash.Set("Sector "+cmd.Args, flashShort)
				a.app.QueueUpdateDraw(func() { a.switchTo(pageContacts) })
			}
		case CmdOpen:
			id, _ := cmd.ID()
			a.openContact(id)
			return
		case CmdRefresh:
			err = a.vm.RefreshContacts(a.ctx)
			if err == nil {
				err = a.vm.LoadStatus(a.ctx)
			}
		case CmdRead:
			id := a.vm.Conversation()
			if cmd.Args != "" {
				id, _ = cmd.ID()
			}
			if id != 0 {
				err = a.vm.MarkRead(a.ctx, id)
			}
		case CmdOlder:
			var loaded bool
			loaded, err = a.vm.LoadOlder(a.ctx)
			keepScroll = true
			if err == nil && !loaded && !a.vm.HasMore() {
				a.vm.Flash.Set("Start of conversation", flashShort)
			}
		case CmdRetry:
			var retried bool
			retried, err = a.vm.RetryLastFailed(a.ctx)
			if err == nil && !retried {
				a.vm.Flash.Set("No failed message", flashShort)
			}
		case CmdQuit:
			a.Stop()
			return
		}
		if err != nil {
			a.vm.Flash.Error(strings.ToUpper(cmd.Name[:1])+cmd.Name[1:]+" failed: "+err.Error(), flashLong)
		}
		a.draw(keepScroll)
	}()
}

// draw schedules a redraw from a background goroutine.
func (a *App) draw(keepScroll bool) {
	a.app.QueueUpdateDraw(func() { a.redraw(keepScroll) })
}

func (a *App) redraw(keepScroll bool) {
	a.contacts.Update(a.vm.Contacts(), a.vm.Unread)
	if a.vm.Conversation() != 0 {
		a.msgView.Update(a.vm.Messages(), a.vm.HasMore(), keepScroll)
	}
	if st := a.vm.Status(); st != nil {
		a.statusBar.SetConnection(st.State, st.Sector, st.Unread)
	}
	a.statusBar.SetFlash(a.vm.Flash.Get())
}

// Run starts the TUI application.
func (a *App) Run() error {
	go func() {
		if err := a.vm.LoadStatus(a.ctx); err != nil {
			a.vm.Flash.Error("Status failed: "+err.Error(), flashLong)
		}
		if st := a.vm.Status(); st != nil && (st.State == "IDLE" || st.State == "CLOSED") {
			if err := a.vm.Connect(a.ctx, ""); err != nil {
				a.vm.Flash.Error("Connect failed: "+err.Error(), flashLong)
			}
		}
		_ = a.vm.LoadContacts(a.ctx)
		a.draw(false)

		go a.watchLoop()
		a.startRefreshLoop()
	}()

	return a.app.Run()
}

// watchLoop follows daemon events and reloads the state each one touches.
func (a *App) watchLoop() {
	for a.ctx.Err() == nil {
		err := a.watch()
		if a.ctx.Err() != nil {
			return
		}
		if err != nil {
			a.vm.Flash.Error("Event stream lost: "+err.Error(), flashLong)
			a.draw(false)
		}
		select {
		case <-time.After(2 * time.Second):
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) watch() error {
	stream, err := a.client.WatchEvents(a.ctx)
	if err != nil {
		return err
	}
	for {
		evt, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		a.apply(evt)
	}
}

func (a *App) apply(evt *api.Event) {
	switch {
	case strings.HasPrefix(evt.Kind, "transport."):
		_ = a.vm.LoadStatus(a.ctx)
		if evt.Kind == "transport.error" {
			a.vm.Flash.Error("Connection error", flashLong)
		}
	case strings.HasPrefix(evt.Kind, "contacts."), strings.HasPrefix(evt.Kind, "unread."):
		_ = a.vm.LoadContacts(a.ctx)
		_ = a.vm.LoadStatus(a.ctx)
	case strings.HasPrefix(evt.Kind, "messages."):
		if a.vm.Conversation() == 0 {
			return
		}
		_ = a.vm.LoadMessages(a.ctx)
		if evt.Kind == "messages.send_failed" {
			a.vm.Flash.Error("Message failed, R to retry", flashLong)
		}
	default:
		return
	}
	a.draw(false)
}

// startRefreshLoop keeps the clock and flash messages current between events.
func (a *App) startRefreshLoop() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.app.QueueUpdateDraw(func() {
					a.statusBar.SetFlash(a.vm.Flash.Get())
				})
			case <-a.ctx.Done():
				return
			}
		}
	}()
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
