package views

import (
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Composer is the text input for the open conversation.
type Composer struct {
	*tview.InputField
	onSend func(text string)
}

// NewComposer creates a new message composer.
func NewComposer() *Composer {
	c := &Composer{
		InputField: tview.NewInputField().
			SetPlaceholder("i to type, Enter to send, Esc to leave").
			SetFieldWidth(0),
	}
	c.SetTarget("")
	c.SetDoneFunc(c.done)
	return c
}

// SetTarget labels the input with the recipient's name.
func (c *Composer) SetTarget(name string) {
	if name == "" {
		c.SetLabel(" > ")
		return
	}
	c.SetLabel(" " + tview.Escape(sanitizeForTerminal(name)) + " > ")
}

// SetOnSend sets the callback when a message is submitted. Blank input is ignored.
func (c *Composer) SetOnSend(fn func(text string)) {
	c.onSend = fn
}

func (c *Composer) done(key tcell.Key) {
	if key != tcell.KeyEnter || c.onSend == nil {
		return
	}
	text := strings.TrimSpace(c.GetText())
	if text == "" {
		return
	}
	c.SetText("")
	c.onSend(text)
}
