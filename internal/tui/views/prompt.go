package views

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Prompt is the ':' command input bar.
type Prompt struct {
	*tview.InputField
	onSubmit func(text string)
	onCancel func()
}

// NewPrompt creates a new command prompt.
func NewPrompt() *Prompt {
	input := tview.NewInputField().
		SetLabel(":").
		SetFieldWidth(0)

	p := &Prompt{InputField: input}

	input.SetDoneFunc(func(key tcell.Key) {
		text := p.GetText()
		p.SetText("")
		switch key {
		case tcell.KeyEnter:
			if text != "" && p.onSubmit != nil {
				p.onSubmit(text)
				return
			}
			if p.onCancel != nil {
				p.onCancel()
			}
		case tcell.KeyEscape:
			if p.onCancel != nil {
				p.onCancel()
			}
		}
	})

	return p
}

// SetOnSubmit sets the callback when a command is entered.
func (p *Prompt) SetOnSubmit(fn func(text string)) {
	p.onSubmit = fn
}

// SetOnCancel sets the callback when the prompt is dismissed.
func (p *Prompt) SetOnCancel(fn func()) {
	p.onCancel = fn
}
