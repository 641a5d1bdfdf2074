package views

import (
	"fmt"

	"github.com/rivo/tview"

	"github.com/matheus3301/sectorsync/internal/model"
)

// MessageView displays the open conversation, oldest first.
type MessageView struct {
	*tview.TextView
	name string
}

// NewMessageView creates a new message view.
func NewMessageView() *MessageView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true).SetTitle(" Messages ")

	return &MessageView{TextView: tv}
}

// SetContactName updates the title with the contact name.
func (mv *MessageView) SetContactName(name string) {
	mv.name = name
	mv.setTitle(false)
}

func (mv *MessageView) setTitle(hasMore bool) {
	if hasMore {
		mv.SetTitle(fmt.Sprintf(" %s [::d](o: older)[-:-:-] ", tview.Escape(mv.name)))
		return
	}
	mv.SetTitle(fmt.Sprintf(" %s ", tview.Escape(mv.name)))
}

// Update redraws the conversation. With keepScroll the viewport stays where
// it was, as when older history is prepended.
func (mv *MessageView) Update(msgs []model.Message, hasMore, keepScroll bool) {
	row, col := mv.GetScrollOffset()
	before := mv.GetOriginalLineCount()
	mv.Clear()
	mv.setTitle(hasMore)

	for i := range msgs {
		_, _ = fmt.Fprint(mv, formatMessage(&msgs[i]))
	}

	if keepScroll {
		mv.ScrollTo(row+mv.GetOriginalLineCount()-before, col)
		return
	}
	mv.ScrollToEnd()
}

func formatMessage(m *model.Message) string {
	sender := "Them"
	if m.Outbound {
		sender = "You"
	}
	body := tview.Escape(sanitizeForTerminal(m.Body))
	if body == "" && m.MediaType != "" {
		body = fmt.Sprintf("[::i]<%s>[-:-:-]", m.MediaType)
	}
	return fmt.Sprintf("[::b]%s[-:-:-] [::d]%s%s[-:-:-]\n%s\n\n", sender, formatTimestamp(m.CreatedAt), statusMark(m), body)
}

func statusMark(m *model.Message) string {
	if !m.Outbound {
		return ""
	}
	switch m.Status {
	case model.StatusSending:
		return " ..."
	case model.StatusSent:
		return " ✓"
	case model.StatusError:
		return " [red]failed, R to retry[-]"
	default:
		return " ✓✓"
	}
}
