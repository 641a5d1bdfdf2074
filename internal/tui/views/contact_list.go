package views

import (
	"fmt"
	"time"

	"github.com/rivo/tview"

	"github.com/matheus3301/sectorsync/internal/model"
)

// ContactList is the ordered contact table.
type ContactList struct {
	*tview.Table
	contacts []model.Contact
}

// NewContactList creates a new contact table.
func NewContactList() *ContactList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetFixed(1, 0).
		SetBorders(false)
	table.SetBorder(true).SetTitle(" Contacts ")

	return &ContactList{Table: table}
}

// Update redraws the table, keeping the selection on the same contact when it is still listed.
func (cl *ContactList) Update(contacts []model.Contact, unread func(id int64) bool) {
	selected := cl.SelectedContact()
	cl.contacts = contacts
	cl.Clear()

	cl.SetCell(0, 0, tview.NewTableCell(" Name").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 1, tview.NewTableCell(" Last Message").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 2, tview.NewTableCell(" Time").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))

	row := 1
	for i := range contacts {
		c := &contacts[i]
		name := sanitizeForTerminal(c.DisplayName())
		if unread(c.ID) {
			name = "* " + name
		}
		if c.ID == selected {
			row = i + 1
		}

		cl.SetCell(i+1, 0, tview.NewTableCell(" "+tview.Escape(name)).SetMaxWidth(30).SetExpansion(1))
		cl.SetCell(i+1, 1, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(c.LastMessage))).SetMaxWidth(40).SetExpansion(2))
		cl.SetCell(i+1, 2, tview.NewTableCell(" "+formatTimestamp(c.LastMessageTime)).SetMaxWidth(12))
	}
	cl.SetTitle(fmt.Sprintf(" Contacts (%d) ", len(contacts)))
	if len(contacts) > 0 {
		cl.Select(row, 0)
	}
}

// SelectedContact returns the id of the selected contact, or 0.
func (cl *ContactList) SelectedContact() int64 {
	row, _ := cl.GetSelection()
	idx := row - 1
	if idx >= 0 && idx < len(cl.contacts) {
		return cl.contacts[idx].ID
	}
	return 0
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.Local()
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}
