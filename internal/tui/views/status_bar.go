package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/rivo/tview"

	"github.com/matheus3301/sectorsync/internal/tui/model"
)

// StatusBar displays profile, connection and unread state.
type StatusBar struct {
	*tview.TextView
	profile    string
	state      string
	sector     string
	unread     int
	flash      string
	flashLevel model.FlashLevel
	hints      []string
}

// NewStatusBar creates a new status bar.
func NewStatusBar() *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	return &StatusBar{TextView: tv}
}

// SetProfile updates the profile name display.
func (sb *StatusBar) SetProfile(name string) {
	sb.profile = name
	sb.render()
}

// SetConnection updates the transport state and sector.
func (sb *StatusBar) SetConnection(state, sector string, unread int) {
	sb.state = state
	sb.sector = sector
	sb.unread = unread
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string, level model.FlashLevel) {
	sb.flash = msg
	sb.flashLevel = level
	sb.render()
}

// SetHints sets the key hints shown when no flash is active.
func (sb *StatusBar) SetHints(hints []string) {
	sb.hints = hints
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()

	sector := sb.sector
	if sector == "" {
		sector = "-"
	}
	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s sector %s | unread %d | %s",
		sb.profile, stateColor(sb.state), tview.Escape(sector), sb.unread, time.Now().Format("15:04"))

	switch {
	case sb.flash != "" && sb.flashLevel == model.FlashError:
		line += fmt.Sprintf(" | [red]%s[-]", tview.Escape(sb.flash))
	case sb.flash != "":
		line += fmt.Sprintf(" | [yellow]%s[-]", tview.Escape(sb.flash))
	case len(sb.hints) > 0:
		line += " | [::d]" + strings.Join(sb.hints, " ") + "[-:-:-]"
	}

	_, _ = fmt.Fprint(sb, line)
}

func stateColor(state string) string {
	switch state {
	case "OPEN":
		return "[green]OPEN[-]"
	case "CONNECTING":
		return "[yellow]CONNECTING[-]"
	case "":
		return "[::d]?[-:-:-]"
	default:
		return "[red]" + state + "[-]"
	}
}
