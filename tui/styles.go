// Package tui provides the terminal dashboard for ccmlink.
package tui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Theme holds the colors and tview color tags used by the dashboard.
type Theme struct {
	Name string

	Text    tcell.Color
	TextDim tcell.Color
	Border  tcell.Color
	Accent  tcell.Color

	TagText    string
	TagTextDim string
	TagAccent  string
	TagSuccess string
	TagWarning string
	TagError   string
	TagReset   string
}

var themes = []Theme{
	{
		Name:       "default",
		Text:       tcell.ColorWhite,
		TextDim:    tcell.ColorGray,
		Border:     tcell.ColorSteelBlue,
		Accent:     tcell.ColorYellow,
		TagText:    "[white]",
		TagTextDim: "[gray]",
		TagAccent:  "[yellow]",
		TagSuccess: "[green]",
		TagWarning: "[orange]",
		TagError:   "[red]",
		TagReset:   "[-]",
	},
	{
		Name:       "highcontrast",
		Text:       tcell.ColorWhite,
		TextDim:    tcell.ColorSilver,
		Border:     tcell.ColorWhite,
		Accent:     tcell.ColorAqua,
		TagText:    "[white]",
		TagTextDim: "[silver]",
		TagAccent:  "[aqua]",
		TagSuccess: "[lime]",
		TagWarning: "[yellow]",
		TagError:   "[fuchsia]",
		TagReset:   "[-]",
	},
	{
		Name:       "mono",
		Text:       tcell.ColorDefault,
		TextDim:    tcell.ColorDefault,
		Border:     tcell.ColorDefault,
		Accent:     tcell.ColorDefault,
		TagText:    "",
		TagTextDim: "",
		TagAccent:  "",
		TagSuccess: "",
		TagWarning: "",
		TagError:   "",
		TagReset:   "",
	},
}

// CurrentTheme is the active theme.
var CurrentTheme = themes[0]

// SetTheme activates the named theme. Unknown names keep the current one.
func SetTheme(name string) bool {
	for _, th := range themes {
		if th.Name == name {
			CurrentTheme = th
			return true
		}
	}
	return false
}

// NextTheme cycles to the next theme and returns its name.
func NextTheme() string {
	for i, th := range themes {
		if th.Name == CurrentTheme.Name {
			CurrentTheme = themes[(i+1)%len(themes)]
			return CurrentTheme.Name
		}
	}
	CurrentTheme = themes[0]
	return CurrentTheme.Name
}

// GetThemeName returns the name of the active theme.
func GetThemeName() string {
	return CurrentTheme.Name
}

// UseASCIIBorders switches tview to plain ASCII box drawing for terminals
// without Unicode line characters.
func UseASCIIBorders() {
	tview.Borders.Horizontal = '-'
	tview.Borders.Vertical = '|'
	tview.Borders.TopLeft = '+'
	tview.Borders.TopRight = '+'
	tview.Borders.BottomLeft = '+'
	tview.Borders.BottomRight = '+'
	tview.Borders.HorizontalFocus = '='
	tview.Borders.VerticalFocus = '|'
	tview.Borders.TopLeftFocus = '+'
	tview.Borders.TopRightFocus = '+'
	tview.Borders.BottomLeftFocus = '+'
	tview.Borders.BottomRightFocus = '+'
}

// Status indicator strings
const (
	StatusIndicatorConnected    = "●"
	StatusIndicatorDisconnected = "○"
	StatusIndicatorConnecting   = "◐"
)

// Page names
const (
	PageMain    = "main"
	PageHelp    = "help"
	PageConfirm = "confirm"
	PageError   = "error"
)

// HelpText lists the dashboard key bindings.
const HelpText = `
 Keyboard Shortcuts
 ──────────────────────────────────────

 Navigation
   Tab          Move between panes
   Up/Down      Select panel
   Escape       Close dialog
   ?            Show this help

 Panels
   r            Refresh all pollers
   e            Emergency stop (confirm)
   x            Reset selected panel
   c            Clear emergency
   z            Reset consumption (confirm)

 Log
   L            Clear log pane
   G / g        Scroll to end / start

 Application
   F6           Cycle theme
   Q            Quit
`
