package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// LogMessage is a single line of the log pane.
type LogMessage struct {
	Timestamp time.Time
	Level     string // "ERROR", "WARN", "CMD", "ALARM", ""
	Message   string
}

// LogStore keeps the most recent log lines for the log pane. It implements
// io.Writer so the structured logger can write into it directly.
type LogStore struct {
	messages []LogMessage
	mu       sync.RWMutex
	maxLines int
	gen      uint64
}

// NewLogStore creates a store keeping at most maxLines lines.
func NewLogStore(maxLines int) *LogStore {
	if maxLines <= 0 {
		maxLines = 1000
	}
	return &LogStore{maxLines: maxLines}
}

// Log appends a formatted message.
func (s *LogStore) Log(level, format string, args ...interface{}) {
	s.append(LogMessage{Timestamp: time.Now(), Level: level, Message: fmt.Sprintf(format, args...)})
}

// Write stores each non-empty line of p. zerolog's console writer emits
// one event per call.
func (s *LogStore) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		s.append(LogMessage{Timestamp: time.Now(), Level: levelOf(line), Message: line})
	}
	return len(p), nil
}

func (s *LogStore) append(msg LogMessage) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	if len(s.messages) > s.maxLines {
		s.messages = s.messages[len(s.messages)-s.maxLines:]
	}
	s.gen++
	s.mu.Unlock()
}

// levelOf picks the level out of a console formatted zerolog line.
func levelOf(line string) string {
	switch {
	case strings.Contains(line, " ERR "), strings.Contains(line, " FTL "):
		return "ERROR"
	case strings.Contains(line, " WRN "):
		return "WARN"
	}
	return ""
}

// Messages returns a copy of the stored lines.
func (s *LogStore) Messages() []LogMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LogMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Generation increases on every append. The pane redraws only when it moves.
func (s *LogStore) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Clear removes all lines.
func (s *LogStore) Clear() {
	s.mu.Lock()
	s.messages = nil
	s.gen++
	s.mu.Unlock()
}

// LogPane renders a LogStore.
type LogPane struct {
	store   *LogStore
	view    *tview.TextView
	lastGen uint64
}

// NewLogPane creates the log pane over store.
func NewLogPane(store *LogStore) *LogPane {
	p := &LogPane{store: store}
	p.view = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	p.view.SetBorder(true).SetTitle(" Log ")

	p.view.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'L':
			p.store.Clear()
			p.Refresh()
			return nil
		case 'G':
			p.view.ScrollToEnd()
			return nil
		case 'g':
			p.view.ScrollToBeginning()
			return nil
		}
		return event
	})
	p.RefreshTheme()
	return p
}

// Refresh redraws the pane if the store changed. Must run on the UI goroutine.
func (p *LogPane) Refresh() {
	gen := p.store.Generation()
	if gen == p.lastGen {
		return
	}
	p.lastGen = gen
	p.view.SetText(formatLog(p.store.Messages()))
	p.view.ScrollToEnd()
}

// RefreshTheme reapplies the current theme colors.
func (p *LogPane) RefreshTheme() {
	th := CurrentTheme
	p.view.SetTextColor(th.Text)
	p.view.SetBorderColor(th.Border)
	p.view.SetTitleColor(th.Accent)
	p.lastGen = 0
}

func formatLog(msgs []LogMessage) string {
	th := CurrentTheme
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(th.TagTextDim)
		b.WriteString(m.Timestamp.Format("15:04:05"))
		b.WriteString(th.TagReset)
		b.WriteByte(' ')
		switch m.Level {
		case "ERROR":
			b.WriteString(th.TagError + "ERROR:" + th.TagReset + " ")
		case "WARN":
			b.WriteString(th.TagWarning + "WARN:" + th.TagReset + " ")
		case "CMD":
			b.WriteString(th.TagAccent + "CMD:" + th.TagReset + " ")
		case "ALARM":
			b.WriteString(th.TagError + "ALARM:" + th.TagReset + " ")
		}
		b.WriteString(tview.Escape(m.Message))
		b.WriteByte('\n')
	}
	return b.String()
}
