package tui

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"ccmlink/config"
	"ccmlink/derive"
	"ccmlink/engine"
	"ccmlink/poller"
)

// Engine is the state and command surface the dashboard needs.
// *engine.Engine satisfies it.
type Engine interface {
	GetConfig() *config.Config
	GetEvents() *engine.EventBus
	Statuses() []poller.Status
	Alarms() []derive.Alarm
	Summary() (derive.Summary, bool)
	Refresh(name string) bool
	Command(ctx context.Context, req engine.CommandRequest) error
}

var _ Engine = (*engine.Engine)(nil)

// App is the terminal dashboard.
type App struct {
	app            *tview.Application
	pages          *tview.Pages
	panelTable     *tview.Table
	alarmsView     *tview.TextView
	summaryView    *tview.TextView
	logPane        *LogPane
	statusBar      *tview.TextView
	themeIndicator *tview.TextView

	engine     Engine
	config     *config.Config
	configPath string
	logs       *LogStore

	rows      []panelRow
	focusable []tview.Primitive
	focusIdx  int

	dirty        atomic.Bool
	subscription engine.SubscriberID
	stopChan     chan struct{}

	// Overridable for tests.
	queueUpdate func(func())
	goFn        func(func())
	now         func() time.Time
}

// NewApp creates the dashboard. logs receives the structured log output and
// command results.
func NewApp(eng Engine, configPath string, logs *LogStore) *App {
	return newApp(eng, configPath, logs, tview.NewApplication())
}

// NewAppWithScreen creates the dashboard on the given tcell screen.
func NewAppWithScreen(eng Engine, configPath string, logs *LogStore, screen tcell.Screen) *App {
	return newApp(eng, configPath, logs, tview.NewApplication().SetScreen(screen))
}

func newApp(eng Engine, configPath string, logs *LogStore, tapp *tview.Application) *App {
	cfg := eng.GetConfig()
	if cfg.UI.Theme != "" {
		SetTheme(cfg.UI.Theme)
	}
	if cfg.UI.ASCIIMode {
		UseASCIIBorders()
	}
	if logs == nil {
		logs = NewLogStore(1000)
	}

	a := &App{
		app:        tapp,
		engine:     eng,
		config:     cfg,
		configPath: configPath,
		logs:       logs,
		stopChan:   make(chan struct{}),
		goFn:       func(f func()) { go f() },
		now:        time.Now,
	}
	a.queueUpdate = func(f func()) { a.app.QueueUpdateDraw(f) }
	a.setupUI()
	return a
}

func (a *App) setupUI() {
	a.panelTable = tview.NewTable().
		SetSelectable(true, false).
		SetFixed(1, 0)
	a.panelTable.SetBorder(true).SetTitle(" Painéis ")

	a.alarmsView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	a.alarmsView.SetBorder(true).SetTitle(" Alarmes ")

	a.summaryView = tview.NewTextView().
		SetDynamicColors(true)
	a.summaryView.SetBorder(true).SetTitle(" Resumo ")

	a.logPane = NewLogPane(a.logs)

	a.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)

	a.themeIndicator = tview.NewTextView().
		SetTextAlign(tview.AlignRight)

	top := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(a.panelTable, 0, 3, true).
		AddItem(a.summaryView, 0, 2, false)

	middle := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(a.alarmsView, 0, 1, false).
		AddItem(a.logPane.view, 0, 1, false)

	bottomBar := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(a.statusBar, 0, 1, false).
		AddItem(a.themeIndicator, 24, 0, false)

	mainFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(top, 0, 1, true).
		AddItem(middle, 0, 1, false).
		AddItem(bottomBar, 1, 0, false)

	a.pages = tview.NewPages()
	a.pages.AddPage(PageMain, mainFlex, true, true)

	a.focusable = []tview.Primitive{a.panelTable, a.alarmsView, a.logPane.view}

	a.app.SetInputCapture(a.handleGlobalKeys)
	a.app.SetRoot(a.pages, true)
	a.app.SetFocus(a.panelTable)

	a.refreshTheme()
	a.refresh()
	a.setStatus("Pronto. Pressione ? para ajuda.")
}

func (a *App) handleGlobalKeys(event *tcell.EventKey) *tcell.EventKey {
	if event == nil {
		return nil
	}

	// Modals get every key
	if front, _ := a.pages.GetFrontPage(); front != PageMain {
		return event
	}

	switch event.Key() {
	case tcell.KeyTab:
		a.focusIdx = (a.focusIdx + 1) % len(a.focusable)
		a.app.SetFocus(a.focusable[a.focusIdx])
		return nil
	case tcell.KeyF6:
		name := NextTheme()
		a.refreshTheme()
		a.refresh()
		a.config.Lock()
		a.config.UI.Theme = name
		if err := a.config.UnlockAndSave(a.configPath); err != nil {
			a.logs.Log("ERROR", "save theme: %v", err)
		}
		return nil
	}

	switch event.Rune() {
	case 'Q':
		a.Shutdown()
		return nil
	case '?':
		a.showHelp()
		return nil
	case 'r':
		a.engine.Refresh("")
		a.setStatus("Atualizando leituras...")
		return nil
	case 'e':
		panel := a.selectedPanel()
		if panel == "" {
			a.setStatus("Selecione um painel")
			return nil
		}
		a.showConfirm("Parada de emergência",
			fmt.Sprintf("Acionar emergência no painel %s?", panel),
			func() { a.runCommand(panel, engine.CommandEmergency) })
		return nil
	case 'x':
		panel := a.selectedPanel()
		if panel == "" {
			a.setStatus("Selecione um painel")
			return nil
		}
		a.runCommand(panel, engine.CommandReset)
		return nil
	case 'c':
		a.runCommand("", engine.CommandClearEmergency)
		return nil
	case 'z':
		panel := a.selectedPanel()
		if panel == "" {
			a.setStatus("Selecione um painel")
			return nil
		}
		a.showConfirm("Zerar consumo",
			fmt.Sprintf("Zerar o consumo acumulado do painel %s?", panel),
			func() { a.runCommand(panel, engine.CommandConsumptionReset) })
		return nil
	}
	return event
}

// selectedPanel returns the panel of the highlighted row, or "" when the
// all-panels row or nothing is selected.
func (a *App) selectedPanel() string {
	row, _ := a.panelTable.GetSelection()
	if row < 1 || row > len(a.rows) {
		return ""
	}
	return a.rows[row-1].Panel
}

// runCommand forwards an operator command off the UI goroutine and reports
// the outcome in the status bar and log pane.
func (a *App) runCommand(panel string, cmd engine.Command) {
	label := string(cmd)
	if panel != "" {
		label += " " + panel
	}
	a.setStatus("Enviando " + label + "...")
	a.goFn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := a.engine.Command(ctx, engine.CommandRequest{Panel: panel, Command: cmd, Source: "tui"})
		a.queueUpdate(func() {
			if err != nil {
				a.logs.Log("ERROR", "%s: %v", label, err)
				a.showError("Falha no comando", err.Error())
				a.setStatus("Falha: " + label)
				return
			}
			a.logs.Log("CMD", "%s ok", label)
			a.setStatus("Comando enviado: " + label)
		})
	})
}

func (a *App) setStatus(msg string) {
	a.statusBar.SetText(" " + msg)
}

func (a *App) showHelp() {
	textView := tview.NewTextView().
		SetText(HelpText).
		SetDynamicColors(true)
	textView.SetBorder(true).SetTitle(" Ajuda ")

	textView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyEnter || event.Rune() == '?' {
			a.closeModal(PageHelp)
			return nil
		}
		return event
	})

	a.showCenteredModal(PageHelp, textView, 45, 26)
}

func (a *App) showError(title, message string) {
	modal := tview.NewModal().
		SetText(title + "\n\n" + message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(int, string) {
			a.closeModal(PageError)
		})
	a.pages.AddPage(PageError, modal, true, true)
}

func (a *App) showConfirm(title, message string, onConfirm func()) {
	modal := tview.NewModal().
		SetText(title + "\n\n" + message).
		AddButtons([]string{"Sim", "Não"}).
		SetDoneFunc(func(buttonIndex int, _ string) {
			a.closeModal(PageConfirm)
			if buttonIndex == 0 {
				onConfirm()
			}
		})
	a.pages.AddPage(PageConfirm, modal, true, true)
}

// showCenteredModal displays content centered on the screen and focuses it.
func (a *App) showCenteredModal(pageName string, content tview.Primitive, width, height int) {
	modal := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(content, height, 1, true).
			AddItem(nil, 0, 1, false), width, 1, true).
		AddItem(nil, 0, 1, false)

	a.pages.AddPage(pageName, modal, true, true)
	a.app.SetFocus(content)
}

func (a *App) closeModal(pageName string) {
	a.pages.RemovePage(pageName)
	a.app.SetFocus(a.focusable[a.focusIdx])
}

// refresh redraws every pane from the engine state. Must run on the UI
// goroutine.
func (a *App) refresh() {
	a.rows = buildPanelRows(a.config.PanelIDs(), a.engine.Statuses(), a.now())
	row, _ := a.panelTable.GetSelection()
	renderPanelTable(a.panelTable, a.rows)
	if row < 1 {
		row = 1
	}
	if row > len(a.rows) {
		row = len(a.rows)
	}
	a.panelTable.Select(row, 0)

	alarms := a.engine.Alarms()
	a.alarmsView.SetText(formatAlarms(alarms))
	a.alarmsView.SetTitle(fmt.Sprintf(" Alarmes (%d) ", len(alarms)))

	summary, ok := a.engine.Summary()
	a.summaryView.SetText(formatSummary(summary, ok))

	a.logPane.Refresh()
}

func (a *App) refreshTheme() {
	th := CurrentTheme
	for _, box := range []*tview.Box{a.panelTable.Box, a.alarmsView.Box, a.summaryView.Box} {
		box.SetBorderColor(th.Border)
		box.SetTitleColor(th.Accent)
	}
	a.alarmsView.SetTextColor(th.Text)
	a.summaryView.SetTextColor(th.Text)
	a.statusBar.SetTextColor(th.Text)
	a.logPane.RefreshTheme()
	a.themeIndicator.SetText("Tema (F6): " + GetThemeName() + " ")
	a.themeIndicator.SetTextColor(th.TextDim)
}

// onEvent marks the dashboard stale. Alarm transitions and command results
// from other sources are also written to the log pane.
func (a *App) onEvent(ev engine.Event) {
	switch p := ev.Payload.(type) {
	case engine.AlarmEvent:
		if ev.Type == engine.EventAlarmRaised {
			a.logs.Log("ALARM", "%s %s: %s", p.Alarm.Severity, p.Alarm.Panel, p.Alarm.Label)
		} else {
			a.logs.Log("", "alarme normalizado: %s", p.Alarm.ID)
		}
	case engine.CommandEvent:
		if p.Source != "tui" {
			a.logs.Log("CMD", "%s %s via %s", p.Command, p.Panel, p.Source)
		}
	}
	a.dirty.Store(true)
}

// Run starts the dashboard and blocks until it exits.
func (a *App) Run() error {
	if bus := a.engine.GetEvents(); bus != nil {
		a.subscription = bus.SubscribeTypes(a.onEvent,
			engine.EventStatus,
			engine.EventAlarmRaised,
			engine.EventAlarmCleared,
			engine.EventSummary,
			engine.EventCommand,
		)
	}
	go a.periodicRefresh()
	return a.app.Run()
}

// periodicRefresh redraws the dashboard when events arrived and keeps the
// ages and log pane current.
func (a *App) periodicRefresh() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			ticks++
			if !a.dirty.Swap(false) && ticks%2 != 0 {
				a.queueUpdate(a.logPane.Refresh)
				continue
			}
			a.queueUpdate(a.refresh)
		}
	}
}

// Shutdown stops the refresh loop and the TUI. The engine is stopped by
// the caller.
func (a *App) Shutdown() {
	select {
	case <-a.stopChan:
		return
	default:
		close(a.stopChan)
	}
	if bus := a.engine.GetEvents(); bus != nil && a.subscription != 0 {
		bus.Unsubscribe(a.subscription)
	}
	a.app.Stop()
}

// Done is closed when the dashboard has been shut down.
func (a *App) Done() <-chan struct{} {
	return a.stopChan
}
