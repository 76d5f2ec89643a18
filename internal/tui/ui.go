package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/procwatch/internal/cliutil"
	"github.com/Paintersrp/procwatch/internal/engine"
	"github.com/Paintersrp/procwatch/internal/posix/signal"
)

const (
	tableTitle          = "Processes"
	logsTitle           = "Logs"
	filterPageName      = "filter"
	defaultLogRetention = 500
	maxMessageWidth     = 80
)

// Signaler delivers a signal to the named process.
type Signaler func(process string, sig signal.Signal) error

// Option configures UI behaviour.
type Option func(*UI)

// WithMaxLogs sets the number of log lines retained per process.
func WithMaxLogs(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxLogs = n
		}
	}
}

// WithSignaler enables the signal shortcuts.
func WithSignaler(fn Signaler) Option {
	return func(u *UI) {
		u.signaler = fn
	}
}

// UI renders supervised processes and the selected process's log tail.
type UI struct {
	app    *tview.Application
	pages  *tview.Pages
	table  *tview.Table
	logs   *tview.TextView
	status *tview.TextView
	events chan engine.Event

	processes map[string]*processState
	signaler  Signaler

	visible     []string
	selected    string
	logsJSON    bool
	filter      string
	filterExpr  *regexp.Regexp
	logsFocused bool
	maxLogs     int
	// selecting is set while the table selection is moved programmatically.
	// Only touched on the application goroutine.
	selecting bool

	mu sync.RWMutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	wg        sync.WaitGroup
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

type processState struct {
	name      string
	state     engine.EventType
	pid       int
	startedAt time.Time
	restarts  int
	lastExit  string
	message   string

	logs []engine.Event
}

// New constructs a UI configured with the supplied options.
func New(opts ...Option) *UI {
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(tableTitle)

	logs := tview.NewTextView().SetDynamicColors(false).SetWrap(false)
	logs.SetBorder(true).SetTitle(logsTitle)
	logs.SetChangedFunc(func() {
		app.Draw()
	})

	status := tview.NewTextView()
	status.SetText(helpText)

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 0, 3, true).
		AddItem(logs, 0, 2, false).
		AddItem(status, 1, 0, false)

	ui := &UI{
		app:       app,
		pages:     tview.NewPages().AddPage("main", flex, true, true),
		table:     table,
		logs:      logs,
		status:    status,
		events:    make(chan engine.Event, 256),
		processes: make(map[string]*processState),
		maxLogs:   defaultLogRetention,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ui)
	}

	onSelect := func(row, column int) {
		if ui.selecting {
			return
		}
		ui.mu.Lock()
		defer ui.mu.Unlock()
		ui.syncSelection(row)
		ui.renderLogsLocked()
	}
	table.SetSelectedFunc(onSelect)
	table.SetSelectionChangedFunc(onSelect)

	app.SetRoot(ui.pages, true)
	app.SetInputCapture(ui.handleKey)

	ui.mu.Lock()
	ui.refreshTableLocked()
	ui.mu.Unlock()

	return ui
}

const helpText = " q quit  / filter  enter focus logs  j json  t TERM  k KILL  h HUP"

// EventSink exposes the channel engine events should be delivered to.
func (u *UI) EventSink() chan<- engine.Event {
	return u.events
}

// CloseEvents closes the event sink.
func (u *UI) CloseEvents() {
	u.closeOnce.Do(func() {
		close(u.events)
	})
}

// Done is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run starts the application and processes events until Stop is invoked or
// ctx is cancelled.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	u.cancelMu.Lock()
	u.cancel = cancel
	u.cancelMu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.consumeEvents(ctx)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()

	cancel()
	u.wg.Wait()
	u.Stop()

	return err
}

// Stop terminates the application loop.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.cancelMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		close(u.done)
	})
}

func (u *UI) consumeEvents(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-u.events:
			if !ok {
				return
			}
			u.applyEvent(evt)
		case <-ticker.C:
			u.queueRefresh(false)
		}
	}
}

// overlayFocused reports whether a prompt or modal owns the keyboard.
func (u *UI) overlayFocused() bool {
	focus := u.app.GetFocus()
	return focus != nil && focus != u.table && focus != u.logs
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if u.overlayFocused() {
		return event
	}
	switch event.Key() {
	case tcell.KeyEnter:
		u.toggleFocus()
		return nil
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			go u.Stop()
			return nil
		case '/':
			u.showFilterPrompt()
			return nil
		case 'j', 'J':
			u.toggleJSON()
			return nil
		case 't':
			u.signalSelected(signal.Term)
			return nil
		case 'k':
			u.signalSelected(signal.Kill)
			return nil
		case 'h':
			u.signalSelected(signal.Hup)
			return nil
		}
	}
	return event
}

func (u *UI) toggleFocus() {
	if u.logsFocused {
		u.app.SetFocus(u.table)
	} else {
		u.app.SetFocus(u.logs)
	}
	u.logsFocused = !u.logsFocused
}

func (u *UI) toggleJSON() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.logsJSON = !u.logsJSON
	u.renderLogsLocked()
}

func (u *UI) signalSelected(sig signal.Signal) {
	u.mu.RLock()
	name := u.selected
	u.mu.RUnlock()
	if name == "" {
		return
	}
	if u.signaler == nil {
		u.status.SetText(" signals are not available in this mode")
		return
	}
	if err := u.signaler(name, sig); err != nil {
		u.status.SetText(fmt.Sprintf(" %s %s: %v", sig, name, err))
		return
	}
	u.status.SetText(fmt.Sprintf(" sent %s to %s", sig, name))
}

func (u *UI) showFilterPrompt() {
	u.mu.RLock()
	current := u.filter
	u.mu.RUnlock()

	input := tview.NewInputField().
		SetLabel("Regex filter: ").
		SetText(current).
		SetFieldWidth(40)

	closePrompt := func() {
		u.pages.RemovePage(filterPageName)
		u.app.SetFocus(u.table)
		u.logsFocused = false
	}
	form := tview.NewForm().
		AddFormItem(input).
		AddButton("Apply", func() {
			closePrompt()
			u.applyFilter(input.GetText())
		}).
		AddButton("Cancel", closePrompt)
	form.SetBorder(true).SetTitle("Filter Processes")

	grid := tview.NewGrid().
		SetColumns(0, 60, 0).
		SetRows(0, 7, 0).
		AddItem(form, 1, 1, 1, 1, 0, 0, true)

	u.pages.AddPage(filterPageName, grid, true, true)
	u.app.SetFocus(input)
}

func (u *UI) applyFilter(expr string) {
	expr = strings.TrimSpace(expr)
	var re *regexp.Regexp
	if expr != "" {
		var err error
		if re, err = regexp.Compile(expr); err != nil {
			u.showErrorModal(fmt.Sprintf("Invalid filter: %v", err))
			return
		}
	}

	u.mu.Lock()
	u.filter = expr
	u.filterExpr = re
	u.mu.Unlock()
	u.queueRefresh(true)
}

func (u *UI) showErrorModal(message string) {
	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(int, string) {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	u.pages.RemovePage(filterPageName)
	u.pages.AddPage(filterPageName, modal, true, true)
	u.app.SetFocus(modal)
}

func (u *UI) applyEvent(evt engine.Event) {
	updateLogs := u.record(evt)
	u.queueRefresh(updateLogs)
}

// record folds evt into the process table and reports whether the visible
// log pane is affected.
func (u *UI) record(evt engine.Event) bool {
	if evt.Process == "" {
		return false
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	state := u.processes[evt.Process]
	if state == nil {
		state = &processState{name: evt.Process}
		u.processes[evt.Process] = state
	}

	switch evt.Type {
	case engine.EventTypeLog:
		state.logs = append(state.logs, evt)
		if len(state.logs) > u.maxLogs {
			state.logs = append([]engine.Event(nil), state.logs[len(state.logs)-u.maxLogs:]...)
		}
		return state.name == u.selected || u.selected == ""
	case engine.EventTypeSpawned:
		state.pid = evt.PID
		state.startedAt = evt.Timestamp
	case engine.EventTypeExited, engine.EventTypeKilled:
		state.pid = 0
		state.startedAt = time.Time{}
		if evt.Status != nil {
			state.lastExit = evt.Status.String()
		}
	case engine.EventTypeRestarting:
		state.restarts = evt.Attempt
	}
	state.state = evt.Type
	state.message = cliutil.RedactSecrets(formatEventMessage(evt))
	return false
}

func formatEventMessage(evt engine.Event) string {
	msg := evt.Message
	if evt.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += evt.Err.Error()
	}
	if evt.Reason != "" {
		if msg == "" {
			return evt.Reason
		}
		msg += " (" + evt.Reason + ")"
	}
	return msg
}

func (u *UI) queueRefresh(updateLogs bool) {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.refreshTableLocked()
		if updateLogs {
			u.renderLogsLocked()
		}
	})
}

func (u *UI) refreshTableLocked() {
	u.table.Clear()

	headers := []string{"PROCESS", "STATE", "PID", "RESTARTS", "UPTIME", "LAST EXIT", "MESSAGE"}
	for col, header := range headers {
		u.table.SetCell(0, col, tview.NewTableCell(header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}

	names := make([]string, 0, len(u.processes))
	for name := range u.processes {
		if u.filterExpr != nil && !u.filterExpr.MatchString(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	u.visible = names

	if u.filter != "" {
		u.table.SetTitle(fmt.Sprintf("%s /%s/", tableTitle, u.filter))
	} else {
		u.table.SetTitle(tableTitle)
	}

	for row, name := range names {
		for col, value := range rowValues(u.processes[name]) {
			cell := tview.NewTableCell(value)
			if col == 0 {
				cell = cell.SetReference(name)
			}
			if col == 1 {
				cell = cell.SetTextColor(stateColor(u.processes[name].state))
			}
			u.table.SetCell(row+1, col, cell)
		}
	}

	u.ensureSelectionLocked()
}

func rowValues(state *processState) []string {
	pid, uptime := "-", "-"
	if state.pid > 0 {
		pid = strconv.Itoa(state.pid)
		uptime = time.Since(state.startedAt).Truncate(time.Second).String()
	}
	lastExit := state.lastExit
	if lastExit == "" {
		lastExit = "-"
	}
	message := state.message
	if len(message) > maxMessageWidth {
		message = message[:maxMessageWidth-3] + "..."
	}
	return []string{
		state.name,
		formatState(state.state),
		pid,
		strconv.Itoa(state.restarts),
		uptime,
		lastExit,
		message,
	}
}

func stateColor(t engine.EventType) tcell.Color {
	switch t {
	case engine.EventTypeSpawned, engine.EventTypeReady, engine.EventTypeLog:
		return tcell.ColorGreen
	case engine.EventTypeFailed, engine.EventTypeError, engine.EventTypeKilled:
		return tcell.ColorRed
	case engine.EventTypeRestarting, engine.EventTypeStopping, engine.EventTypeSignaled, engine.EventTypeUnready:
		return tcell.ColorYellow
	default:
		return tcell.ColorWhite
	}
}

func (u *UI) renderLogsLocked() {
	u.logs.Clear()
	state := u.processes[u.selected]
	if state == nil {
		u.logs.SetTitle(logsTitle)
		return
	}
	u.logs.SetTitle(fmt.Sprintf("%s (%s)", logsTitle, state.name))

	for _, evt := range state.logs {
		if !u.logsJSON {
			fmt.Fprintln(u.logs, cliutil.FormatEvent(evt))
			continue
		}
		data, err := json.Marshal(cliutil.NewLogRecord(evt))
		if err != nil {
			fmt.Fprintf(u.logs, "{\"error\":%q}\n", err.Error())
			continue
		}
		fmt.Fprintf(u.logs, "%s\n", data)
	}
	u.logs.ScrollToEnd()
}

func (u *UI) ensureSelectionLocked() {
	u.selecting = true
	defer func() { u.selecting = false }()
	if len(u.visible) == 0 {
		u.selected = ""
		u.table.Select(0, 0)
		return
	}
	idx := -1
	for i, name := range u.visible {
		if name == u.selected {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = 0
		u.selected = u.visible[0]
	}
	u.table.Select(idx+1, 0)
}

func (u *UI) syncSelection(row int) {
	if row <= 0 || row-1 >= len(u.visible) {
		return
	}
	u.selected = u.visible[row-1]
}

func formatState(t engine.EventType) string {
	if t == "" {
		return "-"
	}
	s := string(t)
	return strings.ToUpper(s[:1]) + s[1:]
}
