package chat

import (
	"context"
	"fmt"
	"strings"

	"fathom/pkg/pager"
	"fathom/pkg/transcript"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type mode int

const (
	modeInteractive mode = iota
	modeOneShot
)

// nearTopLines is how close to the top of the scrollback the viewport must
// be before the next history page is requested.
const nearTopLines = 3

type sessionUpdateMsg struct{}

type updatesClosedMsg struct{}

type sendResultMsg struct {
	err error
}

type model struct {
	ctx          context.Context
	controller   Controller
	mode         mode
	oneShotInput string

	updates     <-chan struct{}
	unsubscribe func()

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	width     int
	height    int
	isReady   bool
	isSending bool
	lastErr   string
	followLog bool
	oldestID  string
}

func newModel(ctx context.Context, controller Controller, runMode mode, prompt string) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("44"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Ask about a ticker, e.g. analyze AAPL..."
	in.Focus()
	in.CharLimit = 0

	vp := viewport.New(80, 12)

	m := &model{
		ctx:          ctx,
		controller:   controller,
		mode:         runMode,
		oneShotInput: strings.TrimSpace(prompt),
		theme:        defaultTheme(),
		spinner:      spin,
		input:        in,
		viewport:     vp,
		width:        100,
		height:       28,
		followLog:    true,
	}

	if controller != nil {
		m.updates, m.unsubscribe = controller.Subscribe()
	}
	return m
}

func (m *model) Init() tea.Cmd {
	cmds := []tea.Cmd{waitUpdateCmd(m.updates)}

	if m.mode == modeOneShot && m.oneShotInput != "" {
		m.isSending = true
		return tea.Batch(append(cmds, m.spinner.Tick, sendCmd(m.ctx, m.controller, m.oneShotInput))...)
	}

	return tea.Batch(append(cmds, textinput.Blink)...)
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case sessionUpdateMsg:
		m.refreshViewport(false)
		if m.mode == modeOneShot && m.oneShotDone() {
			return m, tea.Quit
		}
		if m.busy() {
			return m, tea.Batch(waitUpdateCmd(m.updates), m.spinner.Tick)
		}
		return m, waitUpdateCmd(m.updates)
	case updatesClosedMsg:
		return m, nil
	case sendResultMsg:
		m.isSending = false
		if typed.err != nil {
			m.lastErr = typed.err.Error()
			if m.mode == modeOneShot {
				m.refreshViewport(false)
				return m, tea.Quit
			}
		} else {
			m.lastErr = ""
		}
		m.refreshViewport(false)
		return m, nil
	case tea.MouseMsg:
		if m.mode == modeInteractive {
			if handled := m.handleViewportMouse(typed); handled {
				return m, nil
			}
		}
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.mode == modeInteractive {
			if handled := m.handleViewportKey(typed); handled {
				return m, nil
			}
		}

		if m.mode == modeOneShot {
			return m, nil
		}

		if typed.String() == "enter" {
			if m.isSending {
				return m, nil
			}

			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			if isExitCommand(text) {
				return m, tea.Quit
			}

			m.lastErr = ""
			m.input.SetValue("")
			m.isSending = true
			m.followLog = true
			return m, tea.Batch(m.spinner.Tick, sendCmd(m.ctx, m.controller, text))
		}
	}

	if m.mode == modeInteractive {
		m.input, cmd = m.input.Update(msg)
	}

	if typed, ok := msg.(spinner.TickMsg); ok {
		if !m.busy() {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	}

	return m, cmd
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.mode == modeOneShot {
		return m.oneShotView()
	}

	header := m.theme.header.Width(m.width - 2).Render("🌊 Fathom Analysis Console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"session:%s · messages:%d · %s",
		m.controller.SessionID(),
		len(m.controller.Messages()),
		m.connectivityLabel(),
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	parts := []string{header, meta, line, m.theme.viewport.Width(m.width - 2).Render(m.viewport.View()), m.statusLine()}
	parts = append(parts,
		m.theme.inputLabel.Render("You")+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *model) statusLine() string {
	if connErr := m.controller.ConnectionError(); connErr != "" {
		return m.theme.statusErr.Render("🚨 " + connErr)
	}
	if !m.controller.Connected() {
		return m.theme.statusOffline.Render(fmt.Sprintf("⏳ reconnecting (attempt %d)...", m.controller.ReconnectAttempts()))
	}
	if m.busy() {
		return m.theme.statusBusy.Render(fmt.Sprintf("%s analyzing...", m.spinner.View()))
	}
	if m.lastErr != "" {
		return m.theme.statusErr.Render("🚨 last request failed - try again")
	}
	return m.theme.status.Render("Enter send  ·  PgUp/PgDn scroll  ·  End jump latest  ·  Ctrl+C/Esc quit")
}

func (m *model) connectivityLabel() string {
	if m.controller.ConnectionError() != "" {
		return "offline"
	}
	if m.controller.Connected() {
		return "live"
	}
	return "reconnecting"
}

// busy reports whether anything worth a spinner is happening: a turn being
// submitted, an analysis still running, or a history page loading.
func (m *model) busy() bool {
	if m.isSending || m.controller.IsLoadingOlder() {
		return true
	}
	for _, msg := range m.controller.Messages() {
		if msg.Status.InFlight() {
			return true
		}
	}
	return false
}

func (m *model) oneShotDone() bool {
	messages := m.controller.Messages()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == transcript.RoleAssistant {
			return messages[i].Status.Terminal()
		}
	}
	return false
}

func (m *model) resizeComponents() {
	w := m.width - 6
	if w < 50 {
		w = 50
	}
	h := m.height - 10
	if m.mode == modeOneShot {
		h = m.height - 6
	}
	if h < 8 {
		h = 8
	}

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

// refreshViewport re-renders the transcript. When older history was
// prepended since the last render, the scroll anchor shifts by exactly the
// inserted height so the reader's position does not jump.
func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	previousHeight := m.viewport.TotalLineCount()
	previousOldest := m.oldestID

	messages := m.controller.Messages()
	sections := make([]string, 0, len(messages)+1)
	if notice := m.historyNotice(); notice != "" {
		sections = append(sections, notice)
	}
	for _, msg := range messages {
		sections = append(sections, m.renderMessage(msg))
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))

	m.oldestID = ""
	if len(messages) > 0 {
		m.oldestID = messages[0].ID
	}

	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	offset := previousOffset
	if previousOldest != "" && m.oldestID != previousOldest {
		anchor := pager.Anchor{Top: previousOffset, Height: previousHeight}
		offset = anchor.Restore(m.viewport.TotalLineCount())
	}

	maxOffset := m.viewport.TotalLineCount() - m.viewport.Height
	if maxOffset < 0 {
		maxOffset = 0
	}
	if offset > maxOffset {
		offset = maxOffset
	}
	if offset < 0 {
		offset = 0
	}
	m.viewport.SetYOffset(offset)
}

func (m *model) historyNotice() string {
	if m.controller.IsLoadingOlder() {
		return m.theme.historyNotice.Render("… loading older messages")
	}
	if m.controller.CanLoadOlder() {
		return m.theme.historyNotice.Render("· scroll up for older messages ·")
	}
	return ""
}

func (m *model) renderMessage(msg transcript.Message) string {
	if msg.Role == transcript.RoleUser {
		return m.renderCard(
			m.theme.userTitle.Render("▛▚ [ YOU ] ▞▜"),
			m.theme.userBox.Width(m.viewport.Width).Render(strings.TrimSpace(msg.Content)),
		)
	}

	if msg.Status.InFlight() {
		body := strings.TrimSpace(msg.Content)
		if body == "" {
			body = "analysis in progress"
		}
		return m.renderCard(
			m.theme.answerTitle.Render("▛▚ [ FATHOM ] ▞▜"),
			m.theme.progressLine.Render(m.spinner.View()+" "+body),
		)
	}

	switch {
	case msg.Status == transcript.StatusFailed || msg.Kind == transcript.KindError:
		return m.renderCard(
			m.theme.errorTitle.Render("▛▚ [ ERROR ] ▞▜"),
			m.theme.errorBox.Width(m.viewport.Width).Render(strings.TrimSpace(msg.Content)),
		)
	case msg.Kind == transcript.KindClarification:
		return m.renderCard(
			m.theme.clarifyTitle.Render("▛▚ [ FATHOM ? ] ▞▜"),
			m.theme.clarifyBox.Width(m.viewport.Width).Render(strings.TrimSpace(msg.Content)),
		)
	default:
		return m.renderCard(
			m.theme.answerTitle.Render("▛▚ [ FATHOM ] ▞▜"),
			m.theme.answerBox.Width(m.viewport.Width).Render(strings.TrimSpace(msg.Content)),
		)
	}
}

func (m *model) renderCard(title string, body string) string {
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (m *model) oneShotView() string {
	contentWidth := max(40, m.width-6)
	parts := []string{m.renderCard(
		m.theme.userTitle.Render("▛▚ [ SENT ] ▞▜"),
		m.theme.userBox.Width(contentWidth).Render(strings.TrimSpace(m.oneShotInput)),
	)}

	if m.lastErr != "" {
		parts = append(parts,
			m.renderCard(
				m.theme.errorTitle.Render("▛▚ [ ERROR ] ▞▜"),
				m.theme.errorBox.Width(contentWidth).Render(strings.TrimSpace(m.lastErr)),
			),
		)
		return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n\n"
	}

	if !m.oneShotDone() {
		parts = append(parts, m.theme.statusBusy.Render(fmt.Sprintf("%s waiting for analysis...", m.spinner.View())))
		return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n"
	}

	messages := m.controller.Messages()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != transcript.RoleAssistant {
			continue
		}
		parts = append(parts, m.renderMessage(messages[i]))
		break
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n\n"
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		m.maybeRequestOlder()
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		m.maybeRequestOlder()
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.LineUp(3)
		m.followLog = false
		m.maybeRequestOlder()
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.LineDown(3)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

// maybeRequestOlder asks for the previous history page once the reader is
// near the top of the scrollback. The controller debounces bursts.
func (m *model) maybeRequestOlder() {
	if m.viewport.YOffset > nearTopLines {
		return
	}
	if !m.controller.CanLoadOlder() {
		return
	}
	m.controller.LoadOlder()
}

func waitUpdateCmd(updates <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if updates == nil {
			return updatesClosedMsg{}
		}
		if _, ok := <-updates; !ok {
			return updatesClosedMsg{}
		}
		return sessionUpdateMsg{}
	}
}

func sendCmd(ctx context.Context, controller Controller, text string) tea.Cmd {
	return func() tea.Msg {
		return sendResultMsg{err: controller.SendMessage(ctx, text)}
	}
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
