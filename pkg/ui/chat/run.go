package chat

import (
	"context"
	"fmt"

	"fathom/pkg/transcript"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Controller is the session surface the chat UI consumes.
// *session.Orchestrator satisfies it.
type Controller interface {
	SessionID() string
	SendMessage(ctx context.Context, text string) error
	LoadOlder()
	Messages() []transcript.Message
	Connected() bool
	ReconnectAttempts() int
	ConnectionError() string
	IsLoadingOlder() bool
	CanLoadOlder() bool
	Subscribe() (<-chan struct{}, func())
}

// RunInteractive drives the full-screen chat console until the user quits.
func RunInteractive(ctx context.Context, controller Controller) error {
	model := newModel(ctx, controller, modeInteractive, "")
	defer model.unsubscribe()

	program := tea.NewProgram(model, tea.WithMouseCellMotion())
	if _, err := program.Run(); err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(renderGoodbyeBanner())
	return nil
}

// RunOneShot submits a single question, waits for the analysis to finish,
// prints the answer, and exits.
func RunOneShot(ctx context.Context, controller Controller, prompt string) error {
	model := newModel(ctx, controller, modeOneShot, prompt)
	defer model.unsubscribe()

	program := tea.NewProgram(model)
	_, err := program.Run()
	return err
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("24")).
		Padding(1, 2)

	return style.Render("🌊 Thanks for using Fathom")
}
