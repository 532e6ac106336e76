// Package inspector is the terminal UI surface of the coordinator: it
// attaches to a tab, renders the live view record, and tails job updates.
// It stands in for the extension popup during development and debugging.
package inspector

import (
	"fmt"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/entrhq/sidecart/pkg/types"
	"github.com/entrhq/sidecart/pkg/viewstate"
)

// maxJobLines bounds the job update tail kept on screen.
const maxJobLines = 8

// recordMsg carries a record push into the TUI event loop.
type recordMsg struct {
	tabID int
	rec   types.ViewRecord
}

// jobMsg carries a job update into the TUI event loop.
type jobMsg struct {
	tabID  int
	update types.JobUpdate
}

// copiedMsg reports the outcome of a clipboard copy.
type copiedMsg struct {
	err error
}

// Inspector wraps the Bubble Tea program and implements the attachment
// sink, so cache pushes and job updates land directly in the event loop.
type Inspector struct {
	program *tea.Program
}

// New creates an inspector bound to a tab.
func New(tabID int) *Inspector {
	m := newModel(tabID)
	return &Inspector{program: tea.NewProgram(m, tea.WithAltScreen())}
}

// Run blocks until the user quits.
func (i *Inspector) Run() error {
	_, err := i.program.Run()
	return err
}

// Quit stops the program from outside the event loop.
func (i *Inspector) Quit() {
	i.program.Quit()
}

// Deliver implements the attachment sink for record pushes.
func (i *Inspector) Deliver(tabID int, rec types.ViewRecord) {
	i.program.Send(recordMsg{tabID: tabID, rec: rec})
}

// DeliverJobUpdate implements the attachment sink for job updates.
func (i *Inspector) DeliverJobUpdate(tabID int, update types.JobUpdate) {
	i.program.Send(jobMsg{tabID: tabID, update: update})
}

// model is the TUI state.
type model struct {
	tabID    int
	record   *types.ViewRecord
	rendered string
	jobLines []string
	status   string

	width  int
	height int
}

func newModel(tabID int) model {
	return model{tabID: tabID}
}

// Init implements tea.Model.
func (m model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case recordMsg:
		if msg.tabID != m.tabID {
			return m, nil
		}
		rec := msg.rec
		m.record = &rec
		rendered, err := viewstate.MarshalRecord(rec)
		if err != nil {
			rendered = fmt.Sprintf("render error: %v", err)
		}
		m.rendered = rendered
		m.status = ""
		return m, nil

	case jobMsg:
		line := fmt.Sprintf("[%s] %s", msg.update.JobID, msg.update.Message)
		m.jobLines = append(m.jobLines, line)
		if len(m.jobLines) > maxJobLines {
			m.jobLines = m.jobLines[len(m.jobLines)-maxJobLines:]
		}
		return m, nil

	case copiedMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("copy failed: %v", msg.err)
		} else {
			m.status = "record copied to clipboard"
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			if m.record == nil {
				return m, nil
			}
			content := m.rendered
			return m, func() tea.Msg {
				return copiedMsg{err: clipboard.WriteAll(content)}
			}
		}
	}

	return m, nil
}
