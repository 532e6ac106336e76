package inspector

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/entrhq/sidecart/pkg/types"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203"))

	okStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("114"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// View implements tea.Model.
func (m model) View() string {
	var out strings.Builder

	out.WriteString(titleStyle.Render(fmt.Sprintf("sidecart inspector (tab %d)", m.tabID)))
	out.WriteString("\n\n")

	out.WriteString(m.statusLine())
	out.WriteString("\n")

	if m.rendered == "" {
		out.WriteString(boxStyle.Render(labelStyle.Render("waiting for first record push")))
	} else {
		out.WriteString(boxStyle.Render(m.rendered))
	}
	out.WriteString("\n")

	if len(m.jobLines) > 0 {
		out.WriteString(labelStyle.Render("job updates"))
		out.WriteString("\n")
		out.WriteString(boxStyle.Render(strings.Join(m.jobLines, "\n")))
		out.WriteString("\n")
	}

	if m.status != "" {
		out.WriteString(okStyle.Render(m.status))
		out.WriteString("\n")
	}

	out.WriteString(hintStyle.Render("c: copy record  q: quit"))
	return out.String()
}

// statusLine summarizes the record in one colored line.
func (m model) statusLine() string {
	if m.record == nil {
		return labelStyle.Render("no record")
	}

	parts := []string{string(m.record.DomStatus)}
	if m.record.PageType != "" {
		parts = append(parts, string(m.record.PageType))
	}
	if m.record.ScrapeStatus != "" {
		parts = append(parts, fmt.Sprintf("scrape=%s", m.record.ScrapeStatus))
	}

	line := strings.Join(parts, "  ")
	if m.record.ErrorCode != "" {
		return errorStyle.Render(fmt.Sprintf("%s  error=%s", line, m.record.ErrorCode))
	}
	if m.record.DomStatus == types.DomLoaded {
		return okStyle.Render(line)
	}
	return labelStyle.Render(line)
}
