// ABOUTME: Terminal rendering for replies, threads and listings
// ABOUTME: Markdown goes through glamour; headers and tables are styled with lipgloss

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/2389/coven-crew/internal/agent"
	"github.com/2389/coven-crew/internal/store"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	authorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

// markdownRenderer renders markdown for the terminal, or passes it through
// when styling is off.
type markdownRenderer struct {
	r *glamour.TermRenderer
}

func newMarkdownRenderer(plain bool, width int) *markdownRenderer {
	if plain {
		return &markdownRenderer{}
	}
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return &markdownRenderer{}
	}
	return &markdownRenderer{r: r}
}

func (m *markdownRenderer) Render(content string) string {
	if m.r == nil || strings.TrimSpace(content) == "" {
		return strings.TrimSpace(content)
	}
	out, err := m.r.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(out, "\n")
}

// printReply writes an agent reply with any failed delegations called out.
func printReply(w io.Writer, md *markdownRenderer, reply *agent.Reply) {
	fmt.Fprintln(w, authorStyle.Render(reply.Author))
	fmt.Fprintln(w, md.Render(reply.Text))
	for _, s := range reply.SubReplies {
		if s.Failed {
			fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("! %s failed after %d attempts: %s", s.Agent.DisplayName(), s.Attempts, s.Error)))
		}
	}
	fmt.Fprintln(w)
}

// printThread writes a thread header and every message.
func printThread(w io.Writer, md *markdownRenderer, t *store.Thread) {
	fmt.Fprintln(w, titleStyle.Render(t.DisplayTitle()))
	meta := fmt.Sprintf("%s · %s · %d messages", t.ID, t.AgentType.DisplayName(), len(t.Messages))
	if len(t.Tags) > 0 {
		meta += " · " + strings.Join(t.Tags, ", ")
	}
	fmt.Fprintln(w, dimStyle.Render(meta))
	fmt.Fprintln(w)

	for _, m := range t.Messages {
		style := authorStyle
		name := m.AuthorName
		if m.Role == agent.RoleUser {
			style = userStyle
			name = "You"
		}
		fmt.Fprintf(w, "%s %s\n", style.Render(name), dimStyle.Render(m.Timestamp.Local().Format("Jan 2 15:04")))
		fmt.Fprintln(w, md.Render(m.Content))
		fmt.Fprintln(w)
	}
}

// printThreadList writes one line per thread summary.
func printThreadList(w io.Writer, list []store.ThreadSummary, now time.Time) {
	if len(list) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no threads"))
		return
	}
	for _, s := range list {
		fmt.Fprintf(w, "%s  %-10s  %s %s\n",
			dimStyle.Render(shortID(s.ID)),
			string(s.AgentType),
			s.Title,
			dimStyle.Render(fmt.Sprintf("(%d msgs, %s)", s.MessageCount, ago(now, s.UpdatedAt))))
		if s.LastMessagePreview != "" {
			fmt.Fprintf(w, "          %s\n", dimStyle.Render(s.LastMessagePreview))
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ago formats the time since t coarsely.
func ago(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}
