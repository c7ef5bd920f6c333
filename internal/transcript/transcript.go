// ABOUTME: Renders a thread as a Markdown, HTML or JSON transcript
// ABOUTME: HTML is produced from the Markdown transcript with goldmark

// Package transcript exports threads for reading outside the crew.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-crew/internal/agent"
	"github.com/2389/coven-crew/internal/store"
)

// Format selects the transcript encoding.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatJSON     Format = "json"
)

// ParseFormat accepts "markdown" (or "md"), "html" and "json". Empty means markdown.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "markdown", "md":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: unknown transcript format %q", agent.ErrInvalidArgument, s)
}

// ContentType is the HTTP media type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatJSON:
		return "application/json"
	}
	return "text/markdown; charset=utf-8"
}

// Extension is the file extension for f, without the dot.
func (f Format) Extension() string {
	switch f {
	case FormatHTML:
		return "html"
	case FormatJSON:
		return "json"
	}
	return "md"
}

const timeLayout = "2006-01-02 15:04 MST"

// Markdown renders t as a Markdown document.
func Markdown(t *store.Thread) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", t.DisplayTitle())
	fmt.Fprintf(&b, "_%s · started %s · %d messages_\n\n", t.AgentType.DisplayName(), t.CreatedAt.UTC().Format(timeLayout), len(t.Messages))
	if len(t.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n\n", strings.Join(t.Tags, ", "))
	}
	for _, m := range t.Messages {
		b.WriteString("---\n\n")
		fmt.Fprintf(&b, "### %s · %s\n\n", speaker(m), m.Timestamp.UTC().Format(timeLayout))
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("\n\n")
	}
	return b.String()
}

func speaker(m store.Message) string {
	switch {
	case m.AuthorName != "":
		return m.AuthorName
	case m.Role == agent.RoleUser:
		return "You"
	case m.Role == agent.RoleSystem:
		return "System"
	}
	return "Assistant"
}

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

var page = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<article>
{{.Body}}
</article>
<footer>Exported {{.Exported}}</footer>
</body>
</html>
`))

// HTML renders t as a standalone HTML page. Raw HTML in messages is escaped.
func HTML(t *store.Thread, exported time.Time) (string, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(Markdown(t)), &body); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	var out bytes.Buffer
	err := page.Execute(&out, struct {
		Title    string
		Body     template.HTML
		Exported string
	}{
		Title:    t.DisplayTitle(),
		Body:     template.HTML(body.String()),
		Exported: exported.UTC().Format(timeLayout),
	})
	if err != nil {
		return "", fmt.Errorf("rendering page: %w", err)
	}
	return out.String(), nil
}

// JSON renders t in the persisted record layout.
func JSON(t *store.Thread) ([]byte, error) {
	return json.MarshalIndent(t.Record(), "", "  ")
}

// Write renders t in format f to w.
func Write(w io.Writer, t *store.Thread, f Format, now time.Time) error {
	var data []byte
	switch f {
	case FormatHTML:
		s, err := HTML(t, now)
		if err != nil {
			return err
		}
		data = []byte(s)
	case FormatJSON:
		b, err := JSON(t)
		if err != nil {
			return err
		}
		data = append(b, '\n')
	default:
		data = []byte(Markdown(t))
	}
	_, err := w.Write(data)
	return err
}
