// ABOUTME: Tests for transcript rendering in Markdown, HTML and JSON
// ABOUTME: Checks speaker labels, escaping of raw HTML and the JSON record layout

package transcript

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-crew/internal/agent"
	"github.com/2389/coven-crew/internal/store"
)

var base = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func sampleThread() *store.Thread {
	return &store.Thread{
		ID:        "t-1",
		AgentType: agent.Supervisor,
		Tags:      []string{"work", "email"},
		CreatedAt: base,
		UpdatedAt: base.Add(time.Minute),
		Messages: []store.Message{
			{Role: agent.RoleUser, Content: "Write an email about **launch**", Timestamp: base},
			{Role: agent.RoleAssistant, Content: "Here it is:\n\n- point one\n- <script>alert(1)</script>", AuthorName: "Supervisor Agent", Timestamp: base.Add(time.Minute)},
		},
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatMarkdown, "md": FormatMarkdown, "HTML": FormatHTML, "json": FormatJSON} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("pdf")
	assert.ErrorIs(t, err, agent.ErrInvalidArgument)
}

func TestMarkdown(t *testing.T) {
	out := Markdown(sampleThread())
	assert.True(t, strings.HasPrefix(out, "# Write an email about **launch**\n"))
	assert.Contains(t, out, "_Supervisor Agent · started 2026-03-14 09:30 UTC · 2 messages_")
	assert.Contains(t, out, "Tags: work, email")
	assert.Contains(t, out, "### You · 2026-03-14 09:30 UTC")
	assert.Contains(t, out, "### Supervisor Agent · 2026-03-14 09:31 UTC")
	assert.Equal(t, 2, strings.Count(out, "---\n"))
}

func TestHTML(t *testing.T) {
	out, err := HTML(sampleThread(), base)
	require.NoError(t, err)
	assert.Contains(t, out, "<title>Write an email about **launch**</title>")
	assert.Contains(t, out, "<li>point one</li>")
	assert.Contains(t, out, "<strong>launch</strong>")
	assert.NotContains(t, out, "<script>alert(1)</script>")
	assert.Contains(t, out, "Exported 2026-03-14 09:30 UTC")
}

func TestJSON(t *testing.T) {
	b, err := JSON(sampleThread())
	require.NoError(t, err)

	var rec store.Record
	require.NoError(t, json.Unmarshal(b, &rec))
	assert.Equal(t, "t-1", rec.ID)
	assert.Equal(t, "supervisor", rec.AgentType)
	require.Len(t, rec.Messages, 2)
	assert.Empty(t, rec.Messages[0].AuthorName)
	assert.Equal(t, "Supervisor Agent", rec.Messages[1].AuthorName)
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleThread(), FormatJSON, base))
	assert.True(t, strings.HasSuffix(buf.String(), "}\n"))
	assert.Equal(t, "application/json", FormatJSON.ContentType())
	assert.Equal(t, "md", FormatMarkdown.Extension())
}
