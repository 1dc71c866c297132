package telegram

import (
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"tabrunner/internal/automation"
	"tabrunner/internal/history"
	"tabrunner/internal/timeline"
)

// Telegram rejects messages above 4096 characters.
const maxMessageRunes = 4000

func esc(s string) string  { return html.EscapeString(s) }
func code(s string) string { return "<code>" + esc(s) + "</code>" }
func bold(s string) string { return "<b>" + esc(s) + "</b>" }
func pre(s string) string  { return "<pre>" + esc(s) + "</pre>" }

// truncRunes cuts s to at most n runes, marking the cut with an ellipsis.
func truncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n-1 {
			return s[:i] + "…"
		}
		count++
	}
	return s
}

func formatStatus(st automation.Status, queueLen int, tl []timeline.Step, next string) string {
	var sb strings.Builder
	state := "idle"
	if st.Run.Running {
		state = "running"
	}
	fmt.Fprintf(&sb, "%s %s (%s)\n", bold("Run:"), esc(state), esc(st.State.String()))
	if st.Run.RunID != "" {
		fmt.Fprintf(&sb, "%s %s\n", bold("ID:"), code(st.Run.RunID))
	}
	fmt.Fprintf(&sb, "%s %d\n", bold("Processed:"), st.Run.Processed)
	if st.Run.LastItem != "" {
		fmt.Fprintf(&sb, "%s %s\n", bold("Last:"), code(st.Run.LastItem))
	}
	fmt.Fprintf(&sb, "%s %d\n", bold("Queued:"), queueLen)
	for _, s := range tl {
		if s.Active {
			fmt.Fprintf(&sb, "%s %s\n", bold("Now:"), esc(s.Label))
			break
		}
	}
	if next != "" {
		fmt.Fprintf(&sb, "%s %s\n", bold("Next auto-start:"), esc(next))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatQueue(items []string, preview int) string {
	if len(items) == 0 {
		return "Queue is empty."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", bold(fmt.Sprintf("Queue (%d)", len(items))))
	for i, it := range items {
		if i == preview {
			fmt.Fprintf(&sb, "… and %d more", len(items)-preview)
			break
		}
		fmt.Fprintf(&sb, "%d. %s\n", i+1, code(truncRunes(it, 120)))
	}
	return truncRunes(strings.TrimRight(sb.String(), "\n"), maxMessageRunes)
}

func formatHistory(entries []history.Entry, query string) string {
	if len(entries) == 0 {
		if query != "" {
			return "No history matches " + code(query) + "."
		}
		return "History is empty."
	}
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(formatEntry(e))
		sb.WriteByte('\n')
	}
	return truncRunes(strings.TrimRight(sb.String(), "\n"), maxMessageRunes)
}

func formatEntry(e history.Entry) string {
	mark := "✅"
	if e.Outcome == history.OutcomeUnconfirmed {
		mark = "❔"
	}
	line := fmt.Sprintf("%s %s %s", mark, esc(e.At.Local().Format("01-02 15:04")), code(truncRunes(e.Item, 80)))
	if e.Label != "" {
		line += " · " + esc(truncRunes(e.Label, 80))
	}
	return line
}

func formatRunStarted(rs automation.RunState, queueLen int) string {
	return fmt.Sprintf("▶️ Run %s started with %d queued item(s).", code(shortID(rs.RunID)), queueLen)
}

func formatRunFinished(rs automation.RunState) string {
	took := ""
	if !rs.StartedAt.IsZero() {
		took = " in " + time.Since(rs.StartedAt).Round(time.Second).String()
	}
	return fmt.Sprintf("⏹ Run %s finished: %d processed%s.", code(shortID(rs.RunID)), rs.Processed, esc(took))
}

func formatHelp(cmds []tele.Command) string {
	var sb strings.Builder
	for _, c := range cmds {
		fmt.Fprintf(&sb, "/%s · %s\n", c.Text, esc(c.Description))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
