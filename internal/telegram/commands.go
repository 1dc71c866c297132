package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"tabrunner/internal/automation"
	logx "tabrunner/pkg/logx"
)

var commands = []tele.Command{
	{Text: "run", Description: "Start draining the queue"},
	{Text: "stop", Description: "Cancel the current run"},
	{Text: "status", Description: "Show run state and progress"},
	{Text: "queue", Description: "List queued items"},
	{Text: "add", Description: "Queue items (space, comma or newline separated)"},
	{Text: "remove", Description: "Remove one queued item"},
	{Text: "clear", Description: "Empty the queue"},
	{Text: "history", Description: "Recent items: /history [n] [query]"},
	{Text: "help", Description: "List commands"},
}

const queuePreview = 20

// exec runs one command and returns the HTML reply.
func (b *Bot) exec(ctx context.Context, cmd, payload string) string {
	reply, err := b.dispatch(ctx, cmd, payload)
	if err != nil {
		b.log.Warn("command failed", logx.String("cmd", cmd), logx.Err(err))
		return "⚠️ " + esc(err.Error())
	}
	return reply
}

func (b *Bot) dispatch(ctx context.Context, cmd, payload string) (string, error) {
	switch cmd {
	case "run":
		started, err := b.deps.Engine.Start(ctx, nil)
		if err != nil {
			if errors.Is(err, automation.ErrInvalidSettings) || errors.Is(err, automation.ErrNoProfile) {
				return "", fmt.Errorf("cannot start: %w", err)
			}
			return "", err
		}
		if !started {
			return "Already running.", nil
		}
		return "▶️ Started run " + code(b.deps.Engine.Status().Run.RunID), nil

	case "stop":
		if !b.deps.Engine.Running() {
			return "Not running.", nil
		}
		if err := b.deps.Engine.Stop(ctx); err != nil {
			return "", err
		}
		return "⏹ Stopping.", nil

	case "status":
		n, err := b.deps.Queue.Len(ctx)
		if err != nil {
			return "", err
		}
		return formatStatus(b.deps.Engine.Status(), n, b.deps.Timeline.Snapshot(), b.nextAutoStart()), nil

	case "queue":
		items, err := b.deps.Queue.Items(ctx)
		if err != nil {
			return "", err
		}
		return formatQueue(items, queuePreview), nil

	case "add":
		items := splitItems(payload)
		if len(items) == 0 {
			return "Usage: /add item [item...]", nil
		}
		added, err := b.deps.Queue.Append(ctx, items...)
		if err != nil {
			return "", err
		}
		n, _ := b.deps.Queue.Len(ctx)
		return fmt.Sprintf("Queued %d item(s); %d waiting.", added, n), nil

	case "remove":
		item := strings.TrimSpace(payload)
		if item == "" {
			return "Usage: /remove item", nil
		}
		found, err := b.deps.Queue.Remove(ctx, item)
		if err != nil {
			return "", err
		}
		if !found {
			return code(item) + " is not queued.", nil
		}
		return "Removed " + code(item) + ".", nil

	case "clear":
		if err := b.deps.Queue.Clear(ctx); err != nil {
			return "", err
		}
		return "Queue cleared.", nil

	case "history":
		limit, query := parseHistoryArgs(payload)
		entries, err := b.deps.History.Search(ctx, query, limit)
		if err != nil {
			return "", err
		}
		return formatHistory(entries, query), nil

	case "help", "start":
		return formatHelp(commands), nil
	}
	return "Unknown command. Try /help.", nil
}

func (b *Bot) nextAutoStart() string {
	if b.deps.NextAutoStart == nil {
		return ""
	}
	if t := b.deps.NextAutoStart(); !t.IsZero() {
		return t.Format("2006-01-02 15:04 MST")
	}
	return ""
}

func splitItems(payload string) []string {
	return strings.FieldsFunc(payload, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t' || r == '\r'
	})
}

// parseHistoryArgs reads "[n] [query...]". n defaults to 10.
func parseHistoryArgs(payload string) (int, string) {
	fields := strings.Fields(payload)
	limit := 10
	if len(fields) > 0 {
		if n, err := strconv.Atoi(fields[0]); err == nil && n > 0 {
			limit = min(n, 50)
			fields = fields[1:]
		}
	}
	return limit, strings.Join(fields, " ")
}
