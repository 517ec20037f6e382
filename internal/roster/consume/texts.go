package consume

import (
	"fmt"
	"html"

	"rosterbot/internal/roster"
	kit "rosterbot/internal/transport"
)

func htmlOptions() *kit.SendOptions {
	return &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
}

func levelAddedText(l roster.Level) string {
	return fmt.Sprintf("🆕 <b>%s</b> by %s was placed at <b>#%d</b> (verified by %s)",
		html.EscapeString(l.Name), html.EscapeString(l.Author), l.Position, html.EscapeString(l.Verifier))
}

func levelRemovedText(l roster.Level) string {
	return fmt.Sprintf("❌ <b>%s</b> by %s was removed from the list (was #%d)",
		html.EscapeString(l.Name), html.EscapeString(l.Author), l.Position)
}

func levelMovedText(before, after roster.Level) string {
	arrow := "⬇️"
	if after.Position < before.Position {
		arrow = "⬆️"
	}
	return fmt.Sprintf("%s <b>%s</b> moved from <b>#%d</b> to <b>#%d</b>",
		arrow, html.EscapeString(after.Name), before.Position, after.Position)
}

func rotationText(r roster.Rotation) string {
	label := "Daily"
	if r.Kind == roster.RotationWeekly {
		label = "Weekly"
	}
	return fmt.Sprintf("🔄 New <b>%s</b> level: <b>%s</b> by %s",
		label, html.EscapeString(r.Level.Name), html.EscapeString(r.Level.Author))
}

func moderatorText(promoted bool, m roster.Moderator) string {
	rank := "Moderator"
	if m.Elder {
		rank = "Elder Moderator"
	}
	if promoted {
		return fmt.Sprintf("🎉 <b>%s</b> was promoted to %s", html.EscapeString(m.Name), rank)
	}
	return fmt.Sprintf("📉 <b>%s</b> is no longer a %s", html.EscapeString(m.Name), rank)
}
