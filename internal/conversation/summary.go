package conversation

import (
	"context"
	"fmt"
	"strings"
)

// maxSummaryLineRunes caps each history line in the digest so a single long
// transcript cannot blow up the summary.
const maxSummaryLineRunes = 160

// BuildContextSummary produces a compact textual digest of the last
// maxMessages turns plus a notice of any pending draft, for the external
// understanding step. Output size is bounded regardless of conversation
// length: only the capped history tail is ever summarized.
func (s *Store) BuildContextSummary(ctx context.Context, conversationID string, maxMessages int) string {
	state := s.load(ctx, conversationID)

	if maxMessages <= 0 || maxMessages > s.config.HistoryCap {
		maxMessages = s.config.HistoryCap
	}

	messages := state.Messages
	if len(messages) > maxMessages {
		messages = messages[len(messages)-maxMessages:]
	}

	var b strings.Builder
	for _, msg := range messages {
		line := truncateRunes(msg.Text, maxSummaryLineRunes)
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, line)
	}

	if state.ActiveEntity != nil {
		fmt.Fprintf(&b, "[talking about: %s]\n", state.ActiveEntity.Name)
	}

	if raw, exists := state.Context[draftContextKey]; exists && !isEmptyValue(raw) {
		b.WriteString("[a draft transaction is pending confirmation]\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}
