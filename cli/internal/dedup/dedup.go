// Package dedup holds the collector's two dedup layers: first-wins within a
// single file, and a persisted set of record keys already delivered to the
// server in earlier runs.
package dedup

import (
	"fmt"

	"github.com/zhaobenny/ccpulse/internal/parser"
)

// Identity returns the dedup key of an entry. Claude Code writes several
// streaming chunks per API call that share message and request ids, so those
// ids identify the call when present. Otherwise the timestamp and token
// counts stand in; two distinct calls in the same second with identical
// counts collide under that fallback.
func Identity(e parser.Entry) string {
	if e.MessageID != "" && e.RequestID != "" {
		return e.MessageID + ":" + e.RequestID
	}
	u := e.Record.Usage
	return fmt.Sprintf("%d:%d:%d:%d:%d",
		e.Record.Timestamp.Unix(),
		u.InputTokens, u.OutputTokens,
		u.CacheCreationInputTokens, u.CacheReadInputTokens)
}

// Unstable reports whether e's identity depends on the wall-clock fallback
// timestamp, so it changes from one scan to the next
func Unstable(e parser.Entry) bool {
	return !e.TimestampParsed && (e.MessageID == "" || e.RequestID == "")
}

// Key scopes an identity to the file it was read from
func Key(path, identity string) string {
	return path + ":" + identity
}

// FirstWins drops every entry whose identity was already seen earlier in the
// slice. Only the first streaming chunk carries final usage numbers, so
// later chunks are discarded even if their output counts differ.
func FirstWins(entries []parser.Entry) (kept []parser.Entry, dropped int) {
	seen := make(map[string]struct{}, len(entries))
	kept = make([]parser.Entry, 0, len(entries))
	for _, e := range entries {
		id := Identity(e)
		if _, ok := seen[id]; ok {
			dropped++
			continue
		}
		seen[id] = struct{}{}
		kept = append(kept, e)
	}
	return kept, dropped
}
