// Package knol derives a card's id from its content, so the same card found
// again in a deck maps to the same stored row.
package knol

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/conorfennell/recall/internal/parser"
)

// Normalize folds case, line endings and runs of blanks in each section and
// joins the sections with newlines. Empty lines inside a section are dropped.
func Normalize(question, answer, context string) string {
	parts := []string{question, answer, context}
	for i, p := range parts {
		p = strings.ToLower(strings.ReplaceAll(p, "\r\n", "\n"))
		lines := strings.Split(p, "\n")
		kept := lines[:0]
		for _, l := range lines {
			if l = strings.Join(strings.Fields(l), " "); l != "" {
				kept = append(kept, l)
			}
		}
		parts[i] = strings.Join(kept, "\n")
	}
	return strings.Join(parts, "\n")
}

// ID returns the hex SHA-256 of the normalized content.
func ID(question, answer, context string) string {
	sum := sha256.Sum256([]byte(Normalize(question, answer, context)))
	return hex.EncodeToString(sum[:])
}

// EntryID is ID of a parsed deck entry.
func EntryID(e parser.Entry) string {
	return ID(e.Question, e.Answer, e.Context)
}
