// Package parser reads flashcard decks written in markdown. A card starts at
// a "Q:" line and may carry "A:" and "C:" (context) sections; any section runs
// until the next marker. A line holding only "---" ends the current card.
package parser

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Entry is one card as written in a deck file.
type Entry struct {
	Question string
	Answer   string
	Context  string
	// Line is the 1-based line of the card's "Q:" marker.
	Line int
}

type field int

const (
	fieldNone field = iota
	fieldQuestion
	fieldAnswer
	fieldContext
)

var markers = []struct {
	prefix string
	field  field
}{
	{"Q:", fieldQuestion},
	{"A:", fieldAnswer},
	{"C:", fieldContext},
}

// ParseFile parses the deck at path.
func ParseFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

// Parse reads every card from r. Text outside a card is ignored, as are
// sections that appear before any question.
func Parse(r io.Reader) ([]Entry, error) {
	var (
		entries []Entry
		cur     Entry
		open    field
		buf     []string
		lineNo  int
	)

	flush := func() {
		if open == fieldNone {
			return
		}
		text := strings.TrimRight(strings.Join(buf, "\n"), " \t\n")
		switch open {
		case fieldQuestion:
			cur.Question = text
		case fieldAnswer:
			cur.Answer = text
		case fieldContext:
			cur.Context = text
		}
		buf = buf[:0]
	}
	endCard := func() {
		flush()
		if cur.Question != "" {
			entries = append(entries, cur)
		}
		cur = Entry{}
		open = fieldNone
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lineNo++
		line := sc.Text()

		if strings.TrimSpace(line) == "---" {
			endCard()
			continue
		}

		f, rest := marker(line)
		switch {
		case f == fieldQuestion:
			endCard()
			cur.Line = lineNo
			open = fieldQuestion
			buf = append(buf, rest)
		case f != fieldNone && open != fieldNone:
			flush()
			open = f
			buf = append(buf, rest)
		case f == fieldNone && open != fieldNone:
			buf = append(buf, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	endCard()
	return entries, nil
}

// marker reports which section line opens, with the marker and one following
// space removed.
func marker(line string) (field, string) {
	for _, m := range markers {
		if rest, ok := strings.CutPrefix(line, m.prefix); ok {
			return m.field, strings.TrimPrefix(rest, " ")
		}
	}
	return fieldNone, line
}
