package core

import (
	"strings"
	"unicode"
)

// AckPair is one "<task> on <machine> completed" line, as typed.
type AckPair struct {
	Task    string `json:"task"`
	Machine string `json:"machine"`
}

// ParseResult partitions a reply body into acknowledgments and lines that
// did not follow the reply grammar.
type ParseResult struct {
	Pairs     []AckPair `json:"pairs"`
	Malformed []string  `json:"malformed"`
}

// Empty reports whether the body held nothing to act on.
func (p ParseResult) Empty() bool {
	return len(p.Pairs) == 0 && len(p.Malformed) == 0
}

var (
	quoteDelimiters = []string{"--", "___", "Thank you"}
	quoteMarker     = ">"
)

// ParseAcknowledgment reads a reply body line by line. Parsing stops at the
// first signature or thread-quote delimiter; blank and quoted lines are
// skipped. Any text is accepted.
func ParseAcknowledgment(body string) ParseResult {
	var res ParseResult
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if startsWithAny(line, quoteDelimiters) {
			break
		}
		if line == "" || strings.HasPrefix(line, quoteMarker) {
			continue
		}
		if pair, ok := parseLine(line); ok {
			res.Pairs = append(res.Pairs, pair)
			continue
		}
		res.Malformed = append(res.Malformed, line)
	}
	return res
}

type token struct {
	text       string
	start, end int
}

func tokenize(line string) []token {
	var toks []token
	start := -1
	for i, r := range line {
		if unicode.IsSpace(r) {
			if start >= 0 {
				toks = append(toks, token{text: line[start:i], start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		toks = append(toks, token{text: line[start:], start: start, end: len(line)})
	}
	return toks
}

// parseLine applies TASK "on" MACHINE "completed": the task is everything
// before the first standalone "on", the machine everything between it and
// the first later word starting with "completed". Both must be non-empty.
func parseLine(line string) (AckPair, bool) {
	toks := tokenize(line)
	on := -1
	for i := 1; i < len(toks); i++ {
		if strings.EqualFold(toks[i].text, "on") {
			on = i
			break
		}
	}
	if on < 0 {
		return AckPair{}, false
	}
	for j := on + 2; j < len(toks); j++ {
		if hasPrefixFold(toks[j].text, "completed") {
			return AckPair{
				Task:    line[toks[0].start:toks[on-1].end],
				Machine: line[toks[on+1].start:toks[j-1].end],
			}, true
		}
	}
	return AckPair{}, false
}

func startsWithAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
