package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")

// ExtractJSON pulls a JSON document out of a chat reply. Strategies in
// order: the whole reply, the first fenced code block that parses, the
// first balanced {...} or [...] run that parses.
func ExtractJSON(content string) (json.RawMessage, error) {
	s := strings.TrimSpace(content)
	if isJSONDocument(s) {
		return json.RawMessage(s), nil
	}

	for _, m := range fenceRe.FindAllStringSubmatch(s, -1) {
		block := strings.TrimSpace(m[1])
		if isJSONDocument(block) {
			return json.RawMessage(block), nil
		}
	}

	if run, ok := firstJSONRun(s); ok {
		return json.RawMessage(run), nil
	}
	return nil, fmt.Errorf("no json document in %d bytes of reply", len(content))
}

// isJSONDocument accepts objects and arrays only; bare scalars are never a
// pipeline result.
func isJSONDocument(s string) bool {
	if len(s) == 0 || (s[0] != '{' && s[0] != '[') {
		return false
	}
	return json.Valid([]byte(s))
}

func firstJSONRun(s string) (string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] != '{' && s[i] != '[' {
			continue
		}
		run, ok := balancedRun(s, i)
		if ok && json.Valid([]byte(run)) {
			return run, true
		}
	}
	return "", false
}

// balancedRun returns the shortest bracket-balanced slice starting at
// start. Brackets inside string literals do not count.
func balancedRun(s string, start int) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
