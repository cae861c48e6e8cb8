// Package respparse extracts a structured command plus prose from raw model
// text. Parse errors never propagate as Go errors — a malformed or
// commandless response simply yields prose set to (a best-effort cleaned
// version of) the original text, which the reasoning loop reports back to
// the model for self-correction.
//
// The strategy — mask fenced payload blocks before hunting for JSON, then
// fall back from fenced-json to brace-counted extraction, then run a small
// battery of idempotent repair passes — is a generalization of the
// placeholder-substitution trick the teacher uses in internal/tool/batch.go
// to keep an LLM's JSON array payload from being confused by braces/quotes
// embedded in tool arguments.
package respparse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/sandboxhaven/agentd/pkg/types"
)

var payloadBlockRe = regexp.MustCompile(`(?s)<<<PAYLOAD_(\d+)>>>(.*?)<<<END_PAYLOAD_\d+>>>`)
var payloadOpenRe = regexp.MustCompile(`<<<PAYLOAD_(\d+)>>>`)
var fencedJSONRe = regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n```")
var fencedAnyRe = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\s*\\n.*?\\n```")
var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)
var unquotedKeyRe = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
var singleQuotedStringRe = regexp.MustCompile(`'([^'\\]*(?:\\.[^'\\]*)*)'`)
var lineCommentRe = regexp.MustCompile(`//[^\n]*`)
var blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
var strayBackslashRe = regexp.MustCompile(`\\([^"\\/bfnrtu])`)

// Parse converts raw model text to a ParsedAgentResponse. It never returns
// an error; a response that cannot be made sense of is returned with an
// empty command and the (payload-rehydrated) original text as prose.
func Parse(raw string) types.ParsedAgentResponse {
	masked, payloads := maskPayloads(raw)

	jsonText, rest, ok := extractFencedJSON(masked)
	if !ok {
		jsonText, rest, ok = extractBraceCounted(masked)
	}

	if !ok {
		return types.ParsedAgentResponse{Prose: cleanProse(unmask(masked, payloads))}
	}

	cmd, perr := parseCommand(jsonText)
	if perr != nil {
		repaired := repair(jsonText)
		cmd, perr = parseCommand(repaired)
	}

	if perr != nil {
		// Parsing failed even after repair: the whole original text becomes
		// prose so the model sees exactly what it said and can retry.
		return types.ParsedAgentResponse{Prose: cleanProse(unmask(raw, payloads))}
	}

	rehydrate(cmd, payloads)

	prose := cleanProse(unmask(rest, payloads))
	return types.ParsedAgentResponse{Prose: prose, Command: cmd}
}

// maskPayloads replaces <<<PAYLOAD_n>>>...<<<END_PAYLOAD_n>>> blocks with a
// short placeholder so JSON extraction isn't confused by braces or quotes
// inside the payload body, and returns the removed bodies keyed by index.
func maskPayloads(text string) (string, map[string]string) {
	payloads := make(map[string]string)
	masked := payloadBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		// The match starts at the first opening marker, which may be a bare
		// placeholder reference; the block proper starts at the last one.
		opens := payloadOpenRe.FindAllStringSubmatchIndex(m, -1)
		last := opens[len(opens)-1]
		idx := m[last[2]:last[3]]
		end := strings.LastIndex(m, "<<<END_PAYLOAD_")
		payloads[idx] = m[last[1]:end]
		return m[:last[0]] + fmt.Sprintf("<<<PAYLOAD_%s>>>", idx)
	})
	return masked, payloads
}

func unmask(text string, payloads map[string]string) string {
	for idx, body := range payloads {
		placeholder := fmt.Sprintf("<<<PAYLOAD_%s>>>", idx)
		text = strings.ReplaceAll(text, placeholder, body)
	}
	return text
}

// extractFencedJSON looks for a fenced block labeled json and returns its
// contents plus the surrounding text with that block removed.
func extractFencedJSON(text string) (jsonText, rest string, ok bool) {
	loc := fencedJSONRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return "", "", false
	}
	jsonText = text[loc[2]:loc[3]]
	rest = text[:loc[0]] + text[loc[1]:]
	return jsonText, rest, true
}

// extractBraceCounted scans for the first balanced {...} region whose text
// contains an "action" key, double- or single-quoted. This is a substring
// check, so a key nested at any depth also qualifies, not only a top-level one.
func extractBraceCounted(text string) (jsonText, rest string, ok bool) {
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		end, found := balancedEnd(text, start)
		if !found {
			continue
		}
		candidate := text[start : end+1]
		if strings.Contains(candidate, `"action"`) || strings.Contains(candidate, `'action'`) {
			return candidate, text[:start] + text[end+1:], true
		}
	}
	return "", "", false
}

// balancedEnd returns the index of the brace matching the one at start,
// respecting string literals so braces inside quoted strings don't count.
func balancedEnd(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
				continue
			}
			if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func parseCommand(jsonText string) (*types.ToolCommand, error) {
	var cmd types.ToolCommand
	if err := json.Unmarshal([]byte(jsonText), &cmd); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cmd.Action) == "" {
		return nil, fmt.Errorf("missing action")
	}
	return &cmd, nil
}

// repair applies a battery of best-effort, idempotent fixes for common
// near-miss JSON the model emits: trailing commas, unquoted keys,
// single-quoted strings, JS-style comments, and stray backslash escapes.
func repair(jsonText string) string {
	s := jsonText
	s = blockCommentRe.ReplaceAllString(s, "")
	s = lineCommentRe.ReplaceAllString(s, "")
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	s = unquotedKeyRe.ReplaceAllString(s, `$1"$2"$3`)
	s = singleQuotedStringRe.ReplaceAllStringFunc(s, func(m string) string {
		inner := m[1 : len(m)-1]
		inner = strings.ReplaceAll(inner, `"`, `\"`)
		return `"` + inner + `"`
	})
	s = strayBackslashRe.ReplaceAllString(s, `$1`)
	return s
}

// rehydrate substitutes remembered payload text into a command's content or
// diff parameter when it references a placeholder ID.
func rehydrate(cmd *types.ToolCommand, payloads map[string]string) {
	if cmd == nil || cmd.Parameters == nil {
		return
	}
	for _, key := range []string{"content", "diff", "diff_content"} {
		v, ok := cmd.Parameters[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		cmd.Parameters[key] = unmask(s, payloads)
	}
}

var bareGreetingRe = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|ok|okay|sure|thanks|thank you)[.!]?\s*$`)

// cleanProse strips leading/trailing whitespace and empty fenced blocks,
// and treats whitespace-only, fence-only, or bare-greeting remainders as
// empty prose.
func cleanProse(text string) string {
	text = fencedAnyRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := strings.TrimSpace(strings.Trim(strings.TrimPrefix(m, "```"), "`"))
		if inner == "" {
			return ""
		}
		return m
	})
	text = strings.TrimSpace(text)
	if text == "" || bareGreetingRe.MatchString(text) {
		return ""
	}
	return text
}
