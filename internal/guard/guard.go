// Package guard screens free-text questions before they are placed into a model prompt.
package guard

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"sqlpilot/internal/core"
)

const (
	MinLength = 3
	MaxLength = 500

	// a run longer than this many identical characters is rejected
	maxRun = 20
)

var suspiciousPatterns = []*regexp.Regexp{
	// instruction overrides
	regexp.MustCompile(`(?i)ignore previous instructions`),
	regexp.MustCompile(`(?i)forget your instructions`),
	regexp.MustCompile(`(?i)you are now`),
	regexp.MustCompile(`(?i)system:`),
	regexp.MustCompile(`\\n\\n\\n`),

	// fenced blocks posing as another role
	regexp.MustCompile("(?i)```system"),
	regexp.MustCompile("(?i)```prompt"),

	// destructive statements written as prose
	regexp.MustCompile(`(?i)drop table`),
	regexp.MustCompile(`(?i)drop database`),
	regexp.MustCompile(`(?i)delete from.+where.+1=1`),
	regexp.MustCompile(`(?i)update.+set.+where.+1=1`),

	// system command phrasing
	regexp.MustCompile(`(?i)execute\s+\w+\s+commands`),
	regexp.MustCompile(`(?i)run\s+shell`),
	regexp.MustCompile(`(?i)show\s+system`),
}

// Guard validates and sanitizes questions. Every rejection is reported to the sink.
type Guard struct {
	sink core.SecuritySink
}

func New(sink core.SecuritySink) *Guard {
	return &Guard{sink: sink}
}

// Validate returns the sanitized question or *core.UnsafeInputError.
func (g *Guard) Validate(ctx context.Context, identity, text string, engine core.Engine) (string, error) {
	if reason := check(text); reason != "" {
		g.sink.Record(ctx, core.SecurityEvent{
			Timestamp: time.Now().UTC(),
			Identity:  identity,
			Source:    core.SourceUserInput,
			Text:      text,
			Reason:    reason,
			Severity:  "warning",
		})
		return "", &core.UnsafeInputError{Reason: reason}
	}
	return Sanitize(text, engine), nil
}

func check(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "question is empty"
	}
	if utf8.RuneCountInString(trimmed) < MinLength {
		return "question must be at least 3 characters long"
	}
	// the upper bound counts the raw input, padding included
	if utf8.RuneCountInString(text) > MaxLength {
		return "question cannot exceed 500 characters"
	}
	for _, p := range suspiciousPatterns {
		if p.MatchString(text) {
			return "question contains potentially unsafe patterns"
		}
	}
	if hasLongRun(strings.ToLower(text), maxRun) {
		return "question contains potentially unsafe patterns"
	}
	return ""
}

// hasLongRun reports whether s contains more than limit consecutive identical runes.
func hasLongRun(s string, limit int) bool {
	var prev rune
	run := 0
	for i, r := range s {
		if i > 0 && r == prev {
			run++
		} else {
			run = 1
		}
		if run > limit {
			return true
		}
		prev = r
	}
	return false
}

// Sanitize removes code fence markers and escapes backslashes and double quotes so the
// question cannot break out of its slot in the prompt. The escaping is the same for every
// engine.
func Sanitize(text string, _ core.Engine) string {
	s := strings.ReplaceAll(text, "```", "")
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return strings.TrimSpace(s)
}
