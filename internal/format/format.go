// Package format provides the reference reformatting pass.
//
// The engine treats formatting as an opaque pure function from content
// to content. Normalizer is the implementation coscribe ships: Unicode
// NFC normalization plus trailing-whitespace cleanup. It changes bytes,
// never meaning, which is exactly the kind of cosmetic rewrite the
// engine applies without touching the dirty flag.
package format

import (
	"context"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalizer is a pure, side-effect-free formatter.
//
// Rules, in order:
//  1. Unicode NFC normalization (composed forms).
//  2. Trailing whitespace stripped from every line.
//  3. At most one trailing newline at end of content.
//
// Implements the engine's Formatter interface.
type Normalizer struct{}

// Format returns the normalized content. Never returns an error; the
// error return exists to satisfy the Formatter contract for
// implementations that can fail.
func (Normalizer) Format(_ context.Context, content string) (string, error) {
	return Normalize(content), nil
}

// Normalize applies the Normalizer rules to content. Normalizing
// already-normal content returns it unchanged, which the engine relies
// on to keep no-op passes invisible.
func Normalize(content string) string {
	if content == "" {
		return content
	}

	s := norm.NFC.String(content)

	hadTrailingNewline := strings.HasSuffix(s, "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")

	s = strings.TrimRight(s, "\n")
	if hadTrailingNewline {
		s += "\n"
	}
	return s
}
