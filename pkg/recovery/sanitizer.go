// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package recovery

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ratio of printable-or-whitespace runes below which a payload
// is considered binary
const printableThreshold = 0.70

func isStructuralWhitespace(r rune) bool {
	return r == '\n' || r == '\r' || r == '\t' || r == ' '
}

// Clean strips runes that are neither printable nor structural whitespace,
// then drops blank lines. Returns "" if nothing survives.
func Clean(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	for _, r := range text {
		if unicode.IsPrint(r) || isStructuralWhitespace(r) {
			b.WriteRune(r)
		}
	}

	lines := strings.Split(b.String(), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}

	return strings.Join(kept, "\n")
}

// LooksLikeJSON reports whether trimmed, non-empty text carries at least
// one JSON structural character. It is a cheap gate, not a validation.
func LooksLikeJSON(text string) bool {
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return false
	}
	return strings.ContainsAny(stripped, `{}":`)
}

// ContainsBinaryData reports whether text is not valid UTF-8, or whether
// less than 70% of its runes are printable-or-whitespace.
func ContainsBinaryData(text string) bool {
	if text == "" {
		return false
	}

	if !utf8.ValidString(text) {
		return true
	}

	printable, total := 0, 0
	for _, r := range text {
		total += 1
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable += 1
		}
	}

	return float64(printable)/float64(total) < printableThreshold
}
