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
	"log"
	"os"
	"strings"

	"github.com/Jeffail/gabs/v2"
	json "github.com/goccy/go-json"
	"github.com/wissance/stringFormatter"
)

var recoveryLogger = log.New(os.Stderr, "[recovery] - ", log.LstdFlags)

type (
	// Parser recovers zero or more JSON values from an unreliable text
	// payload. It carries no state between calls and never fails:
	// unrecoverable input yields an empty sequence, not an error.
	Parser struct {
		debug bool
	}

	// recoveryStrategy is one candidate algorithm in the cascade;
	// the first strategy to yield at least one value short-circuits.
	recoveryStrategy = func(*Parser, string) []*gabs.Container
)

var strategies = []recoveryStrategy{
	(*Parser).parseWhole,
	(*Parser).parseLines,
	(*Parser).repairConcatenated,
	(*Parser).parseBalancedSpans,
}

func NewParser(debug bool) *Parser {
	return &Parser{debug: debug}
}

func (p *Parser) logDebug(template string, args ...interface{}) {
	if p.debug {
		recoveryLogger.Println(stringFormatter.Format(template, args...))
	}
}

// Recover extracts an ordered sequence of JSON values from rawText.
// The payload is decompressed and decoded best-effort first, stripped of
// non-printable noise, and then run through the strategy cascade.
// Whitespace-only input, binary input, and input no strategy can make
// sense of all yield an empty sequence.
func (p *Parser) Recover(rawText, sourceURL string) []*gabs.Container {
	if strings.TrimSpace(rawText) == "" {
		return nil
	}

	text := Decompress([]byte(rawText))
	if decoded := TryAlternateEncoding(text); decoded != text {
		p.logDebug("alternate encoding accepted | url:{0} | len:{1}", sourceURL, len(decoded))
		text = decoded
	}

	// telemetry payloads are exempt: their binary-looking framing is
	// often still recoverable, so the cascade gets a chance anyway
	if ContainsBinaryData(text) && !strings.Contains(sourceURL, "telemetry") {
		p.logDebug("binary payload, skipping | url:{0}", sourceURL)
		return nil
	}

	cleaned := Clean(text)
	if cleaned == "" {
		return nil
	}

	for _, strategy := range strategies {
		if values := strategy(p, cleaned); len(values) > 0 {
			return values
		}
	}

	// not an error: the stream is handed to the raw-content fallback
	p.logDebug("no recoverable JSON | url:{0} | len:{1}", sourceURL, len(cleaned))
	return nil
}

func parseValue(text string) (*gabs.Container, bool) {
	var value interface{}
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return nil, false
	}
	return gabs.Wrap(value), true
}

// parseWhole parses the trimmed text as one JSON value. A top-level array
// is returned as its elements, in input order, un-flattened one level;
// anything else is a single-value sequence.
func (p *Parser) parseWhole(text string) []*gabs.Container {
	value, ok := parseValue(strings.TrimSpace(text))
	if !ok {
		return nil
	}

	if _, isArray := value.Data().([]interface{}); isArray {
		return value.Children()
	}
	return []*gabs.Container{value}
}

// parseLines treats each line as a candidate object. Lines that do not
// look like objects are skipped; lines that look like objects but fail to
// parse are logged and skipped. Partial recovery is accepted: one corrupt
// line does not discard its well-formed neighbors.
func (p *Parser) parseLines(text string) []*gabs.Container {
	var values []*gabs.Container

	for num, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 2 ||
			!strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}

		if value, ok := parseValue(line); ok {
			values = append(values, value)
		} else {
			p.logDebug("line {0} failed to parse | len:{1}", num+1, len(line))
		}
	}

	return values
}

// repairConcatenated handles `{obj1}{obj2}{obj3}` payloads: objects written
// back to back with no delimiter. The text is split on balanced top-level
// spans, every candidate is validated, and the validated candidates are
// re-wrapped as a JSON array and parsed as one.
func (p *Parser) repairConcatenated(text string) []*gabs.Container {
	if !strings.HasPrefix(text, "{") {
		return nil
	}
	if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
		return nil
	}

	// cheap trigger heuristic; the scan below is the authoritative split
	opens := strings.Count(text, "{")
	if opens < 2 || opens != strings.Count(text, "}") {
		return nil
	}

	var candidates []string
	for _, span := range scanTopLevelObjects(text) {
		candidate := strings.TrimSpace(text[span.start:span.end])
		if len(candidate) > 2 && json.Valid([]byte(candidate)) {
			candidates = append(candidates, candidate)
		}
	}

	switch len(candidates) {
	case 0:
		return nil
	case 1:
		if value, ok := parseValue(candidates[0]); ok {
			return []*gabs.Container{value}
		}
		return nil
	}

	wrapped := "[" + strings.Join(candidates, ",") + "]"
	value, ok := parseValue(wrapped)
	if !ok {
		return nil
	}

	p.logDebug("repaired {0} concatenated objects", len(candidates))
	return value.Children()
}

// parseBalancedSpans is the last resort: parse every balanced `{...}` span
// found anywhere at top level, silently discarding spans that fail.
func (p *Parser) parseBalancedSpans(text string) []*gabs.Container {
	if !LooksLikeJSON(text) {
		return nil
	}

	var values []*gabs.Container
	for _, span := range scanTopLevelObjects(text) {
		candidate := strings.TrimSpace(text[span.start:span.end])
		if len(candidate) <= 2 {
			continue
		}
		if value, ok := parseValue(candidate); ok {
			values = append(values, value)
		}
	}

	return values
}
