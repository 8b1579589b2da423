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

type objectSpan struct {
	start int // offset of the `{` that moved depth 0 -> 1
	end   int // offset one past the `}` that returned depth to 0
}

// scanTopLevelObjects performs a single left-to-right pass over text and
// returns every balanced `{...}` span found at top level. The scan is
// string and escape aware: braces inside an open JSON string are inert,
// and a `\` makes the next byte inert regardless of what it is.
//
// Naive brace counting breaks on any string value containing `{` or `}`;
// this scan is what makes splitting concatenated objects safe without a
// full grammar parse.
func scanTopLevelObjects(text string) []objectSpan {
	var spans []objectSpan

	depth := 0
	start := 0
	inString := false
	escapeNext := false

	for i := 0; i < len(text); i++ {
		if escapeNext {
			escapeNext = false
			continue
		}

		switch text[i] {
		case '\\':
			escapeNext = true
		case '"':
			inString = !inString
		case '{':
			if !inString {
				if depth == 0 {
					start = i
				}
				depth += 1
			}
		case '}':
			if !inString && depth > 0 {
				depth -= 1
				if depth == 0 {
					spans = append(spans, objectSpan{start: start, end: i + 1})
				}
			}
		}
	}

	return spans
}
