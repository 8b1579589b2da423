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

	"github.com/Jeffail/gabs/v2"
	json "github.com/goccy/go-json"
)

const (
	ssePrefix   = "data: "
	sseSentinel = "[DONE]"
)

// ExtractStreamContent reduces a server-sent-events completion body to the
// concatenation of its delta content. Lines that are not JSON, carry no
// choices, or are the terminal sentinel are skipped rather than fatal.
func ExtractStreamContent(content string) string {
	var b strings.Builder

	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		payload := strings.TrimSuffix(
			strings.TrimPrefix(strings.TrimSpace(line), ssePrefix), ",")
		if payload == "" || payload == sseSentinel {
			continue
		}

		var value interface{}
		if err := json.Unmarshal([]byte(payload), &value); err != nil {
			continue
		}

		choices := gabs.Wrap(value).Search("choices").Children()
		if len(choices) == 0 {
			continue
		}

		if delta, ok := choices[0].Path("delta.content").Data().(string); ok {
			b.WriteString(delta)
		} else if text, ok := choices[0].Search("text").Data().(string); ok {
			b.WriteString(text)
		}
	}

	return b.String()
}
