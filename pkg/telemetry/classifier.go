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

package telemetry

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/wissance/stringFormatter"

	"github.com/gchux/telemetry-tap/pkg/stream"
)

var telemetryLogger = log.New(os.Stderr, "[telemetry] - ", log.LstdFlags)

type (
	Action uint8

	// Classification is the outcome of inspecting one recovered value:
	// either a sink-ready record, an aggregate-only observation, or an
	// intentional drop. Dropping is a first-class outcome of the policy
	// table, not a failure.
	Classification struct {
		Action Action
		Event  *Event
		Record *gabs.Container
	}

	// Classifier applies the per-event-type policy table. It carries no
	// per-flow state; aggregate counters are its only shared mutation.
	Classifier struct {
		counters *Counters
		general  bool
		debug    bool
	}
)

const (
	ActionInclude Action = iota
	ActionAggregate
	ActionDrop
)

const (
	editArcSuffix       = "reportEditArc"
	editSourcesSuffix   = "editSources.details"
	editSurvivalSuffix  = "trackEditSurvival"
	undoEditsMarker     = "source:Chat.undoEdits"
	shownMarker         = "shown"
	acceptedMarker      = "accepted"
	timeDelayKey        = "timeDelayMs"
	survivalReportDelay = float64(300000)
)

// event names carrying any of these markers represent an explicit
// acceptance of generated content and are always included
var acceptanceMarkers = mapset.NewSet(
	"conversation.appliedCodeblock",
	"conversation.acceptedInsert",
	"conversation.acceptedCopy",
	"inlineConversation.acceptedInsert",
)

func NewClassifier(counters *Counters, generalHandler, debug bool) *Classifier {
	if counters == nil {
		counters = NewCounters()
	}
	return &Classifier{
		counters: counters,
		general:  generalHandler,
		debug:    debug,
	}
}

func (c *Classifier) Counters() *Counters {
	return c.counters
}

func (c *Classifier) logDebug(template string, args ...interface{}) {
	if c.debug {
		telemetryLogger.Println(stringFormatter.Format(template, args...))
	}
}

func isAcceptanceEvent(name string) bool {
	accepted := false
	acceptanceMarkers.Each(func(marker string) bool {
		accepted = strings.Contains(name, marker)
		return accepted // stops iteration on first hit
	})
	return accepted
}

// Classify inspects one recovered value. Arrays are expanded to one
// classification per element, one level deep; nested arrays below that
// are coerced like any other non-object value. It never fails on type
// mismatch.
func (c *Classifier) Classify(value *gabs.Container, flow *stream.FlowInfo) []Classification {
	if _, isArray := value.Data().([]interface{}); isArray {
		children := value.Children()
		classifications := make([]Classification, 0, len(children))
		for _, child := range children {
			classifications = append(classifications, c.classifyValue(child, flow))
		}
		return classifications
	}
	return []Classification{c.classifyValue(value, flow)}
}

func (c *Classifier) classifyValue(value *gabs.Container, flow *stream.FlowInfo) Classification {
	if _, isObject := value.Data().(map[string]interface{}); !isObject {
		value = coerceScalar(value)
	}

	event := newEvent(value, flow)
	name := event.Name
	lower := strings.ToLower(name)

	switch {
	case strings.HasSuffix(name, editArcSuffix):
		if event.Measurements[timeDelayKey] != 0 {
			c.logDebug("dropped {0}: timeDelayMs={1}", name, event.Measurements[timeDelayKey])
			return Classification{Action: ActionDrop, Event: event}
		}
		return c.include(event, c.editArcRecord(event))

	case strings.HasSuffix(name, editSourcesSuffix):
		if strings.Contains(event.Properties["sourceKey"], undoEditsMarker) {
			c.logDebug("dropped {0}: sourceKey={1}", name, event.Properties["sourceKey"])
			return Classification{Action: ActionDrop, Event: event}
		}
		return c.include(event, c.editSourcesRecord(event))

	case strings.HasSuffix(name, editSurvivalSuffix):
		if event.Measurements[timeDelayKey] != survivalReportDelay {
			c.logDebug("dropped {0}: timeDelayMs={1}", name, event.Measurements[timeDelayKey])
			return Classification{Action: ActionDrop, Event: event}
		}
		return c.include(event, c.editSurvivalRecord(event))

	case isAcceptanceEvent(name):
		return c.include(event, c.conversationRecord(event))

	case strings.Contains(lower, shownMarker):
		c.counters.AddShown(name,
			event.Measurements["numLines"], event.Measurements["compCharLen"])
		return Classification{Action: ActionAggregate, Event: event}

	case strings.Contains(lower, acceptedMarker):
		c.counters.AddAccepted(name,
			event.Measurements["numLines"], event.Measurements["compCharLen"])
		return Classification{Action: ActionAggregate, Event: event}
	}

	if c.general {
		return c.include(event, c.generalRecord(event))
	}

	c.logDebug("dropped {0}: no matching policy", name)
	return Classification{Action: ActionDrop, Event: event}
}

func (c *Classifier) include(event *Event, record *gabs.Container) Classification {
	return Classification{
		Action: ActionInclude,
		Event:  event,
		Record: record,
	}
}

func (c *Classifier) envelope(event *Event) (*gabs.Container, *gabs.Container) {
	doc := gabs.New()
	doc.Set(event.User, "user")
	doc.Set(event.IP, "user_ip")
	doc.Set(event.ConnectionID, "connectionid")
	doc.Set(event.Timestamp.Format(time.RFC3339Nano), "timestamp")

	request, _ := doc.Object("request")
	request.Set(event.URL, "url")
	request.Set(event.Name, "baseData")

	return doc, request
}

func setBaseData(request *gabs.Container, event *Event) {
	request.Set(event.Measurements, "measurements")
	request.Set(event.Properties, "properties")
}

func (c *Classifier) editArcRecord(event *Event) *gabs.Container {
	doc, request := c.envelope(event)
	request.Set(event.Properties["requestId"], "requestId")
	request.Set(event.Properties["editSessionId"], "editSessionId")
	request.Set(event.Properties["sourceKeyCleaned"], "sourceKeyCleaned")
	request.Set(event.Properties["modelId"], "modelId")
	setBaseData(request, event)
	return doc
}

func (c *Classifier) editSourcesRecord(event *Event) *gabs.Container {
	doc, request := c.envelope(event)
	request.Set(event.Properties["sourceKey"], "sourceKey")
	request.Set(event.Properties["sourceKeyCleaned"], "sourceKeyCleaned")
	request.Set(event.Properties["languageId"], "languageId")
	setBaseData(request, event)
	return doc
}

func (c *Classifier) editSurvivalRecord(event *Event) *gabs.Container {
	doc, request := c.envelope(event)
	request.Set(event.Properties["messageId"], "messageId")
	request.Set(event.Properties["conversationId"], "conversationId")
	request.Set(event.Properties["unique_id"], "unique_id")
	setBaseData(request, event)
	return doc
}

func (c *Classifier) conversationRecord(event *Event) *gabs.Container {
	doc, request := c.envelope(event)
	for _, key := range []string{
		"messageId", "conversationId", "codeBlockIndex", "source",
		"uiKind", "compType", "mode", "modelId", "languageId",
		"fileType", "unique_id",
	} {
		request.Set(event.Properties[key], key)
	}
	setBaseData(request, event)
	return doc
}

func (c *Classifier) generalRecord(event *Event) *gabs.Container {
	doc, request := c.envelope(event)

	editor, editorVersion := splitEditorVersion(event.Properties["editor_version"])
	request.Set(event.Properties["languageId"], "language")
	request.Set(editor, "editor")
	request.Set(editorVersion, "editor_version")
	request.Set(event.Properties["common_extversion"], "copilot-ext-version")
	setBaseData(request, event)

	return doc
}

// splitEditorVersion splits "vscode/1.92.0" into its product and version.
func splitEditorVersion(editorVersion string) (string, string) {
	if product, version, found := strings.Cut(editorVersion, "/"); found {
		return product, version
	}
	return editorVersion, ""
}
