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
	"fmt"
	"time"

	"github.com/Jeffail/gabs/v2"

	"github.com/gchux/telemetry-tap/pkg/stream"
)

const (
	UnknownEventName = "unknown"

	baseDataNamePath         = "data.baseData.name"
	baseDataMeasurementsPath = "data.baseData.measurements"
	baseDataPropertiesPath   = "data.baseData.properties"
)

// Event is one normalized telemetry event. It is never mutated after
// construction; sinks receive it by value.
type Event struct {
	Name         string
	Measurements map[string]float64
	Properties   map[string]string

	User         string
	IP           string
	ConnectionID string
	URL          string
	Timestamp    time.Time
}

// newEvent extracts name, measurements and properties from the nested
// base-data substructure of one recovered object, and stamps the event
// with the identity of its owning flow. Absent fields yield empty maps
// and the "unknown" name rather than failures.
func newEvent(value *gabs.Container, flow *stream.FlowInfo) *Event {
	event := &Event{
		Name:         UnknownEventName,
		Measurements: make(map[string]float64),
		Properties:   make(map[string]string),
		Timestamp:    time.Now().UTC(),
	}

	if flow != nil {
		event.User = flow.Username
		event.IP = flow.ClientIP
		event.ConnectionID = flow.ConnectionID
		event.URL = flow.URL
	}

	if name, ok := value.Path(baseDataNamePath).Data().(string); ok && name != "" {
		event.Name = name
	}

	if measurements, ok := value.Path(baseDataMeasurementsPath).Data().(map[string]interface{}); ok {
		for key, raw := range measurements {
			if number, ok := raw.(float64); ok {
				event.Measurements[key] = number
			}
		}
	}

	if properties, ok := value.Path(baseDataPropertiesPath).Data().(map[string]interface{}); ok {
		for key, raw := range properties {
			switch typed := raw.(type) {
			case string:
				event.Properties[key] = typed
			case float64, bool:
				event.Properties[key] = fmt.Sprintf("%v", typed)
			}
		}
	}

	return event
}

// coerceScalar turns a non-object recovered value into a minimally
// populated object so that field extraction never has to reject input.
func coerceScalar(value *gabs.Container) *gabs.Container {
	coerced := gabs.New()
	coerced.SetP(UnknownEventName, baseDataNamePath)
	coerced.SetP(fmt.Sprintf("%v", value.Data()), "data.baseData.properties.value")
	return coerced
}
