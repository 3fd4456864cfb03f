// Package webhook classifies shipping platform notifications and pulls the
// shipment fields the sync engine needs out of them.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

type Shape string

const (
	ShapeLegacy Shape = "legacy"
	ShapeTyped  Shape = "typed"
)

type Event string

const (
	EventShipmentCreated     Event = "shipment_created"
	EventLabelCreated        Event = "label_created"
	EventFulfillmentShipped  Event = "fulfillment_shipped"
	EventTrack               Event = "track"
	EventBatchProcessed      Event = "batch_processed"
	EventFulfillmentRejected Event = "fulfillment_rejected"
)

var ErrUnrecognized = errors.New("unrecognized webhook payload")

// entityKeys are checked in order for the typed shape's payload.
var entityKeys = []string{"data", "shipment", "fulfillment", "tracking", "batch"}

const legacySchema = `{
  "type": "object",
  "required": ["resource_url", "resource_type"],
  "properties": {
    "resource_url": {"type": "string", "minLength": 1},
    "resource_type": {"type": "string"}
  }
}`

const typedSchema = `{
  "type": "object",
  "required": ["event"],
  "properties": {
    "event": {"type": "string", "minLength": 1}
  },
  "anyOf": [
    {"required": ["data"]},
    {"required": ["shipment"]},
    {"required": ["fulfillment"]},
    {"required": ["tracking"]},
    {"required": ["batch"]}
  ]
}`

// Envelope is a notification normalized across both shapes. Legacy
// envelopes carry a ResourceURL to dereference instead of Entities.
type Envelope struct {
	ID           string
	Shape        Shape
	Event        Event
	RawEvent     string
	ResourceURL  string
	ResourceType string
	Entities     []map[string]any
	ReceivedAt   time.Time
}

type Classifier struct {
	legacy *jsonschema.Schema
	typed  *jsonschema.Schema
	now    func() time.Time
}

func NewClassifier() (*Classifier, error) {
	legacy, err := compileSchema("ordersync://webhook/legacy.json", legacySchema)
	if err != nil {
		return nil, err
	}
	typed, err := compileSchema("ordersync://webhook/typed.json", typedSchema)
	if err != nil {
		return nil, err
	}
	return &Classifier{legacy: legacy, typed: typed, now: time.Now}, nil
}

func compileSchema(location, text string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", location, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(location, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", location, err)
	}
	schema, err := compiler.Compile(location)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", location, err)
	}
	return schema, nil
}

// Parse classifies body and returns the normalized envelope.
func (c *Classifier) Parse(body []byte) (Envelope, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	obj, _ := inst.(map[string]any)
	env := Envelope{ID: uuid.NewString(), ReceivedAt: c.now().UTC()}

	switch {
	case c.typed.Validate(inst) == nil:
		env.Shape = ShapeTyped
		env.RawEvent = stringValue(obj["event"])
		env.Event = NormalizeEvent(env.RawEvent)
		for _, key := range entityKeys {
			if value, ok := obj[key]; ok {
				env.Entities = append(env.Entities, flattenEntities(value)...)
			}
		}
		if url := stringValue(obj["resource_url"]); url != "" {
			env.ResourceURL = url
			env.ResourceType = stringValue(obj["resource_type"])
		}
	case c.legacy.Validate(inst) == nil:
		env.Shape = ShapeLegacy
		env.ResourceURL = stringValue(obj["resource_url"])
		env.ResourceType = stringValue(obj["resource_type"])
		env.RawEvent = env.ResourceType
		env.Event = eventForResourceType(env.ResourceType)
		if raw := stringValue(obj["event"]); raw != "" {
			env.RawEvent = raw
			env.Event = NormalizeEvent(raw)
		}
	default:
		return Envelope{}, ErrUnrecognized
	}
	return env, nil
}

// NormalizeEvent lower-cases the event name and drops a trailing _v2.
func NormalizeEvent(raw string) Event {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.TrimSuffix(name, "_v2")
	return Event(name)
}

// Reportable reports whether the event can carry tracking for a shipment.
func (e Event) Reportable() bool {
	switch e {
	case EventShipmentCreated, EventLabelCreated, EventFulfillmentShipped, EventTrack, EventBatchProcessed:
		return true
	}
	return false
}

// Rejected reports whether the event withdraws a fulfillment.
func (e Event) Rejected() bool {
	return e == EventFulfillmentRejected
}

// Known reports whether the event is one the sync acts on.
func (e Event) Known() bool {
	return e.Reportable() || e.Rejected()
}

func eventForResourceType(resourceType string) Event {
	switch strings.ToUpper(strings.TrimSpace(resourceType)) {
	case "SHIP_NOTIFY", "ITEM_SHIP_NOTIFY":
		return EventShipmentCreated
	case "FULFILLMENT_SHIPPED":
		return EventFulfillmentShipped
	case "FULFILLMENT_REJECTED":
		return EventFulfillmentRejected
	case "BATCH":
		return EventBatchProcessed
	}
	return NormalizeEvent(resourceType)
}

// EntitiesFromResource flattens a dereferenced resource document.
func EntitiesFromResource(doc any) []map[string]any {
	return flattenEntities(doc)
}

func flattenEntities(value any) []map[string]any {
	switch v := value.(type) {
	case []any:
		var out []map[string]any
		for _, item := range v {
			out = append(out, flattenEntities(item)...)
		}
		return out
	case map[string]any:
		for _, key := range []string{"shipments", "fulfillments", "labels"} {
			if nested, ok := v[key].([]any); ok {
				return flattenEntities(nested)
			}
		}
		return []map[string]any{v}
	}
	return nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}
