package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// knownKinds lists every discriminator value this build can decode. A kind
// outside this set always decodes as KindUnknown, whatever the schema check
// of its envelope says.
var knownKinds = map[Kind]bool{
	KindWorkflowStarted:        true,
	KindWorkflowCompleted:      true,
	KindWorkflowFailed:         true,
	KindWorkflowCancelled:      true,
	KindActivityScheduled:      true,
	KindActivityStarted:        true,
	KindActivityCompleted:      true,
	KindActivityFailed:         true,
	KindActivityTimedOut:       true,
	KindActivityCancelled:      true,
	KindTimerStarted:           true,
	KindTimerFired:             true,
	KindTimerCancelled:         true,
	KindSignalReceived:         true,
	KindChildWorkflowStarted:   true,
	KindChildWorkflowCompleted: true,
	KindChildWorkflowFailed:    true,
}

// baseEventSchemaDoc requires every stored event to carry the envelope
// fields regardless of its payload shape. It is the only schema the
// Validator compiles; payloads are not schema-checked per kind.
const baseEventSchemaDoc = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["workflow_id", "sequence_num", "event_type", "timestamp"],
	"properties": {
		"workflow_id": {"type": "string"},
		"sequence_num": {"type": "integer", "minimum": 0},
		"event_type": {"type": "string"},
		"timestamp": {"type": "string"}
	}
}`

// Validator checks a decoded Event's envelope against the canonical schema
// before the executor trusts it. It does not validate per-kind payload
// shape beyond what Go's struct decoding already enforces: the engine's
// forward-compatibility story (spec §9) is driven by the discriminator
// lookup in Classify, not by schema-level payload unions.
type Validator struct {
	base *jsonschema.Schema
}

// NewValidator compiles the base event envelope schema.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(baseEventSchemaDoc)))
	if err != nil {
		return nil, fmt.Errorf("eventlog: parse base schema: %w", err)
	}
	const resourceURL = "durableflow://eventlog/event.json"
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("eventlog: add base schema resource: %w", err)
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("eventlog: compile base schema: %w", err)
	}
	return &Validator{base: schema}, nil
}

// ValidateEnvelope checks that raw (the wire representation of an Event)
// satisfies the base schema, independent of which Kind it carries.
func (v *Validator) ValidateEnvelope(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("eventlog: unmarshal event for validation: %w", err)
	}
	if err := v.base.Validate(inst); err != nil {
		return fmt.Errorf("eventlog: event envelope invalid: %w", err)
	}
	return nil
}

// Classify reports the Kind for a raw discriminator string, returning
// KindUnknown for anything this build does not recognize. Callers use this
// to decide between normal handler dispatch and the dedicated unknown-event
// failure path.
func Classify(discriminator string) Kind {
	k := Kind(discriminator)
	if knownKinds[k] {
		return k
	}
	return KindUnknown
}

// ToUnknownPayload wraps an unrecognized event's raw fields for storage in
// the workflow's dedicated unknown-event failure state.
func ToUnknownPayload(discriminator string, raw json.RawMessage) UnknownEventPayload {
	return UnknownEventPayload{DiscriminatorValue: discriminator, RawPayload: raw}
}
