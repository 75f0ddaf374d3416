package teamsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// NotificationEnvelope is the inbound webhook body: one or more change
// notifications under "value".
type NotificationEnvelope struct {
	Value []ChangeNotification `json:"value"`
}

const notificationSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["value"],
	"properties": {
		"value": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["subscriptionId", "clientState"],
				"properties": {
					"subscriptionId": {"type": "string", "minLength": 1},
					"clientState": {"type": "string"},
					"resource": {"type": "string"}
				}
			}
		}
	}
}`

// NotificationValidator checks inbound envelopes against the fixed schema
// before anything is queued.
type NotificationValidator struct {
	schema *jsonschema.Schema
}

func NewNotificationValidator() (*NotificationValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("notification.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("notification.json")
	if err != nil {
		return nil, err
	}
	return &NotificationValidator{schema: schema}, nil
}

func (v *NotificationValidator) Parse(body []byte) (NotificationEnvelope, error) {
	if v == nil || v.schema == nil {
		return NotificationEnvelope{}, fmt.Errorf("notification validator is nil")
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return NotificationEnvelope{}, fmt.Errorf("%w: invalid json body", ErrInvalidInput)
	}
	if err := v.schema.Validate(instance); err != nil {
		return NotificationEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var envelope NotificationEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return NotificationEnvelope{}, fmt.Errorf("%w: invalid json body", ErrInvalidInput)
	}
	return envelope, nil
}
