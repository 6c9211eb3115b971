// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package model validates telemetry payloads against device models.

A device model describes the class of a device and carries a JSON schema
for the readings its devices publish. The Validator checks payloads against
that schema; Filter turns it into a stream handler middleware that only
forwards valid payloads.
*/
package model

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/relabs-tech/iotstream/stream"
)

// DeviceModel describes the telemetry a class of devices produces.
type DeviceModel struct {
	ModelID uuid.UUID `json:"modelId"`
	Name    string    `json:"name"`
	// ReadingsSchema is a JSON schema for the payloads devices of this
	// model publish.
	ReadingsSchema json.RawMessage `json:"readingsSchema"`
}

// Reading is one telemetry reading inside a payload.
type Reading struct {
	Meaning string      `json:"meaning"`
	Value   interface{} `json:"value"`
}

// Payload is the platform's telemetry payload envelope.
type Payload struct {
	TS       int64     `json:"ts"`
	Readings []Reading `json:"readings"`
}

// ValidationError is returned when a payload does not conform to the
// device model's readings schema.
type ValidationError struct {
	Model  string
	Causes []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload does not match model %s: %s", e.Model, strings.Join(e.Causes, "; "))
}

// Validator validates telemetry payloads against one device model.
type Validator struct {
	model  DeviceModel
	schema *gojsonschema.Schema
}

// NewValidator compiles the model's readings schema.
func NewValidator(m DeviceModel) (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(m.ReadingsSchema))
	if err != nil {
		return nil, fmt.Errorf("readings schema of model %s: %w", m.Name, err)
	}
	return &Validator{model: m, schema: schema}, nil
}

// Validate checks one payload against the model's readings schema.
func (v *Validator) Validate(payload []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return &ValidationError{Model: v.model.Name, Causes: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	causes := make([]string, 0, len(result.Errors()))
	for _, cause := range result.Errors() {
		causes = append(causes, cause.String())
	}
	return &ValidationError{Model: v.model.Name, Causes: causes}
}

// Filter returns a stream handler that forwards only payloads conforming
// to the model. Non-conforming payloads go to onInvalid instead; a nil
// onInvalid drops them silently.
func (v *Validator) Filter(next stream.Handler, onInvalid func(topic string, err error)) stream.Handler {
	return func(topic string, payload []byte) {
		if err := v.Validate(payload); err != nil {
			if onInvalid != nil {
				onInvalid(topic, err)
			}
			return
		}
		next(topic, payload)
	}
}
