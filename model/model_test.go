package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var microphoneModel = DeviceModel{
	Name: "microphone",
	ReadingsSchema: []byte(`{
		"type": "object",
		"required": ["ts", "readings"],
		"properties": {
			"ts": {"type": "integer"},
			"readings": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["meaning", "value"],
					"properties": {
						"meaning": {"type": "string"},
						"value": {"type": "number"}
					}
				}
			}
		}
	}`),
}

func TestValidate(t *testing.T) {
	validator, err := NewValidator(microphoneModel)
	if err != nil {
		t.Fatal(err)
	}

	err = validator.Validate([]byte(`{"ts":1,"readings":[{"meaning":"noiseLevel","value":75}]}`))
	assert.NoError(t, err)

	err = validator.Validate([]byte(`{"readings":[{"meaning":"noiseLevel","value":75}]}`))
	var valErr *ValidationError
	assert.ErrorAs(t, err, &valErr)
	assert.Equal(t, "microphone", valErr.Model)

	err = validator.Validate([]byte(`{"ts":1,"readings":[{"meaning":"noiseLevel","value":"loud"}]}`))
	assert.ErrorAs(t, err, &valErr)

	// payloads that are not even JSON fail too
	err = validator.Validate([]byte(`ka-boom`))
	assert.ErrorAs(t, err, &valErr)
}

func TestValidatorRejectsBrokenSchema(t *testing.T) {
	_, err := NewValidator(DeviceModel{
		Name:           "broken",
		ReadingsSchema: []byte(`{"type": ["not a type"`),
	})
	assert.Error(t, err)
}

func TestFilter(t *testing.T) {
	validator, err := NewValidator(microphoneModel)
	if err != nil {
		t.Fatal(err)
	}

	var forwarded, invalid []string
	handler := validator.Filter(
		func(topic string, payload []byte) { forwarded = append(forwarded, topic) },
		func(topic string, err error) { invalid = append(invalid, topic) },
	)

	handler("dev1/data", []byte(`{"ts":1,"readings":[{"meaning":"noiseLevel","value":75}]}`))
	handler("dev1/data", []byte(`not telemetry`))

	assert.Equal(t, []string{"dev1/data"}, forwarded)
	assert.Equal(t, []string{"dev1/data"}, invalid)
}
