package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avennor/ensemble/pkg/schema"
)

func TestValidatePayloadAcceptsWellFormedDefinition(t *testing.T) {
	v, err := NewPayloadValidator()
	require.NoError(t, err)

	payload := []byte(`{
		"agents": [{"name": "planner", "type": "llm"}],
		"workflows": {
			"review": {
				"commander_agent_name": "planner",
				"participants": ["planner"],
				"steps": [
					{"id": "s1", "role": "writer", "input_template": "draft {{user_task}}"}
				],
				"retry_policy": {"max_retries": 3, "backoff": "exponential", "delay": "1s"}
			}
		}
	}`)

	assert.NoError(t, v.ValidatePayload(payload))
}

func TestValidatePayloadRejectsMissingRequiredFields(t *testing.T) {
	v, err := NewPayloadValidator()
	require.NoError(t, err)

	// Step missing role and input_template.
	payload := []byte(`{
		"workflows": {
			"bad": {"steps": [{"id": "s1"}]}
		}
	}`)

	verr := v.ValidatePayload(payload)
	require.Error(t, verr)

	var ee *schema.EnsembleError
	require.True(t, errors.As(verr, &ee))
	assert.Equal(t, schema.ErrCodeValidation, ee.Code)
}

func TestValidatePayloadRejectsUnknownFields(t *testing.T) {
	v, err := NewPayloadValidator()
	require.NoError(t, err)

	payload := []byte(`{
		"workflows": {
			"w": {
				"steps": [{"id": "s1", "role": "writer", "input_template": "go", "unknown": true}]
			}
		}
	}`)

	assert.Error(t, v.ValidatePayload(payload))
}

func TestValidatePayloadRejectsMalformedJSON(t *testing.T) {
	v, err := NewPayloadValidator()
	require.NoError(t, err)

	verr := v.ValidatePayload([]byte(`{"workflows": `))
	require.Error(t, verr)

	var ee *schema.EnsembleError
	require.True(t, errors.As(verr, &ee))
	assert.Equal(t, schema.ErrCodeValidation, ee.Code)
}

func TestValidatePayloadRejectsBadRetryDelay(t *testing.T) {
	v, err := NewPayloadValidator()
	require.NoError(t, err)

	payload := []byte(`{
		"workflows": {
			"w": {
				"steps": [{"id": "s1", "role": "writer", "input_template": "go"}],
				"retry_policy": {"max_retries": 2, "delay": "soon"}
			}
		}
	}`)

	assert.Error(t, v.ValidatePayload(payload))
}
