package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Normalize fills defaults and checks required fields. A normalization
// error maps to a bad-request failure response, never to a handler panic.
func (j *Job) Normalize() error {
	if j.ExecutionType == "" {
		j.ExecutionType = ExecutionTypeFunction
	}
	switch j.ExecutionType {
	case ExecutionTypeFunction:
		if j.FunctionName == "" {
			return errors.New("function_name is required")
		}
	case ExecutionTypeClass:
		if j.ClassName == "" {
			return errors.New("class_name is required")
		}
	default:
		return fmt.Errorf("unknown execution_type %q", j.ExecutionType)
	}
	return nil
}

// ParseEnvelope decodes a job from a request body, accepting both the
// wrapped {"input": <job>} envelope and the bare job object. Unknown
// fields are tolerated.
func ParseEnvelope(body []byte) (*Job, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Input) > 0 {
		body = env.Input
	}
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("malformed job envelope: %w", err)
	}
	if err := job.Normalize(); err != nil {
		return nil, err
	}
	return &job, nil
}
