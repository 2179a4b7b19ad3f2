package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
)

// Client submits convergence actions to the orchestration service. Submit
// returns once the service has accepted the task; completion is not tracked.
type Client interface {
	Submit(ctx context.Context, req OrchestrationRequest) (TaskRef, error)
}

// TaskRef is the opaque handle of a submitted task.
type TaskRef struct {
	Ref string `json:"ref"`
}

// String implements fmt.Stringer.
func (t TaskRef) String() string { return t.Ref }

// IsZero reports whether no task was submitted.
func (t TaskRef) IsZero() bool { return t.Ref == "" }

// OrchestrationRequest is a batch of jobs submitted as one task.
type OrchestrationRequest struct {
	Name        string  `json:"name"`
	Application string  `json:"application"`
	Description string  `json:"description"`
	Job         []Job   `json:"job"`
	Trigger     Trigger `json:"trigger"`
}

// Trigger ties a task back to the resource that caused it.
type Trigger struct {
	CorrelationID string `json:"correlationId"`
	Type          string `json:"type"`
	User          string `json:"user,omitempty"`
}

// Job is a single operation with a provider-specific payload. It serializes
// flat: the payload keys sit next to "type".
type Job struct {
	Type    string
	Payload map[string]any
}

// MarshalJSON flattens the payload next to the job type.
func (j Job) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(j.Payload)+1)
	for k, v := range j.Payload {
		flat[k] = v
	}
	if _, clash := flat["type"]; clash {
		return nil, fmt.Errorf("job %s: payload must not contain key \"type\"", j.Type)
	}
	flat["type"] = j.Type
	return json.Marshal(flat)
}

// UnmarshalJSON splits "type" from the rest of the payload.
func (j *Job) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	t, _ := flat["type"].(string)
	delete(flat, "type")
	j.Type = t
	j.Payload = flat
	return nil
}
