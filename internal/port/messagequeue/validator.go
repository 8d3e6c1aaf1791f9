package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects only need valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch subject {
	case SubjectTaskSubmit:
		var p TaskSubmitPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if strings.TrimSpace(p.Objective) == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("objective is required"))
		}
	case SubjectTaskCompleted:
		var p TaskCompletedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.TaskID == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("task_id is required"))
		}
	case SubjectContextUpdate:
		var p ContextUpdatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
	case SubjectAgentStatus:
		var p AgentStatusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
	}
	return nil
}
