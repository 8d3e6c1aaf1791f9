package a2a

// AgentCard is served at /.well-known/agent.json so peer systems can
// discover what this instance routes.
type AgentCard struct {
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	URL          string           `json:"url"`
	Version      string           `json:"version"`
	Skills       []Skill          `json:"skills"`
	Capabilities CardCapabilities `json:"capabilities"`
}

// CardCapabilities lists optional protocol features. Conclave answers
// synchronously and polls; it does not stream.
type CardCapabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
}

// Skill is one routable task category.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	InputModes  []string `json:"inputModes"`
	OutputModes []string `json:"outputModes"`
}

// TaskRequest is an incoming A2A task. ID is chosen by the caller.
type TaskRequest struct {
	ID    string    `json:"id"`
	Skill string    `json:"skill"`
	Input TaskInput `json:"input"`
}

// TaskInput carries the objective and its optional routing constraints.
// Prompt is accepted as an alias for Objective.
type TaskInput struct {
	Objective string `json:"objective,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	SizeLimit int    `json:"size_limit,omitempty"`
	Category  string `json:"category,omitempty"`
	Target    string `json:"target,omitempty"`
}

// TaskResponse reports the state of an A2A task.
type TaskResponse struct {
	ID     string     `json:"id"`
	Status string     `json:"status"` // queued, running, completed, failed
	Output TaskOutput `json:"output"`
	Error  string     `json:"error,omitempty"`
}

// TaskOutput mirrors the routed task and, once finished, its result.
type TaskOutput struct {
	TaskID            string   `json:"task_id"`
	AgentID           string   `json:"agent_id,omitempty"`
	Artifact          string   `json:"artifact,omitempty"`
	ModifiedResources []string `json:"modified_resources,omitempty"`
	VerificationToken string   `json:"verification_token,omitempty"`
}
