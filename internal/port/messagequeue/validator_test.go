package messagequeue

import "testing"

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		data    string
		wantErr bool
	}{
		{"submit ok", SubjectTaskSubmit, `{"objective":"implement X","constraints":{"size_limit":100}}`, false},
		{"submit missing objective", SubjectTaskSubmit, `{"constraints":{}}`, true},
		{"submit wrong type", SubjectTaskSubmit, `{"objective":42}`, true},
		{"completed ok", SubjectTaskCompleted, `{"task_id":"t1","status":"completed"}`, false},
		{"completed missing id", SubjectTaskCompleted, `{"status":"failed"}`, true},
		{"context ok", SubjectContextUpdate, `{"version":3}`, false},
		{"agent status wrong type", SubjectAgentStatus, `{"agent_id":1}`, true},
		{"invalid json", SubjectTaskSubmit, `{`, true},
		{"unknown subject", "conclave.other", `{"anything":true}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.subject, []byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
