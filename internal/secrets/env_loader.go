package secrets

import (
	"os"
	"strings"
)

// EnvLoader returns a Loader that reads the named environment variables and
// every variable starting with one of prefixes. Empty values are omitted.
func EnvLoader(keys []string, prefixes ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		if len(prefixes) == 0 {
			return vals, nil
		}
		for _, kv := range os.Environ() {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || v == "" {
				continue
			}
			for _, p := range prefixes {
				if strings.HasPrefix(k, p) {
					vals[k] = v
					break
				}
			}
		}
		return vals, nil
	}
}

// AgentKeyName is the environment variable holding the API key of one
// remote agent, e.g. CONCLAVE_AGENT_REMOTE_1_API_KEY for "remote-1".
func AgentKeyName(agentID string) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, agentID)
	return AgentKeyPrefix + id + "_API_KEY"
}

// AgentKeyPrefix prefixes every per-agent key variable.
const AgentKeyPrefix = "CONCLAVE_AGENT_"
