package a2a

import "sort"

// SkillTask is the skill every Conclave instance offers: route an objective to an agent.
const SkillTask = "route-task"

// BuildAgentCard returns the AgentCard for this Conclave instance.
// Each capability advertised by a registered agent becomes a category skill.
func BuildAgentCard(baseURL, version string, capabilities []string) AgentCard {
	card := AgentCard{
		Name:        "Conclave",
		Description: "Multi-agent task router and collaborative reasoning coordinator",
		URL:         baseURL,
		Version:     version,
		Skills: []Skill{{
			ID:          SkillTask,
			Name:        "Route Task",
			Description: "Route an objective to the best idle agent and return its artifact",
			InputModes:  []string{"text"},
			OutputModes: []string{"text"},
		}},
	}

	seen := make(map[string]bool, len(capabilities))
	caps := make([]string, 0, len(capabilities))
	for _, c := range capabilities {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		caps = append(caps, c)
	}
	sort.Strings(caps)
	for _, c := range caps {
		card.Skills = append(card.Skills, Skill{
			ID:          c,
			Name:        c,
			Description: "Route a " + c + " task to a capable agent",
			InputModes:  []string{"text"},
			OutputModes: []string{"text"},
		})
	}
	return card
}
