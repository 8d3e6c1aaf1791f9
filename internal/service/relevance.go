package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Strob0t/conclave/internal/domain/agent"
	"github.com/Strob0t/conclave/internal/domain/reasoning"
	"github.com/Strob0t/conclave/internal/domain/routing"
)

// RelevanceMatcher picks which agents should answer a broadcast question
// and in what order.
type RelevanceMatcher interface {
	Rank(q reasoning.Question, candidates []agent.Agent) []agent.Agent
}

// KeywordMatcher selects agents whose capability tags occur in the
// question text or its context values. When no agent matches, every
// candidate is considered relevant. Results are ordered by expertise, then
// registration order.
type KeywordMatcher struct{}

// Rank implements RelevanceMatcher.
func (KeywordMatcher) Rank(q reasoning.Question, candidates []agent.Agent) []agent.Agent {
	words := make(map[string]bool)
	for _, w := range routing.Tokenize(questionText(q)) {
		words[w] = true
		for _, part := range strings.FieldsFunc(w, func(r rune) bool { return r == '-' || r == '_' }) {
			words[part] = true
		}
	}

	var relevant []agent.Agent
	for i := range candidates {
		if capabilityOverlap(candidates[i].Capabilities, words) > 0 {
			relevant = append(relevant, candidates[i])
		}
	}
	if len(relevant) == 0 {
		relevant = append(relevant, candidates...)
	}
	sort.SliceStable(relevant, func(i, j int) bool {
		if relevant[i].Expertise != relevant[j].Expertise {
			return relevant[i].Expertise > relevant[j].Expertise
		}
		return relevant[i].Seq < relevant[j].Seq
	})
	return relevant
}

func questionText(q reasoning.Question) string {
	var b strings.Builder
	b.WriteString(q.Text)
	for _, e := range sortedContext(q.Context) {
		fmt.Fprintf(&b, " %s %v", e.Key, e.Value)
	}
	return b.String()
}

func capabilityOverlap(caps []string, words map[string]bool) int {
	n := 0
	for _, c := range caps {
		if words[c] {
			n++
			continue
		}
		for _, part := range strings.FieldsFunc(c, func(r rune) bool { return r == '-' || r == '_' }) {
			if words[part] {
				n++
				break
			}
		}
	}
	return n
}
