package service

import (
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/Strob0t/conclave/internal/domain/agent"
	"github.com/Strob0t/conclave/internal/domain/reasoning"
	"github.com/Strob0t/conclave/internal/domain/task"
)

//go:embed templates/*.tmpl
var promptFS embed.FS

// promptTmpl holds every prompt template, addressed by file name.
var promptTmpl = template.Must(template.New("prompts").
	Funcs(template.FuncMap{"join": strings.Join}).
	ParseFS(promptFS, "templates/*.tmpl"))

func render(name string, data any) (string, error) {
	var b strings.Builder
	if err := promptTmpl.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return b.String(), nil
}

type taskPromptData struct {
	Agent         agent.Agent
	Objective     string
	Constraints   task.Constraints
	SharedContext string
}

func taskPrompt(a agent.Agent, t *task.Task, shared string) (string, error) {
	return render("task.tmpl", taskPromptData{
		Agent:         a,
		Objective:     sanitizePromptInput(t.Objective),
		Constraints:   t.Constraints,
		SharedContext: shared,
	})
}

type contextEntry struct {
	Key   string
	Value any
}

type questionPromptData struct {
	Target        agent.Agent
	Question      reasoning.Question
	Context       []contextEntry
	SharedContext string
}

func questionPrompt(target agent.Agent, q reasoning.Question, shared string) (string, error) {
	q.Text = sanitizePromptInput(q.Text)
	return render("question.tmpl", questionPromptData{
		Target:        target,
		Question:      q,
		Context:       sortedContext(q.Context),
		SharedContext: shared,
	})
}

// sortedContext flattens a question's structured context in key order so
// prompts and cache keys are stable.
func sortedContext(m map[string]any) []contextEntry {
	out := make([]contextEntry, 0, len(m))
	for k, v := range m {
		out = append(out, contextEntry{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

type debateOther struct {
	AgentID  string
	Position reasoning.Position
}

type debatePromptData struct {
	Agent  agent.Agent
	Topic  string
	Round  int
	Own    *reasoning.Position
	Others []debateOther
}

func debatePrompt(a agent.Agent, topic string, round int, own *reasoning.Position, others []debateOther) (string, error) {
	return render("debate.tmpl", debatePromptData{Agent: a, Topic: sanitizePromptInput(topic), Round: round, Own: own, Others: others})
}

type proposalPromptData struct {
	Agent         agent.Agent
	Problem       string
	SharedContext string
}

func proposalPrompt(a agent.Agent, problem, shared string) (string, error) {
	return render("proposal.tmpl", proposalPromptData{Agent: a, Problem: sanitizePromptInput(problem), SharedContext: shared})
}

type votePromptData struct {
	Voter     agent.Agent
	Problem   string
	Proposals []*reasoning.ProposedSolution
}

func votePrompt(voter agent.Agent, problem string, proposals []*reasoning.ProposedSolution) (string, error) {
	return render("vote.tmpl", votePromptData{Voter: voter, Problem: sanitizePromptInput(problem), Proposals: proposals})
}

type verifyPromptData struct {
	Verifier agent.Agent
	Solution string
	Criteria []string
	Findings []reasoning.Finding
}

func verifyPrompt(verifier agent.Agent, req reasoning.VerificationRequest, findings []reasoning.Finding) (string, error) {
	return render("verify.tmpl", verifyPromptData{
		Verifier: verifier,
		Solution: req.Solution,
		Criteria: req.Criteria,
		Findings: findings,
	})
}
