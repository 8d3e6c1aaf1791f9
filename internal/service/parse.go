package service

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/Strob0t/conclave/internal/domain/reasoning"
	"github.com/Strob0t/conclave/internal/domain/task"
)

const modifiedPrefix = "MODIFIED:"

// parseTaskResult turns raw backend output into a task result. Modified
// resources are read from the full output before the artifact is truncated.
func parseTaskResult(raw string, c task.Constraints) *task.Result {
	var modified []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, modifiedPrefix)
		if !ok {
			continue
		}
		res := strings.TrimSpace(rest)
		if res == "" || seen[res] {
			continue
		}
		seen[res] = true
		modified = append(modified, res)
	}

	artifact := raw
	if c.SizeLimit > 0 {
		artifact = truncateBytes(artifact, c.SizeLimit)
	}
	return &task.Result{
		Artifact:          artifact,
		ModifiedResources: modified,
		VerificationToken: verificationToken(artifact),
	}
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

func verificationToken(artifact string) string {
	sum := sha256.Sum256([]byte(artifact))
	return hex.EncodeToString(sum[:])[:16]
}

// responseFields collects "KEY: value" lines from a model response. Keys
// are upper-cased; repeated keys accumulate.
func responseFields(raw string) map[string][]string {
	out := make(map[string][]string)
	for _, line := range strings.Split(raw, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		if key == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		out[key] = append(out[key], strings.TrimSpace(val))
	}
	return out
}

func firstField(f map[string][]string, key string) string {
	if v := f[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// fieldInt parses the first value of key, returning def when missing or
// not a number.
func fieldInt(f map[string][]string, key string, def int) int {
	v := firstField(f, key)
	if v == "" {
		return def
	}
	v = strings.TrimSuffix(strings.Fields(v)[0], "%")
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ";") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseAnswer splits an answer into text and trailing reasoning.
func parseAnswer(raw string) (text, why string) {
	raw = strings.TrimSpace(raw)
	idx := strings.LastIndex(strings.ToUpper(raw), "REASONING:")
	if idx < 0 {
		return raw, ""
	}
	return strings.TrimSpace(raw[:idx]), strings.TrimSpace(raw[idx+len("REASONING:"):])
}

// parsePosition reads a debate reply. Without a POSITION line the whole
// reply is the position; without CONFIDENCE the agent's expertise is used.
func parsePosition(raw string, expertise int) reasoning.Position {
	f := responseFields(raw)
	text := firstField(f, "POSITION")
	if text == "" {
		text = strings.TrimSpace(raw)
	}
	return reasoning.Position{
		Text:       text,
		Reasoning:  firstField(f, "REASONING"),
		Evidence:   f["EVIDENCE"],
		Confidence: clampPercent(fieldInt(f, "CONFIDENCE", expertise)),
	}
}

// parseProposal reads a proposal reply. Complexity defaults to 5.
func parseProposal(agentID, raw string) *reasoning.ProposedSolution {
	f := responseFields(raw)
	text := firstField(f, "SOLUTION")
	if text == "" {
		text = strings.TrimSpace(raw)
	}
	return &reasoning.ProposedSolution{
		AgentID:    agentID,
		Text:       text,
		Pros:       splitList(firstField(f, "PROS")),
		Cons:       splitList(firstField(f, "CONS")),
		Complexity: reasoning.ClampComplexity(fieldInt(f, "COMPLEXITY", 5)),
		Votes:      make(map[string]bool),
	}
}

// parseVotes returns the agent ids named on VOTE lines.
func parseVotes(raw string) []string {
	var out []string
	for _, v := range responseFields(raw)["VOTE"] {
		if fs := strings.Fields(v); len(fs) > 0 {
			out = append(out, strings.Trim(fs[0], "\"'`.,"))
		}
	}
	return out
}

// parseVerdict reads a verification reply. Anything but an explicit PASS
// verdict fails.
func parseVerdict(raw string) (passed bool, issues, suggestions []string) {
	f := responseFields(raw)
	verdict := strings.ToUpper(firstField(f, "VERDICT"))
	passed = strings.HasPrefix(verdict, "PASS")
	for _, v := range f["ISSUE"] {
		if v != "" {
			issues = append(issues, v)
		}
	}
	for _, v := range f["SUGGESTION"] {
		if v != "" {
			suggestions = append(suggestions, v)
		}
	}
	return passed, issues, suggestions
}

func clampPercent(n int) int {
	return min(max(n, 0), 100)
}

type scanRule struct {
	name     string
	severity string
	re       *regexp.Regexp
	message  string
}

var scanRules = []scanRule{
	{"hardcoded-api-key", "high", regexp.MustCompile(`(?i)["']?api[_-]?key["']?\s*[:=]\s*["'][^"']+["']`), "potential hard-coded API key"},
	{"hardcoded-secret-key", "high", regexp.MustCompile(`(?i)["']?secret[_-]?key["']?\s*[:=]\s*["'][^"']+["']`), "potential hard-coded secret key"},
	{"hardcoded-password", "high", regexp.MustCompile(`(?i)["']?password["']?\s*[:=]\s*["'][^"']+["']`), "potential hard-coded password"},
	{"hardcoded-token", "high", regexp.MustCompile(`(?i)["']?token["']?\s*[:=]\s*["'][^"']+["']`), "potential hard-coded access token"},
	{"hardcoded-aws-key", "high", regexp.MustCompile(`(?i)["']?aws[_-]?access[_-]?key["']?\s*[:=]\s*["'][^"']+["']`), "potential hard-coded AWS credentials"},
	{"sensitive-log", "medium", regexp.MustCompile(`(?i)(log|print|console\.log).*password`), "possible password written to logs"},
}

var weakCrypto = regexp.MustCompile(`\b(MD5|SHA1|DES|RC4)\b`)

// staticScan flags hard-coded secrets and weak cryptography, one finding
// per rule per line and one per weak algorithm.
func staticScan(src string) []reasoning.Finding {
	var out []reasoning.Finding
	seenAlgo := make(map[string]bool)
	for i, line := range strings.Split(src, "\n") {
		for _, r := range scanRules {
			if r.re.MatchString(line) {
				out = append(out, reasoning.Finding{Rule: r.name, Severity: r.severity, Line: i + 1, Message: r.message})
			}
		}
		for _, algo := range weakCrypto.FindAllString(line, -1) {
			if seenAlgo[algo] {
				continue
			}
			seenAlgo[algo] = true
			out = append(out, reasoning.Finding{
				Rule:     "weak-crypto",
				Severity: "medium",
				Line:     i + 1,
				Message:  "use of weak cryptographic algorithm " + algo,
			})
		}
	}
	return out
}
