// Package routing defines keyword routing rules for the task router.
package routing

import (
	"fmt"
	"strings"

	"github.com/Strob0t/conclave/internal/domain"
)

// Rule maps a set of trigger keywords to a primary agent and a fallback.
// Rules are evaluated in declaration order; earlier rules take priority.
type Rule struct {
	Name     string   `yaml:"name" json:"name"`
	Triggers []string `yaml:"triggers" json:"triggers"`
	Primary  string   `yaml:"primary" json:"primary"`
	Fallback string   `yaml:"fallback" json:"fallback,omitempty"`
}

// Validate checks that a Rule is well-formed.
func (r *Rule) Validate() error {
	if len(r.Triggers) == 0 {
		return fmt.Errorf("%w: rule %q has no triggers", domain.ErrValidation, r.Name)
	}
	if r.Primary == "" {
		return fmt.Errorf("%w: rule %q has no primary agent", domain.ErrValidation, r.Name)
	}
	return nil
}

// Matches reports whether any trigger keyword occurs in the objective.
// Matching is case-insensitive on whole words; multi-word triggers match as
// a phrase.
func (r *Rule) Matches(objective string) bool {
	text := " " + strings.Join(Tokenize(objective), " ") + " "
	for _, trig := range r.Triggers {
		words := Tokenize(trig)
		if len(words) == 0 {
			continue
		}
		if strings.Contains(text, " "+strings.Join(words, " ")+" ") {
			return true
		}
	}
	return false
}

// Candidates returns the primary then the fallback, skipping empties.
func (r *Rule) Candidates() []string {
	out := []string{r.Primary}
	if r.Fallback != "" && r.Fallback != r.Primary {
		out = append(out, r.Fallback)
	}
	return out
}

// Tokenize lower-cases text and splits it on anything that is not a letter,
// digit, '-' or '_'.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return false
		case r > 127:
			return false
		}
		return true
	})
}
