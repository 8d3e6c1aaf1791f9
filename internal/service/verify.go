package service

import (
	"context"
	"fmt"

	cfotel "github.com/Strob0t/conclave/internal/adapter/otel"
	"github.com/Strob0t/conclave/internal/domain/reasoning"
	"github.com/Strob0t/conclave/internal/port/backend"
)

// VerifySolution asks the verifier to judge a solution. The static
// pre-scan runs first; its findings are shown to the verifier and added
// to the issues, and a high-severity finding fails the verification.
// The result is advisory.
func (e *ReasoningEngine) VerifySolution(ctx context.Context, req reasoning.VerificationRequest) (*reasoning.VerificationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	verifier, err := e.responder(req.VerifierID)
	if err != nil {
		return nil, err
	}

	ctx, span := cfotel.StartReasoningSpan(ctx, "verify", verifier.ID)
	findings := staticScan(req.Solution)
	prompt, err := verifyPrompt(verifier, req, findings)
	if err != nil {
		cfotel.EndSpan(span, err)
		return nil, err
	}
	raw, err := e.invoker.Invoke(ctx, verifier, prompt, backend.Options{})
	if err != nil {
		err = fmt.Errorf("verify with %s: %w", verifier.ID, err)
		cfotel.EndSpan(span, err)
		return nil, err
	}

	passed, issues, suggestions := parseVerdict(raw)
	for _, f := range findings {
		issues = append(issues, fmt.Sprintf("[%s] line %d: %s", f.Severity, f.Line, f.Message))
		if f.Severity == "high" {
			passed = false
		}
	}
	cfotel.EndSpan(span, nil)
	e.metrics.RecordReasoning(ctx, "verify")

	return &reasoning.VerificationResult{
		VerifierID:     verifier.ID,
		Passed:         passed,
		Issues:         issues,
		Suggestions:    suggestions,
		Confidence:     verifier.Expertise,
		StaticFindings: findings,
	}, nil
}
