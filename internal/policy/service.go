package policy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/rego"
)

type DecisionStatus string

const (
	Allow   DecisionStatus = "ALLOW"
	Blocked DecisionStatus = "BLOCKED"
)

// Input is what a tool policy sees before a tool call is attempted.
type Input struct {
	Tool       string         `json:"tool"`
	Connection string         `json:"connection,omitempty"`
	Scopes     []string       `json:"scopes,omitempty"`
	UserID     string         `json:"user_id"`
	Args       map[string]any `json:"args,omitempty"`
}

type Decision struct {
	Tool      string         `json:"tool"`
	Status    DecisionStatus `json:"status"`
	Reasons   []string       `json:"reasons,omitempty"`
	DecidedAt time.Time      `json:"decided_at"`
}

func (d Decision) Allowed() bool { return d.Status == Allow }

// Engine evaluates the rego entrypoint `data.policy.decide`. An engine
// without a module allows everything.
type Engine struct {
	query *rego.PreparedEvalQuery
	now   func() time.Time
}

// Load compiles the rego module at path; an empty path yields allow-all.
func Load(ctx context.Context, path string) (*Engine, error) {
	if strings.TrimSpace(path) == "" {
		return &Engine{now: time.Now}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Compile(ctx, string(b))
}

// Compile prepares a rego module for evaluation.
func Compile(ctx context.Context, module string) (*Engine, error) {
	pq, err := rego.New(
		rego.Query("data.policy.decide"),
		rego.Module("policy.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	return &Engine{query: &pq, now: time.Now}, nil
}

// Evaluate decides whether the tool call may proceed. Evaluation errors
// block the call.
func (e *Engine) Evaluate(ctx context.Context, in Input) Decision {
	now := time.Now
	if e != nil && e.now != nil {
		now = e.now
	}
	dec := Decision{Tool: in.Tool, Status: Allow, DecidedAt: now().UTC()}
	if e == nil || e.query == nil {
		return dec
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil || len(rs) == 0 || len(rs[0].Expressions) == 0 {
		dec.Status = Blocked
		dec.Reasons = []string{"policy_error"}
		return dec
	}
	switch out := rs[0].Expressions[0].Value.(type) {
	case bool:
		if !out {
			dec.Status = Blocked
		}
	case map[string]any:
		if s, _ := out["status"].(string); s != string(Allow) {
			dec.Status = Blocked
		}
		if rs, ok := out["reasons"].([]any); ok {
			for _, r := range rs {
				dec.Reasons = append(dec.Reasons, fmt.Sprint(r))
			}
		}
	}
	return dec
}
