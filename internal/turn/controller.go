package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vaultbot/internal/llm"
	"vaultbot/internal/tokenstore"
	"vaultbot/internal/tools"
	"vaultbot/pkg/metrics"
)

var (
	ErrInvalidTransition = errors.New("turn cannot be resumed from its current state")
	ErrTooManyResumes    = errors.New("turn exceeded its resume limit")
)

const apology = "Sorry, something went wrong while I was working on that. Please try again."

// Event is one item of a turn's output stream.
type Event struct {
	Type string `json:"type"` // text, interrupt, error, done
	Data any    `json:"data"`
}

type Emit func(Event) error

type Config struct {
	SystemPrompt     string
	MaxResumes       int
	MaxSteps         int
	TransportRetries int
}

type Controller struct {
	model    llm.Model
	tools    map[string]tools.Protected
	defs     []llm.ToolDef
	turns    Store
	messages MessageStore
	cfg      Config
	now      func() time.Time
	log      *zap.SugaredLogger
}

func NewController(model llm.Model, protected map[string]tools.Protected, turns Store, messages MessageStore, cfg Config, log *zap.SugaredLogger) *Controller {
	if cfg.MaxResumes <= 0 {
		cfg.MaxResumes = 3
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 8
	}
	if cfg.TransportRetries < 0 {
		cfg.TransportRetries = 0
	}
	defs := make([]llm.ToolDef, 0, len(protected))
	for _, p := range protected {
		defs = append(defs, llm.ToolDef{Name: p.Name, Description: p.Description, Parameters: p.Parameters})
	}
	return &Controller{model: model, tools: protected, defs: sortDefs(defs), turns: turns, messages: messages, cfg: cfg, now: time.Now, log: log}
}

// Start opens a turn for prompt on threadID (a new thread when empty) and
// runs it until it completes, fails or is interrupted.
func (c *Controller) Start(ctx context.Context, userID, threadID, prompt string, emit Emit) (Turn, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	} else if err := c.CheckThread(ctx, userID, threadID); err != nil {
		return Turn{}, err
	}
	history, err := c.messages.History(ctx, userID, threadID)
	if err != nil {
		return Turn{}, fmt.Errorf("load history: %w", err)
	}
	now := c.now().UTC()
	t := Turn{ID: uuid.NewString(), ThreadID: threadID, UserID: userID, State: Running, CreatedAt: now, UpdatedAt: now}
	if c.cfg.SystemPrompt != "" {
		t.Messages = append(t.Messages, llm.Message{Role: llm.RoleSystem, Content: c.cfg.SystemPrompt})
	}
	for _, m := range history {
		t.Messages = append(t.Messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	t.Messages = append(t.Messages, llm.Message{Role: llm.RoleUser, Content: prompt})
	if err := c.turns.Create(ctx, t); err != nil {
		return Turn{}, fmt.Errorf("create turn: %w", err)
	}
	if err := c.messages.AppendUser(ctx, userID, threadID, t.ID, prompt); err != nil {
		return Turn{}, fmt.Errorf("store prompt: %w", err)
	}
	return c.run(ctx, t, emit)
}

// CheckThread reports ErrThreadForbidden when threadID belongs to another user.
func (c *Controller) CheckThread(ctx context.Context, userID, threadID string) error {
	return c.messages.CheckThread(ctx, userID, threadID)
}

// Resume continues an Interrupted turn after the client finished the
// authorization flow. The blocked step is regenerated by the model.
func (c *Controller) Resume(ctx context.Context, userID, turnID string, emit Emit) (Turn, error) {
	t, err := c.turns.Get(ctx, turnID)
	if err != nil {
		return Turn{}, err
	}
	if t.UserID != userID {
		return Turn{}, ErrNotFound
	}
	if t.State != Interrupted {
		return t, ErrInvalidTransition
	}
	if t.Resumes >= c.cfg.MaxResumes {
		t.Error = "resume limit reached"
		if err := c.transition(ctx, &t, Interrupted, Failed); err != nil {
			return t, err
		}
		_ = emit(Event{Type: "error", Data: map[string]string{"message": apology}})
		_ = emit(Event{Type: "done", Data: summary(t)})
		return t, ErrTooManyResumes
	}
	t.Resumes++
	t.Interrupt = nil
	if err := c.transition(ctx, &t, Interrupted, Resumed); err != nil {
		return t, err
	}
	if err := c.transition(ctx, &t, Resumed, Running); err != nil {
		return t, err
	}
	return c.run(ctx, t, emit)
}

func (c *Controller) Get(ctx context.Context, userID, turnID string) (Turn, error) {
	t, err := c.turns.Get(ctx, turnID)
	if err != nil {
		return Turn{}, err
	}
	if t.UserID != userID {
		return Turn{}, ErrNotFound
	}
	return t, nil
}

func (c *Controller) run(ctx context.Context, t Turn, emit Emit) (Turn, error) {
	for step := 0; step < c.cfg.MaxSteps; step++ {
		reply, err := c.generate(ctx, t.Messages)
		if ctx.Err() != nil {
			return c.abandon(ctx, t)
		}
		if err != nil {
			return c.fail(ctx, t, emit, err)
		}
		if len(reply.ToolCalls) == 0 {
			return c.complete(ctx, t, reply.Content, emit)
		}
		if reply.Content != "" {
			_ = emit(Event{Type: "text", Data: reply.Content})
		}

		stepMsgs := []llm.Message{{Role: llm.RoleAssistant, Content: reply.Content, ToolCalls: reply.ToolCalls}}
		for i, call := range reply.ToolCalls {
			content, err := c.invoke(ctx, t.UserID, call)
			if ctx.Err() != nil {
				return c.abandon(ctx, t)
			}
			var ar *tools.AuthorizationRequired
			if errors.As(err, &ar) {
				t.Deferred = nil
				for _, d := range reply.ToolCalls[i+1:] {
					t.Deferred = append(t.Deferred, d.Name)
				}
				return c.interrupt(ctx, t, ar, emit)
			}
			if err != nil {
				return c.fail(ctx, t, emit, err)
			}
			stepMsgs = append(stepMsgs, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: content})
		}
		t.Messages = append(t.Messages, stepMsgs...)
		t.Deferred = nil
		if err := c.transition(ctx, &t, Running, Running); err != nil {
			return t, err
		}
	}
	return c.fail(ctx, t, emit, errors.New("step limit reached"))
}

// invoke runs one tool call. Tool-level failures the model can explain are
// returned as content; AuthorizationRequired and exhausted transport
// failures are returned as errors.
func (c *Controller) invoke(ctx context.Context, userID string, call llm.ToolCall) (string, error) {
	p, ok := c.tools[call.Name]
	if !ok {
		return toolError("unknown tool " + call.Name), nil
	}
	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return toolError("arguments are not a JSON object"), nil
		}
	}
	var (
		out any
		err error
	)
	for attempt := 0; attempt <= c.cfg.TransportRetries; attempt++ {
		out, err = p.Run(ctx, userID, args)
		var te *tokenstore.TransportError
		if !errors.As(err, &te) || ctx.Err() != nil {
			break
		}
		c.log.Warnw("tool transport failure", "tool", call.Name, "attempt", attempt+1, "err", err)
	}
	var te *tokenstore.TransportError
	var ar *tools.AuthorizationRequired
	switch {
	case err == nil:
		b, merr := json.Marshal(out)
		if merr != nil {
			return toolError("result is not serializable"), nil
		}
		return string(b), nil
	case errors.As(err, &ar), errors.As(err, &te):
		return "", err
	default:
		c.log.Infow("tool failed", "tool", call.Name, "err", err)
		return toolError(err.Error()), nil
	}
}

func (c *Controller) generate(ctx context.Context, msgs []llm.Message) (llm.Reply, error) {
	var (
		r   llm.Reply
		err error
	)
	for attempt := 0; attempt <= c.cfg.TransportRetries; attempt++ {
		r, err = c.model.Generate(ctx, msgs, c.defs)
		if !errors.Is(err, llm.ErrUpstream) || ctx.Err() != nil {
			return r, err
		}
	}
	return r, err
}

func (c *Controller) complete(ctx context.Context, t Turn, content string, emit Emit) (Turn, error) {
	inserted, err := c.messages.AppendAssistant(ctx, t.UserID, t.ThreadID, t.ID, content)
	if err != nil {
		return c.fail(ctx, t, emit, fmt.Errorf("store reply: %w", err))
	}
	if !inserted {
		c.log.Warnw("assistant message already stored for turn", "turn", t.ID)
	}
	t.Messages = append(t.Messages, llm.Message{Role: llm.RoleAssistant, Content: content})
	t.Deferred = nil
	if err := c.transition(ctx, &t, Running, Completed); err != nil {
		return t, err
	}
	metrics.TurnOutcomes.WithLabelValues(string(Completed)).Inc()
	_ = emit(Event{Type: "text", Data: content})
	_ = emit(Event{Type: "done", Data: summary(t)})
	return t, nil
}

func (c *Controller) interrupt(ctx context.Context, t Turn, ar *tools.AuthorizationRequired, emit Emit) (Turn, error) {
	t.Interrupt = &Interrupt{Type: InterruptType, Connection: ar.Connection, RequiredScopes: ar.Scopes, TurnID: t.ID}
	if err := c.transition(ctx, &t, Running, Interrupted); err != nil {
		return t, err
	}
	metrics.TurnInterrupts.WithLabelValues(ar.Connection).Inc()
	metrics.TurnOutcomes.WithLabelValues(string(Interrupted)).Inc()
	c.log.Debugw("turn interrupted", "turn", t.ID, "connection", ar.Connection, "deferred", len(t.Deferred))
	_ = emit(Event{Type: "interrupt", Data: t.Interrupt})
	_ = emit(Event{Type: "done", Data: summary(t)})
	return t, nil
}

func (c *Controller) fail(ctx context.Context, t Turn, emit Emit, cause error) (Turn, error) {
	c.log.Errorw("turn failed", "turn", t.ID, "err", cause)
	t.Error = cause.Error()
	if err := c.transition(ctx, &t, Running, Failed); err != nil {
		return t, err
	}
	metrics.TurnOutcomes.WithLabelValues(string(Failed)).Inc()
	_ = emit(Event{Type: "error", Data: map[string]string{"message": apology}})
	_ = emit(Event{Type: "done", Data: summary(t)})
	return t, nil
}

// abandon records a cancelled turn as failed; a fresh turn is needed to retry.
func (c *Controller) abandon(ctx context.Context, t Turn) (Turn, error) {
	t.Error = "abandoned"
	if err := c.transition(context.WithoutCancel(ctx), &t, Running, Failed); err != nil {
		return t, err
	}
	metrics.TurnOutcomes.WithLabelValues("abandoned").Inc()
	return t, ctx.Err()
}

func (c *Controller) transition(ctx context.Context, t *Turn, from, to State) error {
	t.State = to
	t.UpdatedAt = c.now().UTC()
	if err := c.turns.Save(ctx, *t, from); err != nil {
		return fmt.Errorf("turn %s %s->%s: %w", t.ID, from, to, err)
	}
	return nil
}

func summary(t Turn) map[string]any {
	return map[string]any{"turnId": t.ID, "threadId": t.ThreadID, "state": t.State}
}

func toolError(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

func sortDefs(defs []llm.ToolDef) []llm.ToolDef {
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
