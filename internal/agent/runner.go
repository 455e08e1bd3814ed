// Package agent runs role-scoped agent sessions against a chat model.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"retention-agent/internal/domain"
	"retention-agent/internal/integrations/openai"
)

// SessionRequest scopes one session to a role and a goal.
type SessionRequest struct {
	ConversationID string
	Role           domain.Role
	Goal           string
	Tools          []string
	MaxTurns       int
	MaxCostCents   int
}

// Runner executes a session, pushing events to emit in order. The final
// event it emits is SessionDone or SessionError.
type Runner interface {
	Run(ctx context.Context, req SessionRequest, emit func(domain.SessionEvent)) error
}

// Chatter is the completion call the runner depends on.
type Chatter interface {
	Chat(ctx context.Context, in openai.ChatRequest) (openai.ChatResult, error)
}

type turnOutput struct {
	Reply string `json:"reply"`
	Done  bool   `json:"done"`
}

var turnSchema = &openai.Schema{
	Name: "session_turn",
	JSON: json.RawMessage(`{
		"type":"object",
		"additionalProperties":false,
		"properties":{
			"reply":{"type":"string"},
			"done":{"type":"boolean"}
		},
		"required":["reply","done"]
	}`),
}

// OpenAIRunner drives a session turn by turn until the model reports done or
// a turn or cost bound is reached.
type OpenAIRunner struct {
	chat            Chatter
	model           string
	centsPerKTokens float64
	log             *slog.Logger
	newID           func() string
}

// NewOpenAIRunner returns a runner that prices usage at centsPerKTokens.
func NewOpenAIRunner(chat Chatter, model string, centsPerKTokens float64, log *slog.Logger) (*OpenAIRunner, error) {
	if chat == nil {
		return nil, errors.New("agent: chat client must not be nil")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("agent: model must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &OpenAIRunner{
		chat:            chat,
		model:           model,
		centsPerKTokens: centsPerKTokens,
		log:             log.With(slog.String("component", "agent")),
		newID:           uuid.NewString,
	}, nil
}

func systemPrompt(req SessionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are acting as %s.\n", req.Role.Label)
	if req.Role.Instructions != "" {
		b.WriteString(req.Role.Instructions)
		b.WriteString("\n")
	}
	if len(req.Tools) > 0 {
		fmt.Fprintf(&b, "Tools available to you: %s.\n", strings.Join(req.Tools, ", "))
	}
	b.WriteString(`Reply with JSON {"reply": string, "done": boolean}. Set done when the goal is handled.`)
	return b.String()
}

func (r *OpenAIRunner) Run(ctx context.Context, req SessionRequest, emit func(domain.SessionEvent)) error {
	sessionID := r.newID()
	emit(domain.SessionEvent{Type: domain.SessionCreated, SessionID: sessionID})

	fail := func(err error) error {
		emit(domain.SessionEvent{Type: domain.SessionError, SessionID: sessionID, Error: err.Error()})
		return err
	}

	messages := []domain.ChatMessage{
		{Role: "system", Content: systemPrompt(req)},
		{Role: "user", Content: req.Goal},
	}

	var spent float64
	for turn := 1; turn <= req.MaxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		res, err := r.chat.Chat(ctx, openai.ChatRequest{Model: r.model, Messages: messages, Schema: turnSchema})
		if err != nil {
			return fail(fmt.Errorf("agent: turn %d: %w", turn, err))
		}
		spent += float64(res.Usage.TotalTokens) * r.centsPerKTokens / 1000
		cost := int(math.Ceil(spent))

		var out turnOutput
		if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
			return fail(fmt.Errorf("agent: turn %d: decode reply: %w", turn, err))
		}
		emit(domain.SessionEvent{Type: domain.SessionMessage, SessionID: sessionID, Turn: turn, Content: out.Reply, CostCents: cost})

		if out.Done {
			emit(domain.SessionEvent{Type: domain.SessionDone, SessionID: sessionID, Turn: turn, CostCents: cost})
			return nil
		}
		if req.MaxCostCents > 0 && cost >= req.MaxCostCents {
			r.log.Info("session stopped at cost bound",
				slog.String("session_id", sessionID),
				slog.Int("cost_cents", cost))
			emit(domain.SessionEvent{Type: domain.SessionDone, SessionID: sessionID, Turn: turn, CostCents: cost, Content: "cost bound reached"})
			return nil
		}
		messages = append(messages,
			domain.ChatMessage{Role: "assistant", Content: res.Content},
			domain.ChatMessage{Role: "user", Content: "Continue."},
		)
	}

	r.log.Info("session stopped at turn bound",
		slog.String("session_id", sessionID),
		slog.Int("max_turns", req.MaxTurns))
	emit(domain.SessionEvent{Type: domain.SessionDone, SessionID: sessionID, Turn: req.MaxTurns, CostCents: int(math.Ceil(spent)), Content: "turn bound reached"})
	return nil
}
