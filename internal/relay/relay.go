// Package relay forwards end-user questions to the completion API under a
// fixed persona and records each exchange in the request log.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeefy/askrelay/internal/llm"
	"github.com/jeefy/askrelay/internal/logger"
	"github.com/jeefy/askrelay/internal/store"
)

// ErrEmptyQuestion is returned for a blank question before anything is stored.
var ErrEmptyQuestion = errors.New("question must not be empty")

// Persona is the deployment-specific conversation setup.
type Persona struct {
	SystemPrompt string
	Model        string
}

type Service struct {
	store   store.Store
	llm     llm.Client
	persona Persona
	log     *logger.Logger
}

func New(st store.Store, client llm.Client, persona Persona, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{store: st, llm: client, persona: persona, log: log}
}

// Store exposes the request log the service writes to.
func (s *Service) Store() store.Store { return s.store }

// Ask records the question, asks the upstream and stores its answer. The
// entry is durable before the upstream call is issued; on any failure it
// keeps a null answer. There is no retry.
func (s *Service) Ask(ctx context.Context, question, requester string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", ErrEmptyQuestion
	}
	id, err := s.store.Create(ctx, question, requester)
	if err != nil {
		return "", fmt.Errorf("record question: %w", err)
	}
	log := s.log.With("entry_id", id, "requester", requester)

	reply, err := s.llm.Complete(ctx, llm.Request{
		Model: s.persona.Model,
		Messages: []llm.Message{
			llm.SystemMessage(s.persona.SystemPrompt),
			llm.UserMessage(question),
		},
	})
	if err != nil {
		log.Warn("upstream completion failed", "error", err.Error(), "shape_error", llm.IsShapeError(err))
		return "", err
	}
	if err := s.store.SetAnswer(ctx, id, reply); err != nil {
		log.Error("store answer failed", "error", err.Error())
		return "", fmt.Errorf("record answer: %w", err)
	}
	log.Debug("question answered", "answer_len", len(reply))
	return reply, nil
}
