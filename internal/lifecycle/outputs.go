package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/planloop/planloop/internal/plans"
)

type AddOutputRequest struct {
	TaskID     string
	OutputType plans.OutputType
	Content    string
	Metadata   map[string]string
}

// AddOutput appends an artifact to a task. Attribution comes from the actor:
// agent callers stamp their session id and name.
func (m *Manager) AddOutput(ctx context.Context, actor plans.Actor, req AddOutputRequest) (plans.AgentOutput, error) {
	if !plans.ValidOutputType(req.OutputType) {
		return plans.AgentOutput{}, fmt.Errorf("%w: unknown output type %q", plans.ErrValidation, req.OutputType)
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		return plans.AgentOutput{}, fmt.Errorf("%w: content is required", plans.ErrValidation)
	}
	task, err := m.mutableTask(ctx, req.TaskID)
	if err != nil {
		return plans.AgentOutput{}, err
	}

	output := plans.AgentOutput{
		ID:             uuid.NewString(),
		TaskID:         task.ID,
		OutputType:     req.OutputType,
		Content:        req.Content,
		AgentSessionID: actor.AgentSessionID,
		AgentName:      actor.AgentName,
		Metadata:       req.Metadata,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.store.AddAgentOutput(ctx, output); err != nil {
		return plans.AgentOutput{}, err
	}
	return output, nil
}

func (m *Manager) ListOutputs(ctx context.Context, taskID string) ([]plans.AgentOutput, error) {
	if _, err := m.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return m.store.ListAgentOutputs(ctx, taskID)
}
