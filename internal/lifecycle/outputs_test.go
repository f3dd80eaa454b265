package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/planloop/planloop/internal/plans"
)

func TestAddOutputStampsAgentAttribution(t *testing.T) {
	m, _ := newFixture(t)
	ctx := context.Background()
	task := seedTask(t, m, "")
	agent := plans.Actor{UserID: "u1", AgentSessionID: "agent-1", AgentName: "builder"}

	output, err := m.AddOutput(ctx, agent, AddOutputRequest{
		TaskID:     task.ID,
		OutputType: plans.OutputTypeCode,
		Content:    "package main",
		Metadata:   map[string]string{"file": "main.go"},
	})
	if err != nil {
		t.Fatalf("AddOutput() error = %v", err)
	}
	if output.AgentSessionID != "agent-1" || output.AgentName != "builder" {
		t.Fatalf("attribution = %q/%q, want agent-1/builder", output.AgentSessionID, output.AgentName)
	}

	outputs, err := m.ListOutputs(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListOutputs() error = %v", err)
	}
	if len(outputs) != 1 || outputs[0].Metadata["file"] != "main.go" {
		t.Fatalf("unexpected outputs: %+v", outputs)
	}
}

func TestAddOutputValidation(t *testing.T) {
	m, _ := newFixture(t)
	ctx := context.Background()
	task := seedTask(t, m, "")
	actor := plans.Actor{UserID: "u1"}

	_, err := m.AddOutput(ctx, actor, AddOutputRequest{TaskID: task.ID, OutputType: "diagram", Content: "x"})
	if !errors.Is(err, plans.ErrValidation) {
		t.Fatalf("unknown type error = %v, want ErrValidation", err)
	}

	_, err = m.AddOutput(ctx, actor, AddOutputRequest{TaskID: task.ID, OutputType: plans.OutputTypeComment, Content: "  "})
	if !errors.Is(err, plans.ErrValidation) {
		t.Fatalf("empty content error = %v, want ErrValidation", err)
	}
}

func TestAddOutputRejectedOnArchivedPlan(t *testing.T) {
	m, store := newFixture(t)
	ctx := context.Background()
	task := seedTask(t, m, "")

	plan, err := store.GetPlan(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	plan.Status = plans.PlanStatusArchived
	if err := store.UpdatePlan(ctx, plan); err != nil {
		t.Fatalf("UpdatePlan() error = %v", err)
	}

	_, err = m.AddOutput(ctx, plans.Actor{UserID: "u1"}, AddOutputRequest{
		TaskID:     task.ID,
		OutputType: plans.OutputTypeComment,
		Content:    "late note",
	})
	if !errors.Is(err, plans.ErrArchived) {
		t.Fatalf("error = %v, want ErrArchived", err)
	}
}
