package agent

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/orbit/internal/scheduler"
	"github.com/haasonsaas/orbit/internal/sessions"
	"github.com/haasonsaas/orbit/pkg/models"
)

// recipeStub is the minimal shape this runner reads out of a recipe file:
// just enough to synthesize the scheduled run's initial user message.
// Recipe parsing, templating, and sub-recipe expansion are explicitly out
// of scope; anything beyond Prompt/Instructions/WorkingDir is ignored here.
type recipeStub struct {
	Prompt       string `yaml:"prompt"`
	Instructions string `yaml:"instructions"`
	WorkingDir   string `yaml:"working_dir"`
}

func loadRecipeStub(path string) (recipeStub, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return recipeStub{}, fmt.Errorf("read recipe %q: %w", path, err)
	}
	var stub recipeStub
	if err := yaml.Unmarshal(data, &stub); err != nil {
		return recipeStub{}, fmt.Errorf("parse recipe %q: %w", path, err)
	}
	return stub, nil
}

// RecipeRunner adapts an Orchestrator into a scheduler.Runner: for every
// triggered job it creates a fresh Scheduled session, synthesizes the
// initial user message from the recipe's prompt (or instructions), and
// drives the reply loop to completion. It is the only
// bridge between internal/scheduler and internal/agent, kept as a thin
// adapter so internal/scheduler never imports internal/agent directly.
type RecipeRunner struct {
	Store        sessions.Store
	Orchestrator *Orchestrator
}

var _ scheduler.Runner = (*RecipeRunner)(nil)

func (r *RecipeRunner) Run(ctx context.Context, job scheduler.ScheduledJob, report func(sessionID string)) error {
	stub, err := loadRecipeStub(job.Source)
	if err != nil {
		return err
	}

	prompt := stub.Prompt
	if prompt == "" {
		prompt = stub.Instructions
	}
	if prompt == "" {
		return fmt.Errorf("recipe %q has neither prompt nor instructions", job.Source)
	}

	sess, err := r.Store.CreateSession(ctx, stub.WorkingDir, "", models.SessionScheduled)
	if err != nil {
		return fmt.Errorf("create scheduled session: %w", err)
	}
	if err := r.Store.Update(sess.ID).SetScheduleID(job.ID).Apply(ctx); err != nil {
		return fmt.Errorf("bind session to schedule: %w", err)
	}
	if report != nil {
		report(sess.ID)
	}

	userMsg := models.Message{
		Role:       models.RoleUser,
		Visibility: models.VisibleMetadata(),
		Items:      []models.ContentItem{models.TextItem(prompt)},
	}

	events, err := r.Orchestrator.Reply(ctx, userMsg, SessionConfig{ID: sess.ID, ScheduleID: job.ID})
	if err != nil {
		return fmt.Errorf("start reply loop: %w", err)
	}
	for range events {
		// Drain to completion; the orchestrator persists every message as
		// it goes, so the scheduler only needs the loop to finish.
	}
	return nil
}
