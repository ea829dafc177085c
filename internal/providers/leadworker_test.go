package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/orbit/pkg/models"
)

func TestLeadWorkerHandoffAfterLeadTurns(t *testing.T) {
	lead := NewFake("lead")
	worker := NewFake("worker")
	lw := NewLeadWorker(lead, worker, 2, 1)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, name := lw.Active(); name != "lead" {
			t.Fatalf("turn %d: want lead active, got %s", i, name)
		}
		if _, _, err := lw.Complete(ctx, "sys", nil, nil); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	if _, name := lw.Active(); name != "worker" {
		t.Fatalf("after lead turns exhausted, want worker active, got %s", name)
	}
}

func TestLeadWorkerZeroLeadTurnsUsesWorkerImmediately(t *testing.T) {
	lw := NewLeadWorker(NewFake("lead"), NewFake("worker"), 0, 1)
	if _, name := lw.Active(); name != "worker" {
		t.Fatalf("want worker active immediately, got %s", name)
	}
}

func TestLeadWorkerFallsBackAfterConsecutiveWorkerFailures(t *testing.T) {
	lead := NewFake("lead")
	worker := NewFake("worker", FakeTurn{Err: errors.New("boom")}, FakeTurn{Err: errors.New("boom again")})
	lw := NewLeadWorker(lead, worker, 0, 2)

	ctx := context.Background()
	if _, _, err := lw.Complete(ctx, "sys", nil, nil); err == nil {
		t.Fatal("expected first worker failure to surface")
	}
	if _, name := lw.Active(); name != "worker" {
		t.Fatalf("want still on worker after one failure, got %s", name)
	}

	if _, _, err := lw.Complete(ctx, "sys", nil, nil); err == nil {
		t.Fatal("expected second worker failure to surface")
	}
	if _, name := lw.Active(); name != "lead" {
		t.Fatalf("want fallen back to lead after threshold failures, got %s", name)
	}

	// Once fallen back, subsequent calls stay on lead even though lead
	// succeeds, since fallback is permanent for the rest of the run.
	if _, _, err := lw.Complete(ctx, "sys", nil, nil); err != nil {
		t.Fatalf("lead complete: %v", err)
	}
	if _, name := lw.Active(); name != "lead" {
		t.Fatalf("want still on lead, got %s", name)
	}
}

func TestLeadWorkerResetsFailureCountOnWorkerSuccess(t *testing.T) {
	worker := NewFake("worker",
		FakeTurn{Err: errors.New("boom")},
		FakeTurn{Message: models.Message{Role: models.RoleAssistant, Visibility: models.VisibleMetadata(), Items: []models.ContentItem{models.TextItem("ok")}}},
		FakeTurn{Err: errors.New("boom 2")},
	)
	lw := NewLeadWorker(NewFake("lead"), worker, 0, 2)
	ctx := context.Background()

	if _, _, err := lw.Complete(ctx, "sys", nil, nil); err == nil {
		t.Fatal("expected first failure")
	}
	if _, _, err := lw.Complete(ctx, "sys", nil, nil); err != nil {
		t.Fatalf("expected success to reset failure count: %v", err)
	}
	if _, _, err := lw.Complete(ctx, "sys", nil, nil); err == nil {
		t.Fatal("expected third call (second consecutive failure) to error")
	}
	// Only one consecutive failure recorded since the reset, below the
	// threshold of 2, so we should still be on worker.
	if _, name := lw.Active(); name != "worker" {
		t.Fatalf("want still on worker since failures did not reach threshold consecutively, got %s", name)
	}
}

func TestLeadWorkerDelegatesMetadataAndModelLookups(t *testing.T) {
	lead := NewFake("lead")
	worker := NewFake("worker")
	lw := NewLeadWorker(lead, worker, 1, 1)

	if got := lw.Metadata().Name; got != "lead" {
		t.Fatalf("want lead metadata while active, got %s", got)
	}
	ctx := context.Background()
	models_, err := lw.FetchSupportedModels(ctx)
	if err != nil || len(models_) == 0 {
		t.Fatalf("FetchSupportedModels: %v %v", models_, err)
	}
	name, err := lw.GenerateSessionName(ctx, models.Conversation{})
	if err != nil || name == "" {
		t.Fatalf("GenerateSessionName: %q %v", name, err)
	}
}

func TestNewLeadWorkerDefaultsZeroThreshold(t *testing.T) {
	lw := NewLeadWorker(NewFake("lead"), NewFake("worker"), 0, 0)
	if lw.FailuresBeforeFallback != 1 {
		t.Fatalf("want threshold defaulted to 1, got %d", lw.FailuresBeforeFallback)
	}
}
