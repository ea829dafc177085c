package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/orbit/internal/extensions"
	"github.com/haasonsaas/orbit/internal/permission"
	"github.com/haasonsaas/orbit/internal/providers"
	"github.com/haasonsaas/orbit/internal/sessions"
	"github.com/haasonsaas/orbit/pkg/models"
)

// fakeClient is a minimal extensions.Client for orchestrator tests.
type fakeClient struct {
	tool   string
	calls  int
	result extensions.CallResult
}

func (c *fakeClient) Tools(ctx context.Context) ([]extensions.ToolDef, error) {
	return []extensions.ToolDef{{Name: c.tool, Description: "a fake tool", InputSchema: []byte(`{}`)}}, nil
}

func (c *fakeClient) Call(ctx context.Context, tool string, arguments []byte) (extensions.CallResult, error) {
	c.calls++
	return c.result, nil
}

func (c *fakeClient) ReadResource(ctx context.Context, uri string) ([]byte, string, bool, error) {
	return nil, "", false, nil
}

func (c *fakeClient) Close() error { return nil }

func newTestOrchestrator(t *testing.T, provider providers.Provider, extMgr *extensions.Manager) (*Orchestrator, sessions.Store, *models.Session) {
	t.Helper()
	store := sessions.NewMemoryStore()
	if extMgr == nil {
		extMgr = extensions.NewManager(nil)
	}
	perms := permission.NewManager()
	prompt := NewPromptManager("You are a helpful agent.")
	orch := NewOrchestrator(store, provider, extMgr, perms, prompt, nil)

	sess, err := store.CreateSession(context.Background(), "", "untitled", models.SessionUser)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return orch, store, sess
}

func drain(events <-chan ReplyEvent, timeout time.Duration) []ReplyEvent {
	var out []ReplyEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func TestReplyNormalNoToolCalls(t *testing.T) {
	fake := providers.NewFake("fake", providers.FakeTurn{
		Message: models.Message{Role: models.RoleAssistant, Visibility: models.VisibleMetadata(), Items: []models.ContentItem{models.TextItem("hello there")}},
	})
	orch, store, sess := newTestOrchestrator(t, fake, nil)

	userMsg := models.Message{Role: models.RoleUser, Visibility: models.VisibleMetadata(), Items: []models.ContentItem{models.TextItem("hi")}}
	events, err := orch.Reply(context.Background(), userMsg, SessionConfig{ID: sess.ID})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	evs := drain(events, 2*time.Second)
	if len(evs) == 0 {
		t.Fatal("expected at least one event")
	}

	got, err := store.GetSession(context.Background(), sess.ID, true)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(got.Messages))
	}
	if got.Messages[1].Role != models.RoleAssistant {
		t.Fatalf("expected second message to be assistant, got %s", got.Messages[1].Role)
	}
}

func TestReplyAllowedToolDispatch(t *testing.T) {
	client := &fakeClient{tool: "do_thing", result: extensions.CallResult{Content: []models.ToolResultContent{{Type: "text", Text: "done"}}}}
	extMgr := extensions.NewManager(nil)
	if err := extMgr.Add("ext", client); err != nil {
		t.Fatalf("Add extension: %v", err)
	}

	args, _ := json.Marshal(map[string]string{})
	fake := providers.NewFake("fake",
		providers.FakeTurn{Message: models.Message{
			Role:       models.RoleAssistant,
			Visibility: models.VisibleMetadata(),
			Items:      []models.ContentItem{models.ToolRequestItem("call-1", "ext__do_thing", args)},
		}},
		providers.FakeTurn{Message: models.Message{
			Role:       models.RoleAssistant,
			Visibility: models.VisibleMetadata(),
			Items:      []models.ContentItem{models.TextItem("all done")},
		}},
	)

	orch, store, sess := newTestOrchestrator(t, fake, extMgr)
	orch.perms.SetRule(sess.ID, "ext__do_thing", permission.AllowedList)

	userMsg := models.Message{Role: models.RoleUser, Visibility: models.VisibleMetadata(), Items: []models.ContentItem{models.TextItem("do the thing")}}
	events, err := orch.Reply(context.Background(), userMsg, SessionConfig{ID: sess.ID})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	drain(events, 2*time.Second)

	if client.calls != 1 {
		t.Fatalf("expected tool to be called once, got %d", client.calls)
	}

	got, err := store.GetSession(context.Background(), sess.ID, true)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	// user, assistant(tool_request), user(tool_response), assistant(final)
	if len(got.Messages) != 4 {
		t.Fatalf("expected 4 persisted messages, got %d", len(got.Messages))
	}
	if !got.Messages[2].HasToolResponse() {
		t.Fatalf("expected third message to carry a tool response")
	}
}

func TestReplyAskBeforeConfirmationRoundTrip(t *testing.T) {
	client := &fakeClient{tool: "do_thing", result: extensions.CallResult{Content: []models.ToolResultContent{{Type: "text", Text: "done"}}}}
	extMgr := extensions.NewManager(nil)
	if err := extMgr.Add("ext", client); err != nil {
		t.Fatalf("Add extension: %v", err)
	}

	args, _ := json.Marshal(map[string]string{})
	fake := providers.NewFake("fake",
		providers.FakeTurn{Message: models.Message{
			Role:       models.RoleAssistant,
			Visibility: models.VisibleMetadata(),
			Items:      []models.ContentItem{models.ToolRequestItem("call-1", "ext__do_thing", args)},
		}},
		providers.FakeTurn{Message: models.Message{
			Role:       models.RoleAssistant,
			Visibility: models.VisibleMetadata(),
			Items:      []models.ContentItem{models.TextItem("all done")},
		}},
	)

	orch, store, sess := newTestOrchestrator(t, fake, extMgr)
	// No rule set: defaults to AskBefore.

	userMsg := models.Message{Role: models.RoleUser, Visibility: models.VisibleMetadata(), Items: []models.ContentItem{models.TextItem("do the thing")}}
	events, err := orch.Reply(context.Background(), userMsg, SessionConfig{ID: sess.ID})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	done := make(chan []ReplyEvent, 1)
	go func() {
		var collected []ReplyEvent
		for ev := range events {
			collected = append(collected, ev)
			if ev.ActionRequired != nil && ev.ActionRequired.Kind == ActionToolConfirmation {
				if err := orch.HandleConfirmation(ev.ActionRequired.ConfirmationID, permission.AlwaysAllow); err != nil {
					t.Errorf("HandleConfirmation: %v", err)
				}
			}
		}
		done <- collected
	}()

	select {
	case evs := <-done:
		sawAction := false
		for _, ev := range evs {
			if ev.ActionRequired != nil {
				sawAction = true
			}
		}
		if !sawAction {
			t.Fatal("expected an ActionRequired event")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reply loop to finish")
	}

	if client.calls != 1 {
		t.Fatalf("expected tool to be called once after confirmation, got %d", client.calls)
	}
	if got := orch.perms.RuleFor(sess.ID, "ext__do_thing"); got != permission.AllowedList {
		t.Fatalf("expected AlwaysAllow to persist as AllowedList, got %s", got)
	}

	got, err := store.GetSession(context.Background(), sess.ID, true)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(got.Messages) != 4 {
		t.Fatalf("expected 4 persisted messages, got %d", len(got.Messages))
	}
}

func TestReplyCancellationSynthesizesCancelledResponse(t *testing.T) {
	args, _ := json.Marshal(map[string]string{})
	fake := providers.NewFake("fake", providers.FakeTurn{Message: models.Message{
		Role:       models.RoleAssistant,
		Visibility: models.VisibleMetadata(),
		Items:      []models.ContentItem{models.ToolRequestItem("call-1", "ext__do_thing", args)},
	}})

	extMgr := extensions.NewManager(nil)
	client := &fakeClient{tool: "do_thing"}
	if err := extMgr.Add("ext", client); err != nil {
		t.Fatalf("Add extension: %v", err)
	}

	orch, store, sess := newTestOrchestrator(t, fake, extMgr)

	ctx, cancel := context.WithCancel(context.Background())
	userMsg := models.Message{Role: models.RoleUser, Visibility: models.VisibleMetadata(), Items: []models.ContentItem{models.TextItem("do the thing")}}
	events, err := orch.Reply(ctx, userMsg, SessionConfig{ID: sess.ID})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for ev := range events {
			if ev.ActionRequired != nil && ev.ActionRequired.Kind == ActionToolConfirmation {
				cancel()
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reply loop to finish after cancellation")
	}

	if client.calls != 0 {
		t.Fatalf("expected tool never dispatched once cancelled, got %d calls", client.calls)
	}

	got, err := store.GetSession(context.Background(), sess.ID, true)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	last := got.Messages[len(got.Messages)-1]
	if !last.HasToolResponse() {
		t.Fatalf("expected a synthesized tool response for the cancelled request, got role=%s", last.Role)
	}
	for _, item := range last.Items {
		if item.Type == models.ContentToolResponse && !item.Outcome.IsError {
			t.Fatal("expected cancelled tool response to be marked as an error")
		}
	}
}

func TestMaybeUpdateNameSkippedWhenUserSetName(t *testing.T) {
	fake := providers.NewFake("fake", providers.FakeTurn{
		Message: models.Message{Role: models.RoleAssistant, Visibility: models.VisibleMetadata(), Items: []models.ContentItem{models.TextItem("hi")}},
	})
	orch, store, sess := newTestOrchestrator(t, fake, nil)

	if err := store.Update(sess.ID).UserProvidedName("my session").Apply(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	userMsg := models.Message{Role: models.RoleUser, Visibility: models.VisibleMetadata(), Items: []models.ContentItem{models.TextItem("hi")}}
	events, err := orch.Reply(context.Background(), userMsg, SessionConfig{ID: sess.ID})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	drain(events, 2*time.Second)

	got, err := store.GetSession(context.Background(), sess.ID, false)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Name != "my session" {
		t.Fatalf("expected user-set name to survive, got %q", got.Name)
	}
}
