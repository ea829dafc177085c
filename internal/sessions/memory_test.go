package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/orbit/pkg/models"
)

func TestMemoryStoreMessageCountWithoutLoading(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "/tmp/work", "demo", models.SessionUser)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	const k = 3
	for i := 0; i < k; i++ {
		msg := models.Message{
			Role:       models.RoleUser,
			CreatedAt:  time.Now(),
			Visibility: models.VisibleMetadata(),
			Items:      []models.ContentItem{models.TextItem("hi")},
		}
		if err := store.AddMessage(ctx, sess.ID, msg); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}

	got, err := store.GetSession(ctx, sess.ID, false)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.MessageCount != k {
		t.Fatalf("MessageCount = %d, want %d", got.MessageCount, k)
	}
	if len(got.Messages) != 0 {
		t.Fatalf("GetSession(includeMessages=false) loaded %d messages", len(got.Messages))
	}

	listed, err := store.ListSessions(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(listed) != 1 || listed[0].MessageCount != k {
		t.Fatalf("ListSessions MessageCount = %+v, want one session with count %d", listed, k)
	}
}
