package botsource

import (
	"context"
	"sync"
	"testing"

	"github.com/botqio/hostagent/internal/model"
)

type fakeAPI struct {
	mu   sync.Mutex
	bots []*model.Bot
}

func (f *fakeAPI) GetBots(ctx context.Context) ([]*model.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Bot, len(f.bots))
	copy(out, f.bots)
	return out, nil
}

func (f *fakeAPI) set(bots []*model.Bot) {
	f.mu.Lock()
	f.bots = bots
	f.mu.Unlock()
}

type recordingEvents struct {
	mu                       sync.Mutex
	added, updated, removed []string
}

func (r *recordingEvents) BotAdded(b *model.Bot)   { r.mu.Lock(); r.added = append(r.added, b.ID); r.mu.Unlock() }
func (r *recordingEvents) BotUpdated(b *model.Bot) { r.mu.Lock(); r.updated = append(r.updated, b.ID); r.mu.Unlock() }
func (r *recordingEvents) BotRemoved(b *model.Bot) { r.mu.Lock(); r.removed = append(r.removed, b.ID); r.mu.Unlock() }

func TestPollDetectsAddedUpdatedRemoved(t *testing.T) {
	api := &fakeAPI{}
	ev := &recordingEvents{}
	src := New(api, ev, nil)

	api.set([]*model.Bot{{ID: "b1", Status: model.BotIdle}})
	src.poll(context.Background())
	if len(ev.added) != 1 || ev.added[0] != "b1" {
		t.Fatalf("expected b1 added, got: %v", ev.added)
	}

	api.set([]*model.Bot{{ID: "b1", Status: model.BotWaiting}})
	src.poll(context.Background())
	if len(ev.updated) != 1 || ev.updated[0] != "b1" {
		t.Fatalf("expected b1 updated, got: %v", ev.updated)
	}

	api.set(nil)
	src.poll(context.Background())
	if len(ev.removed) != 1 || ev.removed[0] != "b1" {
		t.Fatalf("expected b1 removed, got: %v", ev.removed)
	}
}

func TestPollSkipsUpdateAlreadyReconciledByPush(t *testing.T) {
	api := &fakeAPI{}
	ev := &recordingEvents{}
	src := New(api, ev, nil)

	api.set([]*model.Bot{{ID: "b1", Status: model.BotIdle}})
	src.poll(context.Background())

	// Simulate the push channel having just reconciled b1 to "waiting".
	src.handlePush(PushEvent{Bot: &model.Bot{ID: "b1", Status: model.BotWaiting}})
	src.mu.Lock()
	src.subscribed = true
	src.mu.Unlock()
	ev.updated = nil

	api.set([]*model.Bot{{ID: "b1", Status: model.BotWaiting}})
	src.poll(context.Background())
	if len(ev.updated) != 0 {
		t.Fatalf("expected no Updated emission for a bot already reconciled via push, got: %v", ev.updated)
	}
}
