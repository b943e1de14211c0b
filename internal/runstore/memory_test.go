package runstore

import (
	"context"
	"testing"

	"github.com/flexinfer/realsched/pkg/types"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		store := NewMemoryStore(nil)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestMemoryStore_EventRing(t *testing.T) {
	store := NewMemoryStore(&Config{EventMaxLen: 2})
	defer store.Close()
	ctx := context.Background()

	if err := store.CreateEnsemble(ctx, &types.Ensemble{ID: "ens"}); err != nil {
		t.Fatalf("CreateEnsemble failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		ev := types.NewRealizationEvent("ens", i, 1, types.StateWaiting)
		if _, err := store.AppendEvent(ctx, "ens", &ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, _ := store.GetEventsSince(ctx, "ens", "")
	if len(events) != 2 {
		t.Fatalf("expected 2 retained events, got %d", len(events))
	}
	if events[0].ID != "4" || events[1].ID != "5" {
		t.Errorf("expected the newest events to survive, got %s, %s", events[0].ID, events[1].ID)
	}
}

func TestMemoryStore_SubscribeTerminal(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	_ = store.CreateEnsemble(ctx, &types.Ensemble{ID: "ens", Status: types.EnsembleStatusStopped})
	ch, cleanup, err := store.Subscribe(ctx, "ens")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cleanup()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel for a finished ensemble")
	}
}

func TestMemoryStore_AdapterInfo(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()

	info, err := store.AdapterInfo(context.Background())
	if err != nil {
		t.Fatalf("AdapterInfo failed: %v", err)
	}
	if info["adapter"] != "memory" {
		t.Errorf("expected adapter memory, got %v", info["adapter"])
	}
}
