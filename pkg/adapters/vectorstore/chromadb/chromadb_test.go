package chromadb

import (
	"testing"

	"github.com/devintel-sh/devintel/pkg/adapters/vectorstore"
)

func match(id string, score float32, ts string) vectorstore.Match {
	return vectorstore.Match{
		Item: vectorstore.Item{
			ID:       id,
			Metadata: map[string]any{"receivedAt": ts},
		},
		Score: score,
	}
}

func TestEqualScoresBreakTowardRecency(t *testing.T) {
	got := []vectorstore.Match{
		match("old", -0.2, "2026-03-01T12:00:00.000000000Z"),
		match("new", -0.2, "2026-03-01T12:00:05.000000000Z"),
		match("best", -0.1, "2026-03-01T11:00:00.000000000Z"),
	}
	sortByRecency(got)

	if got[0].Item.ID != "best" {
		t.Fatalf("highest score not first: %v", got[0].Item.ID)
	}
	if got[1].Item.ID != "new" || got[2].Item.ID != "old" {
		t.Fatalf("tie not broken toward recency: %v %v", got[1].Item.ID, got[2].Item.ID)
	}
}
