package events

import (
	"encoding/json"
	"testing"
)

func TestBroadcast_NilHubIsSafe(t *testing.T) {
	var h *Hub
	// Services pass a nil hub when broadcasting is disabled.
	h.Broadcast(Message{Type: TypeCommitmentCreated})
}

func TestBroadcast_DropsWhenFull(t *testing.T) {
	h := NewHub()
	// No Run loop draining: filling the buffer must not block.
	for i := 0; i < 1000; i++ {
		h.Broadcast(Message{Type: TypePayoutCredited, Tokens: int64(i)})
	}
}

func TestMessage_JSONShape(t *testing.T) {
	data, err := json.Marshal(Message{
		Type:         TypePayoutCredited,
		MarketID:     "m1",
		UserID:       "alice",
		CommitmentID: "c1",
		Payout:       465,
	})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != TypePayoutCredited || m["payout"] != float64(465) {
		t.Errorf("message shape: %v", m)
	}
	if _, ok := m["tokens"]; ok {
		t.Error("zero fields should be omitted")
	}
}
