package events

import (
	"encoding/json"
	"testing"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(EventOrderPaid, "pickup-api", "req-1", "o1", OrderPaidPayload{OrderID: "o1", TotalCents: 1450, ChangeCents: 550})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.EventID == "" || env.EventVersion != Version || env.CorrelationID != "o1" {
		t.Errorf("unexpected envelope %+v", env)
	}
	var p OrderPaidPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.ChangeCents != 550 {
		t.Errorf("change = %d, want 550", p.ChangeCents)
	}
}

func TestTopicFor(t *testing.T) {
	tests := map[string]string{
		EventOrderCreated:      TopicOrderCreated,
		EventOrderPaid:         TopicOrderPaid,
		EventOrderRedeemed:     TopicOrderRedeemed,
		EventInventoryAdjusted: TopicInventoryAdjusted,
		"Unknown":              "",
	}
	for ev, want := range tests {
		if got := TopicFor(ev); got != want {
			t.Errorf("TopicFor(%q) = %q, want %q", ev, got, want)
		}
	}
}
