package plugin

import (
	"reflect"
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-appd/internal/infrastructure/config"
)

type recordingSink struct {
	mu      sync.Mutex
	states  []stateUpdate
	events  []busEvent
	ups     []string
	downs   []string
}

type stateUpdate struct {
	namespace string
	entityID  string
	state     any
	attrs     map[string]any
}

func (s *recordingSink) StateUpdate(namespace, entityID string, state any, attrs map[string]any) {
	s.mu.Lock()
	s.states = append(s.states, stateUpdate{namespace, entityID, state, attrs})
	s.mu.Unlock()
}

func (s *recordingSink) Event(namespace, eventType string, data map[string]any) {
	s.mu.Lock()
	s.events = append(s.events, busEvent{namespace, eventType, data})
	s.mu.Unlock()
}

func (s *recordingSink) ConnectionUp(name string) {
	s.mu.Lock()
	s.ups = append(s.ups, name)
	s.mu.Unlock()
}

func (s *recordingSink) ConnectionDown(name string, _ error) {
	s.mu.Lock()
	s.downs = append(s.downs, name)
	s.mu.Unlock()
}

func newTestMQTT(sink Sink) *MQTTPlugin {
	p := NewMQTT(MQTTOptions{
		Name:      "mqtt",
		Namespace: "mq",
		Config:    config.MQTTConfig{TopicPrefix: "appd"},
	})
	p.sink = sink
	return p
}

func TestDecodeStatePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Record
	}{
		{
			name:    "object with state and attributes",
			payload: `{"state": "on", "attributes": {"brightness": 80}}`,
			want:    Record{State: "on", Attributes: map[string]any{"brightness": float64(80)}},
		},
		{
			name:    "object without state key",
			payload: `{"temp": 21.5}`,
			want:    Record{State: map[string]any{"temp": 21.5}},
		},
		{
			name:    "json scalar",
			payload: `42`,
			want:    Record{State: float64(42)},
		},
		{
			name:    "bare text",
			payload: "open\n",
			want:    Record{State: "open"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeStatePayload([]byte(tt.payload))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestOnStateUpdatesSinkAndCache(t *testing.T) {
	sink := &recordingSink{}
	p := newTestMQTT(sink)

	if err := p.onState("appd/state/light/kitchen", []byte(`{"state": "on"}`)); err != nil {
		t.Fatalf("onState: %v", err)
	}
	if len(sink.states) != 1 {
		t.Fatalf("sink updates = %d, want 1", len(sink.states))
	}
	up := sink.states[0]
	if up.namespace != "mq" || up.entityID != "light.kitchen" || up.state != "on" {
		t.Errorf("update = %+v", up)
	}

	snap, err := p.GetCompleteState(nil)
	if err != nil {
		t.Fatalf("complete state: %v", err)
	}
	if rec, ok := snap["mq"]["light.kitchen"]; !ok || rec.State != "on" {
		t.Errorf("cached snapshot = %+v", snap)
	}

	if err := p.onState("appd/event", []byte(`x`)); err == nil {
		t.Error("non-state topic accepted")
	}
}

func TestOnEventForwards(t *testing.T) {
	sink := &recordingSink{}
	p := newTestMQTT(sink)

	payload := `{"event_type": "motion", "data": {"zone": "hall"}}`
	if err := p.onEvent("appd/event", []byte(payload)); err != nil {
		t.Fatalf("onEvent: %v", err)
	}
	if len(sink.events) != 1 || sink.events[0].eventType != "motion" {
		t.Fatalf("events = %+v", sink.events)
	}
	if sink.events[0].data["zone"] != "hall" {
		t.Errorf("event data = %+v", sink.events[0].data)
	}

	if err := p.onEvent("appd/event", []byte(`{"data": {}}`)); err == nil {
		t.Error("event without event_type accepted")
	}
	if err := p.onEvent("appd/event", []byte(`not json`)); err == nil {
		t.Error("malformed payload accepted")
	}
}
