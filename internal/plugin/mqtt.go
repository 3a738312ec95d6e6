package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-appd/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-appd/internal/infrastructure/mqtt"
)

// MQTTPlugin mirrors an MQTT broker into a namespace. Entities live on
// retained state topics, events on a shared event topic; service calls
// go out on command topics. The broker keeps no queryable state, so
// the plugin caches every entity it has seen for complete-state
// fetches.
type MQTTPlugin struct {
	name      string
	namespace string
	cfg       config.MQTTConfig
	topics    mqtt.Topics
	log       Logger

	mu     sync.Mutex
	client *mqtt.Client
	sink   Sink
	seen   map[string]Record
}

// MQTTOptions configures an MQTTPlugin.
type MQTTOptions struct {
	Name      string
	Namespace string
	Config    config.MQTTConfig
	Logger    Logger
}

// NewMQTT creates an MQTT plugin. Connection happens in Start.
func NewMQTT(opts MQTTOptions) *MQTTPlugin {
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}
	return &MQTTPlugin{
		name:      opts.Name,
		namespace: opts.Namespace,
		cfg:       opts.Config,
		topics:    mqtt.Topics{Prefix: opts.Config.TopicPrefix},
		log:       log,
		seen:      make(map[string]Record),
	}
}

func (p *MQTTPlugin) Name() string      { return p.name }
func (p *MQTTPlugin) Namespace() string { return p.namespace }

// Start connects to the broker and subscribes to the state and event
// subtrees. Reconnection is handled by the client; the plugin only
// reports the transitions to the sink.
func (p *MQTTPlugin) Start(_ context.Context, sink Sink) error {
	client, err := mqtt.Connect(p.cfg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.client = client
	p.sink = sink
	p.mu.Unlock()

	qos := byte(p.cfg.QoS)
	if err := client.Subscribe(p.topics.StateWildcard(), qos, p.onState); err != nil {
		_ = client.Close()
		return fmt.Errorf("subscribe state topics: %w", err)
	}
	if err := client.Subscribe(p.topics.Event(), qos, p.onEvent); err != nil {
		_ = client.Close()
		return fmt.Errorf("subscribe event topic: %w", err)
	}

	client.SetOnConnect(func() { sink.ConnectionUp(p.name) })
	client.SetOnDisconnect(func(err error) { sink.ConnectionDown(p.name, err) })
	return nil
}

// Stop disconnects from the broker.
func (p *MQTTPlugin) Stop() error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// GetCompleteState returns every entity the plugin has seen since it
// connected. Retained topics replay on subscribe, so after connect
// this covers the broker's whole retained set.
func (p *MQTTPlugin) GetCompleteState(_ context.Context) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entities := make(map[string]Record, len(p.seen))
	for id, rec := range p.seen {
		entities[id] = rec
	}
	return Snapshot{p.namespace: entities}, nil
}

// GetMetadata reports nothing: brokers carry no location.
func (p *MQTTPlugin) GetMetadata() (Metadata, error) {
	return Metadata{}, nil
}

// CallService publishes the payload to the service's command topic.
func (p *MQTTPlugin) CallService(_ context.Context, _, domain, service string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode service payload: %w", err)
	}
	return p.publish(p.topics.Command(domain, service), payload)
}

// FireEvent publishes the event to the shared event topic.
func (p *MQTTPlugin) FireEvent(_ string, event string, data map[string]any) error {
	payload, err := json.Marshal(map[string]any{
		"event_type": event,
		"data":       data,
	})
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	return p.publish(p.topics.Event(), payload)
}

func (p *MQTTPlugin) publish(topic string, payload []byte) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	return client.Publish(topic, payload, byte(p.cfg.QoS), false)
}

// onState handles one state-topic message. Payloads are either a JSON
// object with state and optional attributes, or a bare value taken as
// the state itself.
func (p *MQTTPlugin) onState(topic string, payload []byte) error {
	entityID, ok := p.topics.EntityFromState(topic)
	if !ok {
		return fmt.Errorf("not a state topic: %s", topic)
	}

	rec := decodeStatePayload(payload)

	p.mu.Lock()
	sink := p.sink
	p.seen[entityID] = rec
	p.mu.Unlock()

	if sink != nil {
		sink.StateUpdate(p.namespace, entityID, rec.State, rec.Attributes)
	}
	return nil
}

// onEvent handles one event-topic message.
func (p *MQTTPlugin) onEvent(_ string, payload []byte) error {
	var msg struct {
		EventType string         `json:"event_type"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode event payload: %w", err)
	}
	if msg.EventType == "" {
		return fmt.Errorf("event payload missing event_type")
	}

	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink != nil {
		sink.Event(p.namespace, msg.EventType, msg.Data)
	}
	return nil
}

func decodeStatePayload(payload []byte) Record {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err == nil {
		if stateVal, ok := obj["state"]; ok {
			rec := Record{State: stateVal}
			if attrs, ok := obj["attributes"].(map[string]any); ok {
				rec.Attributes = attrs
			}
			return rec
		}
		return Record{State: obj}
	}

	// Not an object: try any JSON scalar, fall back to the raw text.
	var scalar any
	if err := json.Unmarshal(payload, &scalar); err == nil {
		return Record{State: scalar}
	}
	return Record{State: strings.TrimSpace(string(payload))}
}
