package mqtt

import "strings"

// Topics builds the topic layout the MQTT plugin speaks. Entities map
// to state topics as <prefix>/state/<domain>/<name>; events arrive on
// a single event topic; service calls publish to command topics.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return "appd"
	}
	return t.Prefix
}

// StateWildcard is the subscription pattern covering all entity state
// topics.
func (t Topics) StateWildcard() string {
	return t.prefix() + "/state/#"
}

// State is the topic carrying one entity's state.
func (t Topics) State(entityID string) string {
	return t.prefix() + "/state/" + strings.Replace(entityID, ".", "/", 1)
}

// Event is the topic carrying fired events.
func (t Topics) Event() string {
	return t.prefix() + "/event"
}

// Command is the topic a service call publishes to.
func (t Topics) Command(domain, service string) string {
	return t.prefix() + "/command/" + domain + "/" + service
}

// EntityFromState recovers the entity id from a state topic. Reports
// false for topics outside the state subtree.
func (t Topics) EntityFromState(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix()+"/state/")
	if !ok || rest == "" {
		return "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[0] + "." + strings.ReplaceAll(parts[1], "/", "_"), true
}
