package sequence

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step is one instruction in a sequence. Exactly one of the variant
// fields is set.
type Step struct {
	// Sleep pauses the sequence for a number of seconds.
	Sleep float64

	// Wait blocks until an entity reaches a state or a timeout lapses.
	Wait *WaitState

	// Domain and Service name a service call; Data is its payload and
	// may carry a namespace override.
	Domain  string
	Service string
	Data    map[string]any

	// Loop repeats sub-steps.
	Loop *Loop
}

// WaitState describes a wait_state step.
type WaitState struct {
	EntityID  string  `yaml:"entity_id"`
	State     any     `yaml:"state"`
	Timeout   float64 `yaml:"timeout"`
	Namespace string  `yaml:"namespace"`
}

// Loop describes a loop step.
type Loop struct {
	Times    int     `yaml:"times"`
	Interval float64 `yaml:"interval"`
	Steps    []Step  `yaml:"steps"`
}

// UnmarshalYAML parses the single-key step forms used in sequence
// definitions:
//
//	- sleep: 3
//	- wait_state: {entity_id: door.front, state: closed, timeout: 30}
//	- light/turn_on: {entity_id: light.porch}
//	- loop: {times: 3, interval: 1, steps: [...]}
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("%w: step must be a single-key mapping", ErrInvalidStep)
	}
	key := node.Content[0].Value
	value := node.Content[1]

	switch key {
	case "sleep":
		if err := value.Decode(&s.Sleep); err != nil {
			return fmt.Errorf("%w: sleep: %w", ErrInvalidStep, err)
		}
	case "wait_state":
		s.Wait = &WaitState{}
		if err := value.Decode(s.Wait); err != nil {
			return fmt.Errorf("%w: wait_state: %w", ErrInvalidStep, err)
		}
		if s.Wait.EntityID == "" {
			return fmt.Errorf("%w: wait_state requires entity_id", ErrInvalidStep)
		}
	case "loop":
		s.Loop = &Loop{}
		if err := value.Decode(s.Loop); err != nil {
			return fmt.Errorf("%w: loop: %w", ErrInvalidStep, err)
		}
		if s.Loop.Times <= 0 || len(s.Loop.Steps) == 0 {
			return fmt.Errorf("%w: loop requires times and steps", ErrInvalidStep)
		}
	default:
		domain, service, ok := strings.Cut(key, "/")
		if !ok || domain == "" || service == "" {
			return fmt.Errorf("%w: %q is not domain/service", ErrInvalidStep, key)
		}
		s.Domain, s.Service = domain, service
		if value.Kind != yaml.ScalarNode || value.Value != "" {
			if err := value.Decode(&s.Data); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrInvalidStep, key, err)
			}
		}
	}
	return nil
}
