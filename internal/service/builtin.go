package service

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-appd/internal/state"
)

// SequenceRunner is the slice of the sequence engine the built-in
// sequence services need.
type SequenceRunner interface {
	RunByName(ctx context.Context, namespace, name string) error
	CancelByName(name string) bool
}

// RegisterStateServices installs the state/{set,add,remove} built-ins
// as global providers over the store.
func RegisterStateServices(r *Registry, store *state.Store) error {
	set := func(ctx context.Context, namespace, _, _ string, data map[string]any) (any, error) {
		entityID, _ := data["entity_id"].(string)
		if entityID == "" {
			return nil, fmt.Errorf("%w: state/set requires entity_id", ErrInvalidService)
		}
		opts := state.SetOptions{}
		if v, ok := data["state"]; ok {
			opts.State = v
			opts.HasState = true
		}
		if attrs, ok := data["attributes"].(map[string]any); ok {
			opts.Attributes = attrs
		}
		if replace, ok := data["replace"].(bool); ok {
			opts.Replace = replace
		}
		_, err := store.Set(ctx, namespace, entityID, opts)
		return nil, err
	}
	add := func(ctx context.Context, namespace, _, _ string, data map[string]any) (any, error) {
		entityID, _ := data["entity_id"].(string)
		if entityID == "" {
			return nil, fmt.Errorf("%w: state/add requires entity_id", ErrInvalidService)
		}
		attrs, _ := data["attributes"].(map[string]any)
		return nil, store.AddEntity(ctx, namespace, entityID, data["state"], attrs)
	}
	remove := func(ctx context.Context, namespace, _, _ string, data map[string]any) (any, error) {
		entityID, _ := data["entity_id"].(string)
		if entityID == "" {
			return nil, fmt.Errorf("%w: state/remove requires entity_id", ErrInvalidService)
		}
		return nil, store.RemoveEntity(ctx, namespace, entityID)
	}

	for name, h := range map[string]Handler{"set": set, "add": add, "remove": remove} {
		if err := r.Register("", state.NamespaceGlobal, "state", name, h, ModeSync); err != nil {
			return err
		}
	}
	return nil
}

// RegisterSequenceServices installs the sequence/{run,cancel}
// built-ins over the sequence engine.
func RegisterSequenceServices(r *Registry, seq SequenceRunner) error {
	run := func(ctx context.Context, namespace, _, _ string, data map[string]any) (any, error) {
		name, _ := data["entity_id"].(string)
		if name == "" {
			name, _ = data["sequence"].(string)
		}
		if name == "" {
			return nil, fmt.Errorf("%w: sequence/run requires entity_id", ErrInvalidService)
		}
		return nil, seq.RunByName(ctx, namespace, name)
	}
	cancel := func(_ context.Context, _, _, _ string, data map[string]any) (any, error) {
		name, _ := data["entity_id"].(string)
		if name == "" {
			return nil, fmt.Errorf("%w: sequence/cancel requires entity_id", ErrInvalidService)
		}
		seq.CancelByName(name)
		return nil, nil
	}

	if err := r.Register("", state.NamespaceGlobal, "sequence", "run", run, ModeAsync); err != nil {
		return err
	}
	return r.Register("", state.NamespaceGlobal, "sequence", "cancel", cancel, ModeSync)
}
