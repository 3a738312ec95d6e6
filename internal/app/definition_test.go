package app

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScanParsesDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "lights.yaml", `
hall_light:
  module: lights
  class: MotionLight
  namespace: house
  dependencies: [helpers]
  pin_thread: 2
  sensor: binary_sensor.hall
  timeout: 120

global_modules:
  - helpers
`)
	writeConfig(t, dir, "sub/heating.yml", `
heating:
  class: Thermostat
  disable: true
`)
	writeConfig(t, dir, "__pycache__/junk.yaml", `broken: [`)

	res, err := scan(dir, []string{"__pycache__"})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(res.defs) != 2 {
		t.Fatalf("defs = %d, want 2", len(res.defs))
	}

	hall := res.defs["hall_light"]
	if hall.Class != "MotionLight" || hall.Namespace != "house" {
		t.Errorf("hall_light = %+v", hall)
	}
	if !reflect.DeepEqual(hall.Dependencies, []string{"helpers"}) {
		t.Errorf("dependencies = %v", hall.Dependencies)
	}
	if hall.PinThread == nil || *hall.PinThread != 2 {
		t.Errorf("pin_thread = %v", hall.PinThread)
	}
	want := map[string]any{"sensor": "binary_sensor.hall", "timeout": 120}
	if !reflect.DeepEqual(hall.Args, want) {
		t.Errorf("args = %v, want %v", hall.Args, want)
	}

	if !res.defs["heating"].Disable {
		t.Error("heating not disabled")
	}
	if !reflect.DeepEqual(res.globals, []string{"helpers"}) {
		t.Errorf("globals = %v", res.globals)
	}
	if len(res.mtimes) != 2 {
		t.Errorf("mtimes tracks %d files, want 2", len(res.mtimes))
	}
}

func TestScanRejectsMissingClass(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "bad.yaml", "broken:\n  module: x\n")
	if _, err := scan(dir, nil); err == nil {
		t.Fatal("definition without class accepted")
	}
}

func TestScanRejectsDuplicateApp(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "dup:\n  class: X\ndup:\n  class: Y\n")
	if _, err := scan(dir, nil); err == nil {
		t.Fatal("duplicate app name accepted")
	}
}

func TestEqualDefs(t *testing.T) {
	base := Definition{Class: "X", Namespace: "house", Args: map[string]any{"a": 1}}
	same := Definition{Class: "X", Namespace: "house", Args: map[string]any{"a": 1}}
	if !equalDefs(base, same) {
		t.Error("identical definitions compare unequal")
	}
	changed := Definition{Class: "X", Namespace: "house", Args: map[string]any{"a": 2}}
	if equalDefs(base, changed) {
		t.Error("changed args compare equal")
	}
}
