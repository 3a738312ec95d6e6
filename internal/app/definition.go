package app

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition is one app entry from a config file.
type Definition struct {
	// Module is kept for config compatibility; class selection is what
	// binds the entry to code.
	Module string `yaml:"module"`

	// Class names the registered factory.
	Class string `yaml:"class"`

	// Namespace is the app's default namespace for state, events and
	// services. Empty means global.
	Namespace string `yaml:"namespace"`

	// Dependencies lists app names that must initialize first.
	Dependencies []string `yaml:"dependencies"`

	// PinApp and PinThread override the pool-wide pinning defaults.
	PinApp    *bool `yaml:"pin_app"`
	PinThread *int  `yaml:"pin_thread"`

	Disable bool `yaml:"disable"`

	// Args carries every unrecognized key, handed to the app verbatim.
	Args map[string]any `yaml:"-"`
}

var definitionKeys = map[string]bool{
	"module": true, "class": true, "namespace": true,
	"dependencies": true, "pin_app": true, "pin_thread": true,
	"disable": true,
}

// scanResult is one pass over the app directory.
type scanResult struct {
	defs    map[string]Definition
	globals []string
	// mtimes keys every config file seen, for change detection.
	mtimes map[string]time.Time
}

// scan walks the app directory for YAML config files and parses every
// app definition. Subdirectories named in exclude are skipped.
func scan(dir string, exclude []string) (*scanResult, error) {
	res := &scanResult{
		defs:   make(map[string]Definition),
		mtimes: make(map[string]time.Time),
	}
	if dir == "" {
		return res, nil
	}

	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && excluded[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		files = append(files, path)
		info, err := d.Info()
		if err != nil {
			return err
		}
		res.mtimes[path] = info.ModTime()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan app directory: %w", err)
	}
	sort.Strings(files)

	for _, path := range files {
		if err := res.parseFile(path); err != nil {
			return nil, err
		}
	}
	sort.Strings(res.globals)
	return res, nil
}

func (r *scanResult) parseFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		node := doc[name]
		if name == "global_modules" {
			var globals []string
			if err := node.Decode(&globals); err != nil {
				return fmt.Errorf("%s: global_modules: %w", path, err)
			}
			r.globals = append(r.globals, globals...)
			continue
		}
		def, err := parseDefinition(&node)
		if err != nil {
			return fmt.Errorf("%s: app %s: %w", path, name, err)
		}
		if _, dup := r.defs[name]; dup {
			return fmt.Errorf("%s: app %s defined twice", path, name)
		}
		r.defs[name] = def
	}
	return nil
}

func parseDefinition(node *yaml.Node) (Definition, error) {
	var def Definition
	if err := node.Decode(&def); err != nil {
		return Definition{}, err
	}
	if def.Class == "" {
		return Definition{}, fmt.Errorf("missing class")
	}

	var all map[string]any
	if err := node.Decode(&all); err != nil {
		return Definition{}, err
	}
	for key := range all {
		if definitionKeys[key] {
			delete(all, key)
		}
	}
	if len(all) > 0 {
		def.Args = all
	}
	return def, nil
}

// equalDefs reports whether two definitions would produce the same
// app. Used to decide reload on rescan.
func equalDefs(a, b Definition) bool {
	if a.Module != b.Module || a.Class != b.Class || a.Namespace != b.Namespace ||
		a.Disable != b.Disable {
		return false
	}
	if !equalStrSlices(a.Dependencies, b.Dependencies) {
		return false
	}
	if (a.PinApp == nil) != (b.PinApp == nil) || (a.PinApp != nil && *a.PinApp != *b.PinApp) {
		return false
	}
	if (a.PinThread == nil) != (b.PinThread == nil) || (a.PinThread != nil && *a.PinThread != *b.PinThread) {
		return false
	}
	return fmt.Sprint(a.Args) == fmt.Sprint(b.Args)
}

func equalStrSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// joinNames renders a name set for diagnostics.
func joinNames(names []string) string {
	return strings.Join(names, ", ")
}
