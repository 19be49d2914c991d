package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
)

// ErrUnknownTool is returned when a tool id cannot be resolved.
type ErrUnknownTool struct {
	ToolID string
}

func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.ToolID)
}

// snapshot is an immutable view of the catalog. Consumers only ever hold a
// snapshot, so a concurrent reload never mutates data under a reader.
type snapshot struct {
	byID   map[string]*ToolDefinition
	byName map[string]*ToolDefinition
}

// Catalog is the read-only tool catalog, loaded from a JSON file and queried
// by fully-qualified tool id.
type Catalog struct {
	current atomic.Pointer[snapshot]
}

// New creates a catalog from a list of tool definitions.
func New(tools []ToolDefinition) (*Catalog, error) {
	snap, err := buildSnapshot(tools)
	if err != nil {
		return nil, err
	}

	c := &Catalog{}
	c.current.Store(snap)
	return c, nil
}

// Load reads a catalog file: {"tools": [...]}.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	tools, err := parseFile(data)
	if err != nil {
		return nil, err
	}

	return New(tools)
}

func parseFile(data []byte) ([]ToolDefinition, error) {
	var file struct {
		Tools []ToolDefinition `json:"tools"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	return file.Tools, nil
}

func buildSnapshot(tools []ToolDefinition) (*snapshot, error) {
	snap := &snapshot{
		byID:   make(map[string]*ToolDefinition, len(tools)),
		byName: make(map[string]*ToolDefinition, len(tools)),
	}

	for i := range tools {
		def := &tools[i]
		if def.Server == "" || def.Name == "" {
			return nil, fmt.Errorf("tool %d: server and name are required", i)
		}
		if def.ID == "" {
			def.ID = def.Server + "." + def.Name
		}
		if _, exists := snap.byID[def.ID]; exists {
			return nil, fmt.Errorf("duplicate tool id: %s", def.ID)
		}
		snap.byID[def.ID] = def

		// Tool names are unique across servers; the name index backs the
		// catalog-wide fallback search.
		if _, exists := snap.byName[def.Name]; exists {
			return nil, fmt.Errorf("duplicate tool name across servers: %s", def.Name)
		}
		snap.byName[def.Name] = def
	}

	return snap, nil
}

// Resolve looks up a tool by fully-qualified id, falling back to a
// catalog-wide name search when the id is unknown.
func (c *Catalog) Resolve(toolID string) (*ToolDefinition, error) {
	snap := c.current.Load()

	if def, ok := snap.byID[toolID]; ok {
		return def, nil
	}
	if def, ok := snap.byName[toolID]; ok {
		return def, nil
	}
	return nil, &ErrUnknownTool{ToolID: toolID}
}

// All returns every tool definition in the catalog.
func (c *Catalog) All() []ToolDefinition {
	snap := c.current.Load()

	tools := make([]ToolDefinition, 0, len(snap.byID))
	for _, def := range snap.byID {
		tools = append(tools, *def)
	}
	return tools
}

// Len returns the number of tools in the catalog.
func (c *Catalog) Len() int {
	return len(c.current.Load().byID)
}

// Replace atomically swaps the catalog contents. Used by the file watcher;
// in-flight readers keep their old snapshot.
func (c *Catalog) Replace(tools []ToolDefinition) error {
	snap, err := buildSnapshot(tools)
	if err != nil {
		return err
	}
	c.current.Store(snap)
	return nil
}
