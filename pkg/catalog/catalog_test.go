package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTools() []ToolDefinition {
	return []ToolDefinition{
		{
			Server:      "bvbrc",
			Name:        "genome_search",
			Description: "Search genome records",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"session_id":{"type":"string"}}}`),
			Annotations: ToolAnnotations{Paginated: true, Kind: "collection_query"},
		},
		{
			Server: "helpdesk",
			Name:   "open_ticket",
			Annotations: ToolAnnotations{
				FinalizeTerminal: true,
			},
		},
	}
}

func TestResolve(t *testing.T) {
	c, err := New(testTools())
	require.NoError(t, err)

	t.Run("should resolve fully-qualified id", func(t *testing.T) {
		def, err := c.Resolve("bvbrc.genome_search")
		require.NoError(t, err)
		assert.Equal(t, "bvbrc", def.Server)
		assert.Equal(t, "genome_search", def.Name)
	})

	t.Run("should fall back to catalog-wide name search", func(t *testing.T) {
		def, err := c.Resolve("open_ticket")
		require.NoError(t, err)
		assert.Equal(t, "helpdesk", def.Server)
	})

	t.Run("should return typed error for unknown tool", func(t *testing.T) {
		_, err := c.Resolve("nosuch.tool")
		require.Error(t, err)

		var unknown *ErrUnknownTool
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "nosuch.tool", unknown.ToolID)
	})
}

func TestNew(t *testing.T) {
	t.Run("should assign ids from server and name", func(t *testing.T) {
		c, err := New(testTools())
		require.NoError(t, err)

		def, err := c.Resolve("helpdesk.open_ticket")
		require.NoError(t, err)
		assert.Equal(t, "helpdesk.open_ticket", def.ID)
	})

	t.Run("should reject duplicate names across servers", func(t *testing.T) {
		tools := []ToolDefinition{
			{Server: "a", Name: "search"},
			{Server: "b", Name: "search"},
		}
		_, err := New(tools)
		assert.Error(t, err)
	})

	t.Run("should reject tool without server", func(t *testing.T) {
		_, err := New([]ToolDefinition{{Name: "x"}})
		assert.Error(t, err)
	})
}

func TestSchemaProperties(t *testing.T) {
	tools := testTools()

	props := tools[0].SchemaProperties()
	assert.True(t, props["query"])
	assert.True(t, props["session_id"])
	assert.False(t, props["cursor"])

	assert.Nil(t, tools[1].SchemaProperties(), "tool without schema has nil property set")
}

func writeCatalogFile(t *testing.T, path string, tools []ToolDefinition) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{"tools": tools})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, payload, 0600))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	writeCatalogFile(t, path, testTools())

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
}

func TestWatcher(t *testing.T) {
	t.Run("should swap snapshot when file changes", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "catalog.json")
		writeCatalogFile(t, path, testTools())

		c, err := Load(path)
		require.NoError(t, err)

		w, err := NewWatcher(c, path, 20*time.Millisecond, zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, w.Start())
		defer w.Stop()

		updated := append(testTools(), ToolDefinition{Server: "bvbrc", Name: "taxonomy_lookup"})
		writeCatalogFile(t, path, updated)

		require.Eventually(t, func() bool {
			return c.Len() == 3
		}, 2*time.Second, 10*time.Millisecond)

		def, err := c.Resolve("bvbrc.taxonomy_lookup")
		require.NoError(t, err)
		assert.Equal(t, "taxonomy_lookup", def.Name)
	})

	t.Run("should keep old snapshot on invalid reload", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "catalog.json")
		writeCatalogFile(t, path, testTools())

		c, err := Load(path)
		require.NoError(t, err)

		w, err := NewWatcher(c, path, 20*time.Millisecond, zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, w.Start())
		defer w.Stop()

		require.NoError(t, os.WriteFile(path, []byte("not json"), 0600))

		// Give the debounce a chance to fire, then confirm nothing changed.
		time.Sleep(200 * time.Millisecond)
		assert.Equal(t, 2, c.Len())
	})
}
