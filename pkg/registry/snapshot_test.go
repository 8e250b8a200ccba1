package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/plugsync/pkg/engine"
)

func TestSnapshot_MissingFileIsEmpty(t *testing.T) {
	s, err := OpenSnapshot(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	types, err := s.ListPluginTypes(context.Background(), "s")
	require.NoError(t, err)
	assert.Empty(t, types)
}

func TestSnapshot_MutationsPersist(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	s, err := OpenSnapshot(path)
	require.NoError(t, err)

	doc := seedDoc()
	ptID, err := s.CreatePluginType(ctx, "Contoso.Plugins", doc.PluginTypes[0])
	require.NoError(t, err)
	stepID, err := s.CreateStep(ctx, ptID, doc.Steps[0])
	require.NoError(t, err)
	_, err = s.CreateImage(ctx, stepID, doc.Images[0])
	require.NoError(t, err)

	reopened, err := OpenSnapshot(path)
	require.NoError(t, err)

	steps, err := reopened.ListSteps(ctx, "Contoso.Plugins")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, stepID, steps[0].ID)
	assert.Equal(t, engine.StagePostOperation, steps[0].Stage)
	assert.Equal(t, "account", steps[0].PrimaryEntity)

	images, err := reopened.ListImages(ctx, "Contoso.Plugins")
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, engine.ImagePost, images[0].ImageType)
	assert.Equal(t, []string{"name"}, images[0].Attributes)

	// IDs keep increasing after a reopen.
	id, err := reopened.CreatePluginType(ctx, "Contoso.Plugins", engine.PluginType{TypeName: "Foo.Baz"})
	require.NoError(t, err)
	assert.NotEqual(t, ptID, id)
}

func TestSnapshot_SaveEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := OpenSnapshot(path)
	require.NoError(t, err)
	require.NoError(t, s.Save())

	state, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Empty(t, state.PluginTypes)
}

func TestReadSnapshot_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := ReadSnapshot(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse snapshot")
}

func TestSnapshot_IDsSurviveDeletes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := OpenSnapshot(path)
	require.NoError(t, err)

	first, err := s.CreatePluginType(ctx, "s", engine.PluginType{TypeName: "A"})
	require.NoError(t, err)
	second, err := s.CreatePluginType(ctx, "s", engine.PluginType{TypeName: "B"})
	require.NoError(t, err)
	require.NoError(t, s.DeletePluginType(ctx, first))

	reopened, err := OpenSnapshot(path)
	require.NoError(t, err)
	third, err := reopened.CreatePluginType(ctx, "s", engine.PluginType{TypeName: "C"})
	require.NoError(t, err)
	assert.NotEqual(t, second, third)
}
