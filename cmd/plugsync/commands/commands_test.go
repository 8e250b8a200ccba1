package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/plugsync/pkg/config"
	"github.com/openfroyo/plugsync/pkg/engine"
	"github.com/openfroyo/plugsync/pkg/registry"
	"github.com/openfroyo/plugsync/pkg/stores"
)

const fooBarDeclaration = `{
  "pluginTypes": [{"typeName": "Foo.Bar", "assemblyId": "Contoso.Plugins"}],
  "steps": [{
    "typeName": "Foo.Bar", "message": "Create", "primaryEntity": "account",
    "stage": "PostOperation", "mode": "Synchronous", "rank": 1
  }],
  "images": [{
    "stepKey": {"typeName": "Foo.Bar", "message": "Create", "primaryEntity": "account", "stage": "PostOperation"},
    "imageType": "PostImage", "name": "PostImage"
  }]
}`

type workspace struct {
	dir      string
	settings string
	decl     string
	snapshot string
	journal  string
}

// newWorkspace writes a settings file using the snapshot registry and a
// journal inside a temporary directory.
func newWorkspace(t *testing.T, declaration string) *workspace {
	t.Helper()
	dir := t.TempDir()
	ws := &workspace{
		dir:      dir,
		settings: filepath.Join(dir, "plugsync.yaml"),
		decl:     filepath.Join(dir, "plugins.json"),
		snapshot: filepath.Join(dir, "state.json"),
		journal:  filepath.Join(dir, "journal.db"),
	}
	require.NoError(t, os.WriteFile(ws.decl, []byte(declaration), 0o644))

	s := config.DefaultSettings()
	s.Scope = "Contoso.Plugins"
	s.Declaration = ws.decl
	s.Registry.Backend = "snapshot"
	s.Registry.Snapshot = ws.snapshot
	s.Store.Path = ws.journal
	s.Telemetry.LogLevel = "error"
	require.NoError(t, s.Save(ws.settings))
	return ws
}

// run executes the CLI with args and returns stdout.
func (ws *workspace) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", ws.settings}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (ws *workspace) remote(t *testing.T) *registry.State {
	t.Helper()
	state, err := registry.ReadSnapshot(ws.snapshot)
	require.NoError(t, err)
	return state
}

func TestPlan_DoesNotMutate(t *testing.T) {
	ws := newWorkspace(t, fooBarDeclaration)

	out, err := ws.run(t, "", "plan", "--out", filepath.Join(ws.dir, "plan.json"), "--dot", filepath.Join(ws.dir, "plan.dot"))
	require.NoError(t, err)

	assert.Contains(t, out, `Plan for scope "Contoso.Plugins"`)
	assert.Contains(t, out, "+ plugintype planned   Foo.Bar")
	assert.Contains(t, out, "Status: succeeded")
	assert.Empty(t, ws.remote(t).PluginTypes)

	data, err := os.ReadFile(filepath.Join(ws.dir, "plan.json"))
	require.NoError(t, err)
	var plan engine.Plan
	require.NoError(t, json.Unmarshal(data, &plan))
	require.Len(t, plan.Operations, 3)
	assert.Equal(t, engine.KindPluginType, plan.Operations[0].Kind)
	assert.Equal(t, engine.KindImage, plan.Operations[2].Kind)

	dot, err := os.ReadFile(filepath.Join(ws.dir, "plan.dot"))
	require.NoError(t, err)
	assert.Contains(t, string(dot), "digraph Plan")
}

func TestApply_CreatesThenConverges(t *testing.T) {
	ws := newWorkspace(t, fooBarDeclaration)

	out, err := ws.run(t, "", "apply", "--auto-approve")
	require.NoError(t, err)
	assert.Contains(t, out, `Apply for scope "Contoso.Plugins"`)
	assert.Contains(t, out, "Status: succeeded")

	state := ws.remote(t)
	assert.Len(t, state.PluginTypes, 1)
	assert.Len(t, state.Steps, 1)
	assert.Len(t, state.Images, 1)

	out, err = ws.run(t, "", "drift")
	require.NoError(t, err)
	assert.Contains(t, out, "No changes.")
}

func TestApply_PromptDeclined(t *testing.T) {
	ws := newWorkspace(t, fooBarDeclaration)

	out, err := ws.run(t, "no\n", "apply")
	require.NoError(t, err)
	assert.Contains(t, out, "+ plugintype Foo.Bar")
	assert.Contains(t, out, "Apply cancelled.")
	assert.Empty(t, ws.remote(t).PluginTypes)
}

func TestApply_PromptAccepted(t *testing.T) {
	ws := newWorkspace(t, fooBarDeclaration)

	out, err := ws.run(t, "yes\n", "apply")
	require.NoError(t, err)
	assert.Contains(t, out, "Status: succeeded")
	assert.Len(t, ws.remote(t).PluginTypes, 1)
}

func TestApply_OrphansNeedForce(t *testing.T) {
	ws := newWorkspace(t, fooBarDeclaration)
	_, err := ws.run(t, "", "apply", "--auto-approve")
	require.NoError(t, err)

	// Drop the image from the declaration.
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(fooBarDeclaration), &doc))
	doc["images"] = []interface{}{}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ws.decl, data, 0o644))

	out, err := ws.run(t, "", "apply", "--auto-approve")
	require.NoError(t, err)
	assert.Contains(t, out, "Orphans left in place")
	assert.Len(t, ws.remote(t).Images, 1)

	out, err = ws.run(t, "", "apply", "--auto-approve", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted")
	assert.Empty(t, ws.remote(t).Images)
}

func TestDrift_ExitCode(t *testing.T) {
	ws := newWorkspace(t, fooBarDeclaration)

	out, err := ws.run(t, "", "drift")
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, ExitDrift, exitErr.Code)
	assert.Contains(t, exitErr.Err.Error(), "3 changes and 0 orphans pending")
	assert.Contains(t, out, "+ plugintype Foo.Bar")
}

func TestApply_BlockingPolicy(t *testing.T) {
	ws := newWorkspace(t, strings.Replace(fooBarDeclaration, `"stage": "PostOperation", "mode": "Synchronous"`,
		`"stage": "PreOperation", "mode": "Asynchronous"`, 1))

	// Asynchronous steps outside PostOperation are blocked by policy.
	out, err := ws.run(t, "", "apply", "--auto-approve")
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 1, exitErr.Code)
	assert.True(t, engine.HasCode(err, engine.ErrCodePolicyViolation))
	assert.Contains(t, out, "async-requires-postoperation")
	assert.Empty(t, ws.remote(t).PluginTypes)

	_, err = ws.run(t, "", "--no-policy", "plan")
	assert.NoError(t, err)
}

func TestHistory(t *testing.T) {
	ws := newWorkspace(t, fooBarDeclaration)
	_, err := ws.run(t, "", "apply", "--auto-approve")
	require.NoError(t, err)

	out, err := ws.run(t, "", "--json", "history")
	require.NoError(t, err)
	var runs []*stores.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, engine.RunStatusSucceeded, runs[0].Status)
	assert.False(t, runs[0].DryRun)

	out, err = ws.run(t, "", "history", "show", runs[0].ID, "--events")
	require.NoError(t, err)
	assert.Contains(t, out, "Mode:     apply")
	assert.Contains(t, out, "+ plugintype succeeded Foo.Bar")
	assert.Contains(t, out, "Events:")

	out, err = ws.run(t, "", "history", "audit")
	require.NoError(t, err)
	assert.Contains(t, out, stores.AuditRunApplied)

	_, err = ws.run(t, "", "history", "delete", runs[0].ID)
	require.NoError(t, err)
	_, err = ws.run(t, "", "history", "show", runs[0].ID)
	assert.ErrorIs(t, err, stores.ErrRunNotFound)
}

func TestHistory_JournalDisabled(t *testing.T) {
	ws := newWorkspace(t, fooBarDeclaration)

	_, err := ws.run(t, "", "--no-journal", "history")
	assert.ErrorContains(t, err, "journal is disabled")
}

func TestExport_RoundTrip(t *testing.T) {
	ws := newWorkspace(t, fooBarDeclaration)
	_, err := ws.run(t, "", "apply", "--auto-approve")
	require.NoError(t, err)

	exported := filepath.Join(ws.dir, "exported.yaml")
	_, err = ws.run(t, "", "export", "--out", exported)
	require.NoError(t, err)

	out, err := ws.run(t, "", "validate", exported)
	require.NoError(t, err)
	assert.Contains(t, out, "1 plugin types, 1 steps, 1 images")

	// Planning against the export yields nothing to do.
	out, err = ws.run(t, "", "--declaration", exported, "drift")
	require.NoError(t, err)
	assert.Contains(t, out, "No changes.")
}

func TestValidate_Malformed(t *testing.T) {
	ws := newWorkspace(t, strings.Replace(fooBarDeclaration,
		`"steps": [{
    "typeName": "Foo.Bar"`, `"steps": [{
    "typeName": "Foo.Missing"`, 1))

	_, err := ws.run(t, "", "validate")
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeMalformedDeclaration))
	assert.Contains(t, err.Error(), "Foo.Missing")
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	settingsPath := filepath.Join(dir, "plugsync.yaml")

	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", settingsPath, "--scope", "Contoso.Plugins", "--snapshot", "state.json", "init"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.Contains(t, out.String(), "Wrote settings")
	s, err := config.LoadSettings(settingsPath)
	require.NoError(t, err)
	assert.Equal(t, "Contoso.Plugins", s.Scope)
	assert.Equal(t, "snapshot", s.Registry.Backend)
	assert.FileExists(t, s.Store.Path)

	cmd = newRootCommand("test", "none", "today")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", settingsPath, "--scope", "Contoso.Plugins", "init"})
	assert.ErrorContains(t, cmd.ExecuteContext(context.Background()), "already exists")
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"yes\n", true},
		{"  yes  \n", true},
		{"yes", true},
		{"y\n", false},
		{"YES\n", false},
		{"", false},
	}
	for _, tt := range tests {
		got, err := confirm(strings.NewReader(tt.input), &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := &ExitError{Code: 2, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "boom", err.Error())
	assert.Equal(t, "exit status 3", (&ExitError{Code: 3}).Error())
}
