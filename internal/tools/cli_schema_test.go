package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebox-ai/codebox/internal/errdefs"
)

const curlYAML = `
name: curl
description: Transfer data from URLs
command: curl
timeout: 30
tags: [http, network]
schema:
  options:
    silent:
      type: boolean
      short: s
    location:
      type: boolean
      short: L
    header:
      type: array
      short: H
    output:
      type: string
      short: o
    retry:
      type: integer
  positional:
    - name: url
      type: string
      required: true
recipes:
  get:
    description: Fetch a URL following redirects
    preset:
      silent: true
      location: true
    params:
      url: {}
  download:
    description: Download to a file
    preset:
      silent: true
      location: true
    params:
      url: {}
      output: {}
`

func parseCurl(t *testing.T) *CLIDefinition {
	t.Helper()
	def, err := ParseCLIDefinition([]byte(curlYAML))
	require.NoError(t, err)
	return def
}

func TestBuildRecipePresetMerge(t *testing.T) {
	def := parseCurl(t)

	argv, err := def.BuildRecipe("get", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"curl", "-s", "-L", "https://example.com"}, argv)
}

func TestBuildArgvEscapeHatch(t *testing.T) {
	def := parseCurl(t)

	argv, err := def.BuildArgv(map[string]any{
		"url":    "https://e.com",
		"silent": true,
		"header": []any{"A: 1", "B: 2"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"curl", "-s", "-H", "A: 1", "-H", "B: 2", "https://e.com"}, argv)
}

func TestBuildRecipeDeterministic(t *testing.T) {
	def := parseCurl(t)

	args := map[string]any{"url": "https://example.com", "output": "index.html"}
	first, err := def.BuildRecipe("download", args)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := def.BuildRecipe("download", args)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	// Option order follows schema declaration order.
	assert.Equal(t, []string{"curl", "-s", "-L", "-o", "index.html", "https://example.com"}, first)
}

func TestBuildRecipeUnknownArgument(t *testing.T) {
	def := parseCurl(t)

	_, err := def.BuildRecipe("get", map[string]any{"url": "https://e.com", "verbose": true})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindUnknownArgument))
}

func TestBuildArgvUnknownArgument(t *testing.T) {
	def := parseCurl(t)

	_, err := def.BuildArgv(map[string]any{"nope": 1})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindUnknownArgument))
}

func TestBuildRecipeMissingRequired(t *testing.T) {
	def := parseCurl(t)

	_, err := def.BuildRecipe("get", map[string]any{})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindMissingArgument))
}

func TestBuildArgvTypeChecks(t *testing.T) {
	def := parseCurl(t)

	_, err := def.BuildArgv(map[string]any{"url": "https://e.com", "silent": "yes"})
	assert.True(t, errdefs.IsKind(err, errdefs.KindArgumentType))

	_, err = def.BuildArgv(map[string]any{"url": "https://e.com", "retry": "three"})
	assert.True(t, errdefs.IsKind(err, errdefs.KindArgumentType))

	_, err = def.BuildArgv(map[string]any{"url": "https://e.com", "header": "not-a-list"})
	assert.True(t, errdefs.IsKind(err, errdefs.KindArgumentType))

	// Interpreter numbers arrive as float64; integral values are accepted.
	argv, err := def.BuildArgv(map[string]any{"url": "https://e.com", "retry": float64(3)})
	require.NoError(t, err)
	assert.Equal(t, []string{"curl", "--retry", "3", "https://e.com"}, argv)
}

func TestBuildArgvEmptyValues(t *testing.T) {
	def := parseCurl(t)

	// Empty string is a valid string value.
	argv, err := def.BuildArgv(map[string]any{"url": "https://e.com", "output": ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"curl", "-o", "", "https://e.com"}, argv)

	// Empty arrays emit no flags; false booleans are omitted.
	argv, err = def.BuildArgv(map[string]any{"url": "https://e.com", "header": []any{}, "silent": false})
	require.NoError(t, err)
	assert.Equal(t, []string{"curl", "https://e.com"}, argv)
}

func TestRecipeParamDefaults(t *testing.T) {
	yaml := `
name: lister
command: ls
schema:
  options:
    all:
      type: boolean
      short: a
  positional:
    - name: path
      type: string
recipes:
  here:
    preset: {all: true}
    params:
      path: {default: "."}
`
	def, err := ParseCLIDefinition([]byte(yaml))
	require.NoError(t, err)

	argv, err := def.BuildRecipe("here", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ls", "-a", "."}, argv)

	// User args override defaults.
	argv, err = def.BuildRecipe("here", map[string]any{"path": "/tmp"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ls", "-a", "/tmp"}, argv)
}

func TestParseRejectsDuplicateShorts(t *testing.T) {
	yaml := `
name: bad
command: bad
schema:
  options:
    silent: {type: boolean, short: s}
    sorted: {type: boolean, short: s}
recipes:
  go:
    preset: {}
    params: {}
`
	_, err := ParseCLIDefinition([]byte(yaml))
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindSchemaError))
}

func TestParseRejectsUnknownPresetKey(t *testing.T) {
	yaml := `
name: bad
command: bad
schema:
  options:
    silent: {type: boolean}
recipes:
  go:
    preset: {verbose: true}
    params: {}
`
	_, err := ParseCLIDefinition([]byte(yaml))
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindSchemaError))
}

func TestParseRequiresRecipes(t *testing.T) {
	yaml := `
name: bare
command: bare
schema:
  options:
    x: {type: string}
`
	_, err := ParseCLIDefinition([]byte(yaml))
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindSchemaError))
}

func TestToolConversion(t *testing.T) {
	def := parseCurl(t)
	tool := def.Tool()

	assert.Equal(t, "curl", tool.Name)
	assert.Equal(t, []string{"http", "network"}, tool.Tags)
	require.Len(t, tool.Callables, 2)
	// Sorted by recipe name.
	assert.Equal(t, "download", tool.Callables[0].Name)
	assert.Equal(t, "get", tool.Callables[1].Name)

	get := tool.Callables[1]
	require.Len(t, get.Parameters, 1)
	assert.Equal(t, "url", get.Parameters[0].Name)
	assert.True(t, get.Parameters[0].Required)
}
