package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebox-ai/codebox/internal/config"
	"github.com/codebox-ai/codebox/internal/deps"
	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/namespace"
	"github.com/codebox-ai/codebox/internal/skills"
	"github.com/codebox-ai/codebox/internal/storage"
	"github.com/codebox-ai/codebox/internal/tools"
	"github.com/codebox-ai/codebox/internal/types"
)

// cannedAdapter serves a curl-shaped tool returning fixed responses.
type cannedAdapter struct {
	response string
	err      error
	calls    []map[string]any
}

func (a *cannedAdapter) ListTools() []types.Tool {
	return []types.Tool{{
		Name:        "curl",
		Description: "transfer data",
		Tags:        []string{"http"},
		Callables: []types.ToolCallable{{
			Name:       "get",
			Parameters: []types.ToolParameter{{Name: "url", Type: types.ParamString, Required: true}},
		}},
	}}
}

func (a *cannedAdapter) Call(ctx context.Context, tool, recipe string, args map[string]any) (any, error) {
	a.calls = append(a.calls, args)
	if a.err != nil {
		return nil, a.err
	}
	return a.response, nil
}

func (a *cannedAdapter) Close() error { return nil }

type execFixture struct {
	exec    *InProcess
	ns      *namespace.Namespaces
	adapter *cannedAdapter
}

func newFixture(t *testing.T, depsCfg config.DepsConfig) *execFixture {
	t.Helper()
	log := logging.NewNop()
	ctx := context.Background()

	backend, err := storage.NewFile(t.TempDir(), log)
	require.NoError(t, err)

	adapter := &cannedAdapter{response: `{"stargazers_count": 7}`}
	registry := tools.NewRegistry(log)
	require.NoError(t, registry.Register(adapter))

	library, err := skills.NewLibrary(ctx, backend.Skills(), nil, log)
	require.NoError(t, err)

	controller, err := deps.NewController(ctx, backend.Deps(), &deps.StaticInstaller{}, depsCfg, log)
	require.NoError(t, err)

	ns := &namespace.Namespaces{
		Storage:   backend,
		Tools:     registry,
		Skills:    library,
		Artifacts: backend.Artifacts(),
		Deps:      controller,
	}
	exec := NewInProcess(0, log)
	require.NoError(t, exec.StartWithNamespaces(ns))
	t.Cleanup(func() { exec.Close(ctx) })

	return &execFixture{exec: exec, ns: ns, adapter: adapter}
}

func run(t *testing.T, exec *InProcess, code string) *types.ExecutionResult {
	t.Helper()
	result, err := exec.Execute(context.Background(), code, 0)
	require.NoError(t, err)
	return result
}

func TestExecuteValueAndState(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})

	result := run(t, f.exec, "x = 42")
	require.Nil(t, result.Error)

	result = run(t, f.exec, "x + 1")
	require.Nil(t, result.Error)
	assert.EqualValues(t, 43, result.Value)
}

func TestExecuteTrailingStatementHasNullValue(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})

	result := run(t, f.exec, "var y = 10;")
	require.Nil(t, result.Error)
	assert.Nil(t, result.Value)
}

func TestExecuteObjectValue(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})

	result := run(t, f.exec, "({count: 2, names: [\"a\", \"b\"]})")
	require.Nil(t, result.Error)
	value, ok := result.Value.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, value["count"])
}

func TestConsoleCapture(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})

	result := run(t, f.exec, `console.log("hello", 42); console.error("oops"); 1`)
	require.Nil(t, result.Error)
	assert.Equal(t, "hello 42\n", result.Stdout)
	assert.Equal(t, "oops\n", result.Stderr)

	// Output does not leak across executions.
	result = run(t, f.exec, "2")
	assert.Empty(t, result.Stdout)
	assert.Empty(t, result.Stderr)
}

func TestSyntaxErrorContained(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})

	result := run(t, f.exec, "function (((")
	require.NotNil(t, result.Error)
	assert.Equal(t, "SyntaxError", result.Error.Kind)
	assert.Nil(t, result.Value)
}

func TestRuntimeErrorContained(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})

	result := run(t, f.exec, "noSuchFunction()")
	require.NotNil(t, result.Error)
	assert.Equal(t, "RuntimeError", result.Error.Kind)
	assert.NotEmpty(t, result.Error.Message)
}

func TestTimeoutAndRecovery(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})

	start := time.Now()
	result, err := f.exec.Execute(context.Background(), "while (true) {}", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	assert.Equal(t, "Timeout", result.Error.Kind)
	assert.Nil(t, result.Value)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The executor stays usable with state intact.
	result = run(t, f.exec, "1 + 1")
	require.Nil(t, result.Error)
	assert.EqualValues(t, 2, result.Value)
}

func TestToolCallFromCode(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})

	result := run(t, f.exec, `tools.curl.get({url: "https://example.com"})`)
	require.Nil(t, result.Error)
	assert.Equal(t, `{"stargazers_count": 7}`, result.Value)
	require.Len(t, f.adapter.calls, 1)
	assert.Equal(t, map[string]any{"url": "https://example.com"}, f.adapter.calls[0])
}

func TestToolErrorKind(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})
	f.adapter.err = errdefs.New(errdefs.KindToolExecution, "exit status 7")

	result := run(t, f.exec, `tools.curl.get({url: "https://example.com"})`)
	require.NotNil(t, result.Error)
	assert.Equal(t, "ToolError", result.Error.Kind)

	// Agent code can catch tool failures.
	f.adapter.err = errdefs.New(errdefs.KindToolExecution, "exit status 7")
	result = run(t, f.exec, `
		var caught = "";
		try { tools.curl.get({url: "https://x"}) } catch (e) { caught = e.name; }
		caught
	`)
	require.Nil(t, result.Error)
	assert.Equal(t, "ToolExecutionError", result.Value)
}

func TestToolsListAndSearch(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})

	result := run(t, f.exec, "tools.list().length")
	require.Nil(t, result.Error)
	assert.EqualValues(t, 1, result.Value)

	result = run(t, f.exec, `tools.search("curl")[0].name`)
	require.Nil(t, result.Error)
	assert.Equal(t, "curl", result.Value)
}

func TestSkillComposition(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})
	ctx := context.Background()

	_, err := f.ns.Skills.Create(ctx, "fetch_json",
		"function run(url) { return JSON.parse(tools.curl.get({url: url})); }",
		"fetch and parse json", false)
	require.NoError(t, err)
	_, err = f.ns.Skills.Create(ctx, "repo_stars",
		`function run(owner, repo) { return skills.fetch_json({url: "https://api/" + owner + "/" + repo})["stargazers_count"]; }`,
		"look up stargazers", false)
	require.NoError(t, err)

	result := run(t, f.exec, `skills.repo_stars({owner: "a", repo: "b"})`)
	require.Nil(t, result.Error, "error: %+v", result.Error)
	assert.EqualValues(t, 7, result.Value)
	require.Len(t, f.adapter.calls, 1)
	assert.Equal(t, "https://api/a/b", f.adapter.calls[0]["url"])
}

func TestSkillArgumentValidation(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})
	ctx := context.Background()

	_, err := f.ns.Skills.Create(ctx, "greet",
		`function run(name, greeting = "hello") { return greeting + " " + name; }`, "", false)
	require.NoError(t, err)

	result := run(t, f.exec, `skills.greet({name: "ada"})`)
	require.Nil(t, result.Error)
	assert.Equal(t, "hello ada", result.Value)

	result = run(t, f.exec, `skills.greet({})`)
	require.NotNil(t, result.Error)
	assert.Equal(t, "MissingArgument", result.Error.Kind)

	result = run(t, f.exec, `skills.greet({name: "ada", shout: true})`)
	require.NotNil(t, result.Error)
	assert.Equal(t, "UnknownArgument", result.Error.Kind)
}

func TestSkillCreateFromCode(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})

	result := run(t, f.exec, `skills.create("doubler", "function run(n) { return n * 2; }", "doubles numbers")`)
	require.Nil(t, result.Error)

	result = run(t, f.exec, `skills.doubler({n: 21})`)
	require.Nil(t, result.Error)
	assert.EqualValues(t, 42, result.Value)

	result = run(t, f.exec, `skills.list().length`)
	require.Nil(t, result.Error)
	assert.EqualValues(t, 1, result.Value)

	result = run(t, f.exec, `skills.delete("doubler")`)
	require.Nil(t, result.Error)
	assert.Equal(t, true, result.Value)
}

func TestSkillErrorKind(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})
	ctx := context.Background()

	_, err := f.ns.Skills.Create(ctx, "explode",
		`function run() { throw new Error("boom"); }`, "", false)
	require.NoError(t, err)

	result := run(t, f.exec, `skills.explode()`)
	require.NotNil(t, result.Error)
	assert.Equal(t, "SkillError", result.Error.Kind)
	assert.Contains(t, result.Error.Message, "boom")
}

func TestArtifactsFromCode(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})

	result := run(t, f.exec, `artifacts.save("note", "hello world", "a note")`)
	require.Nil(t, result.Error)

	result = run(t, f.exec, `artifacts.load("note")`)
	require.Nil(t, result.Error)
	assert.Equal(t, "hello world", result.Value)

	result = run(t, f.exec, `artifacts.list().length`)
	require.Nil(t, result.Error)
	assert.EqualValues(t, 1, result.Value)

	result = run(t, f.exec, `artifacts.save("data", {rows: [1, 2, 3]})`)
	require.Nil(t, result.Error)
	result = run(t, f.exec, `JSON.parse(artifacts.load("data")).rows.length`)
	require.Nil(t, result.Error)
	assert.EqualValues(t, 3, result.Value)

	result = run(t, f.exec, `artifacts.delete("note")`)
	require.Nil(t, result.Error)
	assert.Equal(t, true, result.Value)
}

func TestDepsPolicyFromCode(t *testing.T) {
	f := newFixture(t, config.DepsConfig{
		AllowRuntime: false,
		Preinstalled: []string{"pkg-a==1.0"},
	})

	result := run(t, f.exec, `deps.list()`)
	require.Nil(t, result.Error)
	assert.Equal(t, []any{"pkg-a==1.0"}, result.Value)

	result = run(t, f.exec, `deps.add("pkg-c")`)
	require.NotNil(t, result.Error)
	assert.Equal(t, "RuntimeDepsDisabled", result.Error.Kind)

	result = run(t, f.exec, `deps.list()`)
	require.Nil(t, result.Error)
	assert.Equal(t, []any{"pkg-a==1.0"}, result.Value, "list must be unchanged after denied add")

	// Sync is always permitted.
	result = run(t, f.exec, `deps.sync().failed.length`)
	require.Nil(t, result.Error)
	assert.EqualValues(t, 0, result.Value)
}

func TestDepsAddFromCode(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})

	result := run(t, f.exec, `deps.add("left-pad").installed`)
	require.Nil(t, result.Error)
	assert.Equal(t, []any{"left-pad"}, result.Value)
}

func TestResetPreservesNamespaces(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})
	ctx := context.Background()

	result := run(t, f.exec, "leak = 99")
	require.Nil(t, result.Error)

	require.NoError(t, f.exec.Reset(ctx))

	result = run(t, f.exec, "typeof leak")
	require.Nil(t, result.Error)
	assert.Equal(t, "undefined", result.Value)

	result = run(t, f.exec, "typeof tools + \",\" + typeof skills + \",\" + typeof artifacts + \",\" + typeof deps")
	require.Nil(t, result.Error)
	assert.Equal(t, "object,object,object,object", result.Value)
}

func TestClosedExecutorRejectsEverything(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})
	ctx := context.Background()

	require.NoError(t, f.exec.Close(ctx))
	require.NoError(t, f.exec.Close(ctx), "close is idempotent")

	_, err := f.exec.Execute(ctx, "1", 0)
	assert.True(t, errdefs.IsKind(err, errdefs.KindExecutorClosed))
	assert.True(t, errdefs.IsKind(f.exec.Reset(ctx), errdefs.KindExecutorClosed))
	assert.True(t, errdefs.IsKind(f.exec.Start(ctx, namespace.BootstrapConfig{}), errdefs.KindExecutorClosed))
}

func TestCapabilities(t *testing.T) {
	f := newFixture(t, config.DepsConfig{AllowRuntime: true})
	assert.True(t, Supports(f.exec, CapTimeout))
	assert.True(t, Supports(f.exec, CapReset))
	assert.True(t, Supports(f.exec, CapDepsInstall))
	assert.False(t, Supports(f.exec, CapContainerIsolation))
}
