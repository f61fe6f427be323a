package namespace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/types"
)

// ConsoleSink captures console output during an execution. console.log and
// console.info feed stdout; console.warn and console.error feed stderr.
type ConsoleSink struct {
	mu     sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// Reset clears both streams before a run.
func (s *ConsoleSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stdout.Reset()
	s.stderr.Reset()
}

// Stdout returns the captured stdout.
func (s *ConsoleSink) Stdout() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout.String()
}

// Stderr returns the captured stderr.
func (s *ConsoleSink) Stderr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stderr.String()
}

func (s *ConsoleSink) write(stderr bool, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stderr {
		s.stderr.WriteString(line + "\n")
	} else {
		s.stdout.WriteString(line + "\n")
	}
}

// Binder wires the namespaces into a goja runtime. Namespace calls block;
// callers that want concurrency use the Go-side facade. The binder is owned
// by the executor that owns the runtime.
type Binder struct {
	vm   *goja.Runtime
	ns   *Namespaces
	sink *ConsoleSink
	log  *logging.Logger

	mu  sync.Mutex
	ctx context.Context
}

// Bind injects console, tools, skills, artifacts, and deps into the runtime
// and returns the binder for per-run context updates.
func Bind(vm *goja.Runtime, ns *Namespaces, sink *ConsoleSink, log *logging.Logger) (*Binder, error) {
	b := &Binder{vm: vm, ns: ns, sink: sink, log: log.Named("namespace"), ctx: context.Background()}

	if err := b.bindConsole(); err != nil {
		return nil, err
	}
	if err := vm.Set("tools", vm.NewDynamicObject(&toolsObject{b: b})); err != nil {
		return nil, err
	}
	if err := vm.Set("skills", vm.NewDynamicObject(&skillsObject{b: b})); err != nil {
		return nil, err
	}
	if err := vm.Set("artifacts", b.artifactsObject()); err != nil {
		return nil, err
	}
	if err := vm.Set("deps", b.depsObject()); err != nil {
		return nil, err
	}
	return b, nil
}

// SetContext sets the context used for namespace calls during the next run.
func (b *Binder) SetContext(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	b.ctx = ctx
}

func (b *Binder) context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctx
}

func (b *Binder) bindConsole() error {
	console := b.vm.NewObject()
	makeWriter := func(stderr bool) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = formatConsoleValue(arg)
			}
			b.sink.write(stderr, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	console.Set("log", makeWriter(false))
	console.Set("info", makeWriter(false))
	console.Set("debug", makeWriter(false))
	console.Set("warn", makeWriter(true))
	console.Set("error", makeWriter(true))
	return b.vm.Set("console", console)
}

func formatConsoleValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		if data, err := json.Marshal(obj.Export()); err == nil {
			return string(data)
		}
	}
	return v.String()
}

// throwKind throws a JS exception whose name carries the taxonomy kind, so
// agent code can catch it and the executor can classify uncaught ones.
func (b *Binder) throwKind(kind errdefs.Kind, format string, args ...any) {
	obj := b.vm.NewObject()
	obj.Set("name", string(kind))
	obj.Set("message", fmt.Sprintf(format, args...))
	panic(obj)
}

func (b *Binder) throwErr(err error) {
	b.throwKind(errdefs.KindOf(err), "%s", errMessage(err))
}

func errMessage(err error) string {
	var typed *errdefs.Error
	if errors.As(err, &typed) {
		if typed.Err != nil {
			return typed.Message + ": " + typed.Err.Error()
		}
		return typed.Message
	}
	return err.Error()
}

// jsValue converts an arbitrary Go value into a plain JS value through its
// JSON form, so agents always see maps/arrays/primitives.
func (b *Binder) jsValue(v any) goja.Value {
	if v == nil {
		return goja.Null()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return b.vm.ToValue(fmt.Sprint(v))
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return b.vm.ToValue(string(data))
	}
	return b.vm.ToValue(out)
}

// kwargsOf extracts the single-object named-argument convention. No
// arguments means an empty mapping.
func (b *Binder) kwargsOf(call goja.FunctionCall, surface string) map[string]any {
	if len(call.Arguments) == 0 {
		return map[string]any{}
	}
	if len(call.Arguments) == 1 {
		if obj, ok := call.Arguments[0].(*goja.Object); ok && obj.ClassName() == "Object" {
			exported := obj.Export()
			if mapping, ok := exported.(map[string]any); ok {
				return mapping
			}
		}
	}
	b.throwKind(errdefs.KindInvalidRequest, "%s takes a single object of named arguments", surface)
	return nil
}

// toolsObject is the dynamic `tools` namespace: attribute access resolves
// registered tools, list and search are built in.
type toolsObject struct {
	b *Binder
}

func (t *toolsObject) Get(key string) goja.Value {
	b := t.b
	switch key {
	case "list":
		return b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			return b.jsValue(toolSummaries(b.ns.Tools.List()))
		})
	case "search":
		return b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) == 0 {
				b.throwKind(errdefs.KindInvalidRequest, "tools.search requires a query")
			}
			query := call.Arguments[0].String()
			limit := 5
			if len(call.Arguments) > 1 {
				limit = int(call.Arguments[1].ToInteger())
			}
			return b.jsValue(toolSummaries(b.ns.Tools.Search(query, limit)))
		})
	}
	tool, ok := t.b.ns.Tools.Get(key)
	if !ok {
		return goja.Undefined()
	}
	return t.b.toolProxy(tool)
}

func (t *toolsObject) Set(key string, val goja.Value) bool { return false }

func (t *toolsObject) Has(key string) bool {
	if key == "list" || key == "search" {
		return true
	}
	_, ok := t.b.ns.Tools.Get(key)
	return ok
}

func (t *toolsObject) Delete(key string) bool { return false }

func (t *toolsObject) Keys() []string {
	listed := t.b.ns.Tools.List()
	keys := make([]string, 0, len(listed)+2)
	for _, tool := range listed {
		keys = append(keys, tool.Name)
	}
	keys = append(keys, "list", "search")
	return keys
}

func toolSummaries(listed []types.Tool) []map[string]any {
	out := make([]map[string]any, len(listed))
	for i, tool := range listed {
		recipes := make([]map[string]any, len(tool.Callables))
		for j, callable := range tool.Callables {
			params := make([]string, len(callable.Parameters))
			for k, param := range callable.Parameters {
				params[k] = param.Name
			}
			recipes[j] = map[string]any{
				"name":        callable.Name,
				"description": callable.Description,
				"parameters":  params,
			}
		}
		out[i] = map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"tags":        tool.Tags,
			"recipes":     recipes,
		}
	}
	return out
}

// toolProxy builds a callable escape hatch carrying one property per recipe,
// so both tools.X({...}) and tools.X.Y({...}) work.
func (b *Binder) toolProxy(tool types.Tool) goja.Value {
	invoke := func(recipe string) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			surface := "tools." + tool.Name
			if recipe != "" {
				surface += "." + recipe
			}
			args := b.kwargsOf(call, surface)
			result, err := b.ns.Tools.Call(b.context(), tool.Name, recipe, args)
			if err != nil {
				b.throwErr(err)
			}
			switch typed := result.(type) {
			case string:
				return b.vm.ToValue(typed)
			default:
				return b.jsValue(typed)
			}
		}
	}

	escape := b.vm.ToValue(invoke("")).(*goja.Object)
	escape.Set("callSync", b.vm.ToValue(invoke("")))
	for _, callable := range tool.Callables {
		fn := b.vm.ToValue(invoke(callable.Name)).(*goja.Object)
		fn.Set("callSync", b.vm.ToValue(invoke(callable.Name)))
		escape.Set(callable.Name, fn)
	}
	return escape
}

// skillsObject is the dynamic `skills` namespace: attribute access invokes
// stored skills, management operations are built in.
type skillsObject struct {
	b *Binder
}

func (s *skillsObject) Get(key string) goja.Value {
	b := s.b
	switch key {
	case "list":
		return b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			return b.jsValue(b.ns.Skills.List())
		})
	case "search":
		return b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) == 0 {
				b.throwKind(errdefs.KindInvalidRequest, "skills.search requires a query")
			}
			query := call.Arguments[0].String()
			limit := 5
			if len(call.Arguments) > 1 {
				limit = int(call.Arguments[1].ToInteger())
			}
			found, err := b.ns.Skills.Search(b.context(), query, limit)
			if err != nil {
				b.throwErr(err)
			}
			return b.jsValue(found)
		})
	case "get":
		return b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) == 0 {
				b.throwKind(errdefs.KindInvalidRequest, "skills.get requires a name")
			}
			skill, err := b.ns.Skills.Get(call.Arguments[0].String())
			if err != nil {
				b.throwErr(err)
			}
			return b.jsValue(skill)
		})
	case "create":
		return b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) < 2 {
				b.throwKind(errdefs.KindInvalidRequest, "skills.create requires name and source")
			}
			name := call.Arguments[0].String()
			source := call.Arguments[1].String()
			description := ""
			if len(call.Arguments) > 2 {
				description = call.Arguments[2].String()
			}
			skill, err := b.ns.Skills.Create(b.context(), name, source, description, false)
			if err != nil {
				b.throwErr(err)
			}
			return b.jsValue(summaryFields(skill))
		})
	case "delete":
		return b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) == 0 {
				b.throwKind(errdefs.KindInvalidRequest, "skills.delete requires a name")
			}
			removed, err := b.ns.Skills.Delete(b.context(), call.Arguments[0].String())
			if err != nil {
				b.throwErr(err)
			}
			return b.vm.ToValue(removed)
		})
	case "invoke":
		return b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) == 0 {
				b.throwKind(errdefs.KindInvalidRequest, "skills.invoke requires a name")
			}
			name := call.Arguments[0].String()
			inner := goja.FunctionCall{This: goja.Undefined(), Arguments: call.Arguments[1:]}
			return s.b.invokeSkill(name, inner)
		})
	}
	if _, err := s.b.ns.Skills.Get(key); err != nil {
		return goja.Undefined()
	}
	return b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return s.b.invokeSkill(key, call)
	})
}

func (s *skillsObject) Set(key string, val goja.Value) bool { return false }

func (s *skillsObject) Has(key string) bool {
	switch key {
	case "list", "search", "get", "create", "delete", "invoke":
		return true
	}
	_, err := s.b.ns.Skills.Get(key)
	return err == nil
}

func (s *skillsObject) Delete(key string) bool { return false }

func (s *skillsObject) Keys() []string {
	listed := s.b.ns.Skills.List()
	keys := make([]string, 0, len(listed)+6)
	for _, skill := range listed {
		keys = append(keys, skill.Name)
	}
	keys = append(keys, "list", "search", "get", "create", "delete", "invoke")
	return keys
}

func summaryFields(skill *types.Skill) map[string]any {
	params := make([]string, len(skill.Parameters))
	for i, param := range skill.Parameters {
		params[i] = param.Name
	}
	return map[string]any{
		"name":        skill.Name,
		"description": skill.Description,
		"parameters":  params,
	}
}

// invokeSkill evaluates the skill's compiled program, producing a fresh run
// closure per call so recursive invocations never share call-local state,
// then calls it with bound arguments.
func (b *Binder) invokeSkill(name string, call goja.FunctionCall) goja.Value {
	program, skill, err := b.ns.Skills.Program(name)
	if err != nil {
		b.throwErr(err)
	}
	runValue, err := b.vm.RunProgram(program)
	if err != nil {
		b.rethrowSkill(name, err)
	}
	runFn, ok := goja.AssertFunction(runValue)
	if !ok {
		b.throwKind(errdefs.KindSkillError, "skill %q: run is not a function", name)
	}

	args := b.skillArgs(skill, call)
	result, err := runFn(goja.Undefined(), args...)
	if err != nil {
		b.rethrowSkill(name, err)
	}
	return result
}

// skillArgs maps the single-object named-argument convention onto the run
// signature. Calls with positional arguments pass through unchanged.
func (b *Binder) skillArgs(skill *types.Skill, call goja.FunctionCall) []goja.Value {
	if len(skill.Parameters) == 0 || len(call.Arguments) != 1 {
		return call.Arguments
	}
	obj, ok := call.Arguments[0].(*goja.Object)
	if !ok || obj.ClassName() != "Object" {
		return call.Arguments
	}

	known := make(map[string]bool, len(skill.Parameters))
	for _, param := range skill.Parameters {
		known[param.Name] = true
	}
	for _, key := range obj.Keys() {
		if !known[key] {
			b.throwKind(errdefs.KindUnknownArgument, "skill %q has no parameter %q", skill.Name, key)
		}
	}

	args := make([]goja.Value, len(skill.Parameters))
	for i, param := range skill.Parameters {
		value := obj.Get(param.Name)
		if value == nil || goja.IsUndefined(value) {
			if !param.HasDefault {
				b.throwKind(errdefs.KindMissingArgument, "skill %q requires parameter %q", skill.Name, param.Name)
			}
			args[i] = goja.Undefined()
			continue
		}
		args[i] = value
	}
	return args
}

// rethrowSkill propagates taxonomy-tagged exceptions unchanged and wraps
// everything else as a SkillError.
func (b *Binder) rethrowSkill(name string, err error) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if obj, isObj := ex.Value().(*goja.Object); isObj {
			if kindVal := obj.Get("name"); kindVal != nil && errdefs.Known(kindVal.String()) {
				panic(obj)
			}
		}
		b.throwKind(errdefs.KindSkillError, "skill %q failed: %s", name, ex.Value().String())
	}
	b.throwKind(errdefs.KindSkillError, "skill %q failed: %s", name, err.Error())
}

// artifactsObject binds artifact save/load/list/delete.
func (b *Binder) artifactsObject() *goja.Object {
	obj := b.vm.NewObject()

	obj.Set("save", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			b.throwKind(errdefs.KindInvalidRequest, "artifacts.save requires name and data")
		}
		name := call.Arguments[0].String()
		data, contentType := artifactBytes(call.Arguments[1])
		artifact := &types.Artifact{Name: name, Data: data, ContentType: contentType}
		if len(call.Arguments) > 2 && !goja.IsUndefined(call.Arguments[2]) {
			artifact.Description = call.Arguments[2].String()
		}
		if len(call.Arguments) > 3 && !goja.IsUndefined(call.Arguments[3]) {
			if mapping, ok := call.Arguments[3].Export().(map[string]any); ok {
				artifact.Metadata = mapping
			}
		}
		if err := b.ns.Artifacts.Put(b.context(), artifact); err != nil {
			b.throwErr(err)
		}
		return b.vm.ToValue(true)
	})

	obj.Set("load", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			b.throwKind(errdefs.KindInvalidRequest, "artifacts.load requires a name")
		}
		artifact, err := b.ns.Artifacts.Get(b.context(), call.Arguments[0].String())
		if err != nil {
			b.throwErr(err)
		}
		if isTextContent(artifact.ContentType) {
			return b.vm.ToValue(string(artifact.Data))
		}
		return b.vm.ToValue(b.vm.NewArrayBuffer(artifact.Data))
	})

	obj.Set("list", func(call goja.FunctionCall) goja.Value {
		listed, err := b.ns.Artifacts.List(b.context())
		if err != nil {
			b.throwErr(err)
		}
		summaries := make([]map[string]any, len(listed))
		for i, artifact := range listed {
			summaries[i] = map[string]any{
				"name":         artifact.Name,
				"description":  artifact.Description,
				"metadata":     artifact.Metadata,
				"content_type": artifact.ContentType,
				"size":         artifact.Size,
			}
		}
		return b.jsValue(summaries)
	})

	obj.Set("delete", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			b.throwKind(errdefs.KindInvalidRequest, "artifacts.delete requires a name")
		}
		removed, err := b.ns.Artifacts.Delete(b.context(), call.Arguments[0].String())
		if err != nil {
			b.throwErr(err)
		}
		return b.vm.ToValue(removed)
	})

	obj.Set("exists", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			b.throwKind(errdefs.KindInvalidRequest, "artifacts.exists requires a name")
		}
		exists, err := b.ns.Artifacts.Exists(b.context(), call.Arguments[0].String())
		if err != nil {
			b.throwErr(err)
		}
		return b.vm.ToValue(exists)
	})

	return obj
}

// artifactBytes converts a JS value into artifact bytes. Strings store
// verbatim, ArrayBuffers store raw, everything else stores as JSON.
func artifactBytes(value goja.Value) ([]byte, string) {
	switch exported := value.Export().(type) {
	case string:
		return []byte(exported), ""
	case goja.ArrayBuffer:
		return exported.Bytes(), ""
	case []byte:
		return exported, ""
	default:
		data, err := json.Marshal(exported)
		if err != nil {
			return []byte(fmt.Sprint(exported)), "text/plain; charset=utf-8"
		}
		return data, "application/json"
	}
}

func isTextContent(contentType string) bool {
	return strings.HasPrefix(contentType, "text/") ||
		strings.Contains(contentType, "json") ||
		strings.Contains(contentType, "javascript") ||
		strings.Contains(contentType, "xml")
}

// depsObject binds the controlled deps surface. Only the four public
// operations exist on the object; the controller and its internals are not
// reachable from agent code.
func (b *Binder) depsObject() *goja.Object {
	obj := b.vm.NewObject()

	obj.Set("add", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			b.throwKind(errdefs.KindInvalidRequest, "deps.add requires a spec")
		}
		report, err := b.ns.Deps.Add(b.context(), call.Arguments[0].String())
		if err != nil {
			b.throwErr(err)
		}
		return b.jsValue(report)
	})

	obj.Set("remove", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			b.throwKind(errdefs.KindInvalidRequest, "deps.remove requires a spec")
		}
		removed, err := b.ns.Deps.Remove(b.context(), call.Arguments[0].String())
		if err != nil {
			b.throwErr(err)
		}
		return b.vm.ToValue(removed)
	})

	obj.Set("list", func(call goja.FunctionCall) goja.Value {
		listed, err := b.ns.Deps.List(b.context())
		if err != nil {
			b.throwErr(err)
		}
		return b.jsValue(listed)
	})

	obj.Set("sync", func(call goja.FunctionCall) goja.Value {
		report, err := b.ns.Deps.Sync(b.context())
		if err != nil {
			b.throwErr(err)
		}
		return b.jsValue(report)
	})

	return obj
}
