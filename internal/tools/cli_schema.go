package tools

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/goccy/go-yaml"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/types"
)

// CLIOptionSpec describes one named option of a CLI tool schema.
type CLIOptionSpec struct {
	Type        string `yaml:"type"`
	Short       string `yaml:"short"`
	Description string `yaml:"description"`
}

// CLIOptions is an ordered option map. Declaration order determines argv
// emission order, so plain map decoding is not enough.
type CLIOptions struct {
	order []string
	specs map[string]CLIOptionSpec
}

// UnmarshalYAML decodes options preserving their declaration order.
func (o *CLIOptions) UnmarshalYAML(data []byte) error {
	var items yaml.MapSlice
	if err := yaml.Unmarshal(data, &items); err != nil {
		return err
	}
	o.specs = make(map[string]CLIOptionSpec, len(items))
	for _, item := range items {
		name, ok := item.Key.(string)
		if !ok {
			return fmt.Errorf("option name must be a string, got %T", item.Key)
		}
		raw, err := yaml.Marshal(item.Value)
		if err != nil {
			return err
		}
		var spec CLIOptionSpec
		if err := yaml.Unmarshal(raw, &spec); err != nil {
			return fmt.Errorf("option %q: %w", name, err)
		}
		if _, exists := o.specs[name]; exists {
			return fmt.Errorf("option %q declared twice", name)
		}
		o.order = append(o.order, name)
		o.specs[name] = spec
	}
	return nil
}

// Names returns option names in declaration order.
func (o *CLIOptions) Names() []string { return o.order }

// Get looks up an option spec by name.
func (o *CLIOptions) Get(name string) (CLIOptionSpec, bool) {
	spec, ok := o.specs[name]
	return spec, ok
}

// Len returns the number of declared options.
func (o *CLIOptions) Len() int { return len(o.order) }

// CLIPositional describes one positional argument.
type CLIPositional struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Required    bool   `yaml:"required"`
	Description string `yaml:"description"`
}

// CLISchema is the declared invocation surface of a CLI tool.
type CLISchema struct {
	Options    CLIOptions      `yaml:"options"`
	Positional []CLIPositional `yaml:"positional"`
}

// RecipeParam is one parameter a recipe exposes to the agent.
type RecipeParam struct {
	Default    any
	HasDefault bool
}

// UnmarshalYAML distinguishes an absent default from an explicit null/false.
func (p *RecipeParam) UnmarshalYAML(data []byte) error {
	var fields map[string]any
	if err := yaml.Unmarshal(data, &fields); err != nil {
		return err
	}
	if v, ok := fields["default"]; ok {
		p.Default = v
		p.HasDefault = true
	}
	return nil
}

// CLIRecipe is a named, preset-augmented invocation of a CLI tool.
type CLIRecipe struct {
	Description string                 `yaml:"description"`
	Preset      map[string]any         `yaml:"preset"`
	Params      map[string]RecipeParam `yaml:"params"`
}

// CLIDefinition is a parsed CLI tool file.
type CLIDefinition struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description"`
	Command     string               `yaml:"command"`
	Timeout     float64              `yaml:"timeout"`
	Tags        []string             `yaml:"tags"`
	Schema      CLISchema            `yaml:"schema"`
	Recipes     map[string]CLIRecipe `yaml:"recipes"`
}

// ParseCLIDefinition parses and validates one tool YAML document.
func ParseCLIDefinition(data []byte) (*CLIDefinition, error) {
	var def CLIDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errdefs.Wrap(errdefs.KindSchemaError, err, "parsing tool definition")
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *CLIDefinition) validate() error {
	if d.Name == "" {
		return errdefs.New(errdefs.KindSchemaError, "tool definition missing name")
	}
	if d.Command == "" {
		d.Command = d.Name
	}
	if d.Timeout <= 0 {
		d.Timeout = 60
	}
	if len(d.Recipes) == 0 {
		return errdefs.New(errdefs.KindSchemaError, "tool %q defines no recipes", d.Name)
	}

	shorts := make(map[string]string)
	for _, name := range d.Schema.Options.Names() {
		spec, _ := d.Schema.Options.Get(name)
		switch spec.Type {
		case "boolean", "string", "integer", "array":
		case "":
			return errdefs.New(errdefs.KindSchemaError, "tool %q option %q missing type", d.Name, name)
		default:
			return errdefs.New(errdefs.KindSchemaError, "tool %q option %q has unknown type %q", d.Name, name, spec.Type)
		}
		if spec.Short != "" {
			if len(spec.Short) != 1 {
				return errdefs.New(errdefs.KindSchemaError, "tool %q option %q short alias must be one character", d.Name, name)
			}
			if prev, dup := shorts[spec.Short]; dup {
				return errdefs.New(errdefs.KindSchemaError, "tool %q short alias -%s used by both %q and %q", d.Name, spec.Short, prev, name)
			}
			shorts[spec.Short] = name
		}
	}
	for _, pos := range d.Schema.Positional {
		if pos.Name == "" {
			return errdefs.New(errdefs.KindSchemaError, "tool %q has a positional without a name", d.Name)
		}
		switch pos.Type {
		case "", "string", "integer":
		default:
			return errdefs.New(errdefs.KindSchemaError, "tool %q positional %q has unknown type %q", d.Name, pos.Name, pos.Type)
		}
	}

	for recipeName, recipe := range d.Recipes {
		for key := range recipe.Preset {
			if !d.knownKey(key) {
				return errdefs.New(errdefs.KindSchemaError, "tool %q recipe %q preset references unknown key %q", d.Name, recipeName, key)
			}
		}
		for key := range recipe.Params {
			if !d.knownKey(key) {
				return errdefs.New(errdefs.KindSchemaError, "tool %q recipe %q exposes unknown parameter %q", d.Name, recipeName, key)
			}
		}
	}
	return nil
}

func (d *CLIDefinition) knownKey(key string) bool {
	if _, ok := d.Schema.Options.Get(key); ok {
		return true
	}
	for _, pos := range d.Schema.Positional {
		if pos.Name == key {
			return true
		}
	}
	return false
}

func (d *CLIDefinition) keyType(key string) string {
	if spec, ok := d.Schema.Options.Get(key); ok {
		return spec.Type
	}
	for _, pos := range d.Schema.Positional {
		if pos.Name == key {
			if pos.Type == "" {
				return "string"
			}
			return pos.Type
		}
	}
	return ""
}

// BuildArgv builds an argv for an escape-hatch invocation: every schema
// option and positional is individually addressable, no preset applies.
func (d *CLIDefinition) BuildArgv(args map[string]any) ([]string, error) {
	for key := range args {
		if !d.knownKey(key) {
			return nil, errdefs.New(errdefs.KindUnknownArgument, "tool %q has no argument %q", d.Name, key)
		}
	}
	return d.emit(args)
}

// BuildRecipe builds an argv for a recipe invocation. The preset is applied
// first, then parameter defaults, then user args. Only keys the recipe
// exposes via params are accepted.
func (d *CLIDefinition) BuildRecipe(recipeName string, args map[string]any) ([]string, error) {
	recipe, ok := d.Recipes[recipeName]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "tool %q has no recipe %q", d.Name, recipeName)
	}
	for key := range args {
		if _, exposed := recipe.Params[key]; !exposed {
			return nil, errdefs.New(errdefs.KindUnknownArgument, "recipe %q of tool %q does not accept %q", recipeName, d.Name, key)
		}
	}

	merged := make(map[string]any, len(recipe.Preset)+len(args))
	for key, value := range recipe.Preset {
		merged[key] = value
	}
	for key, param := range recipe.Params {
		if _, given := args[key]; given {
			continue
		}
		if _, preset := merged[key]; preset {
			continue
		}
		if param.HasDefault {
			merged[key] = param.Default
		}
	}
	for key, value := range args {
		merged[key] = value
	}
	return d.emit(merged)
}

// emit renders the argv: command, options in schema declaration order, then
// positionals in their declared order. The output is deterministic for
// identical inputs.
func (d *CLIDefinition) emit(args map[string]any) ([]string, error) {
	for _, pos := range d.Schema.Positional {
		if pos.Required {
			if _, ok := args[pos.Name]; !ok {
				return nil, errdefs.New(errdefs.KindMissingArgument, "tool %q requires %q", d.Name, pos.Name)
			}
		}
	}

	argv := []string{d.Command}
	for _, name := range d.Schema.Options.Names() {
		value, ok := args[name]
		if !ok {
			continue
		}
		spec, _ := d.Schema.Options.Get(name)
		flag := "--" + name
		if spec.Short != "" {
			flag = "-" + spec.Short
		}
		switch spec.Type {
		case "boolean":
			b, ok := value.(bool)
			if !ok {
				return nil, typeError(d.Name, name, "boolean", value)
			}
			if b {
				argv = append(argv, flag)
			}
		case "integer":
			n, err := asInteger(value)
			if err != nil {
				return nil, typeError(d.Name, name, "integer", value)
			}
			argv = append(argv, flag, strconv.FormatInt(n, 10))
		case "array":
			items, err := asStringSlice(value)
			if err != nil {
				return nil, typeError(d.Name, name, "array of strings", value)
			}
			for _, item := range items {
				argv = append(argv, flag, item)
			}
		default: // string
			s, ok := value.(string)
			if !ok {
				return nil, typeError(d.Name, name, "string", value)
			}
			argv = append(argv, flag, s)
		}
	}

	for _, pos := range d.Schema.Positional {
		value, ok := args[pos.Name]
		if !ok {
			continue
		}
		switch pos.Type {
		case "integer":
			n, err := asInteger(value)
			if err != nil {
				return nil, typeError(d.Name, pos.Name, "integer", value)
			}
			argv = append(argv, strconv.FormatInt(n, 10))
		default:
			s, ok := value.(string)
			if !ok {
				return nil, typeError(d.Name, pos.Name, "string", value)
			}
			argv = append(argv, s)
		}
	}
	return argv, nil
}

func typeError(tool, key, want string, got any) error {
	return errdefs.New(errdefs.KindArgumentType, "tool %q argument %q must be %s, got %T", tool, key, want, got)
}

// asInteger accepts the integer shapes produced by YAML and the interpreter.
func asInteger(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	case float64:
		n := int64(v)
		if float64(n) != v {
			return 0, fmt.Errorf("not integral: %v", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("not an integer: %T", value)
	}
}

func asStringSlice(value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %d is %T", i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not an array: %T", value)
	}
}

// Tool converts the definition into the registry's tool descriptor. Recipe
// names are sorted so the callable list is stable.
func (d *CLIDefinition) Tool() types.Tool {
	recipeNames := make([]string, 0, len(d.Recipes))
	for name := range d.Recipes {
		recipeNames = append(recipeNames, name)
	}
	sort.Strings(recipeNames)

	callables := make([]types.ToolCallable, 0, len(recipeNames))
	for _, recipeName := range recipeNames {
		recipe := d.Recipes[recipeName]
		paramNames := make([]string, 0, len(recipe.Params))
		for name := range recipe.Params {
			paramNames = append(paramNames, name)
		}
		sort.Strings(paramNames)

		params := make([]types.ToolParameter, 0, len(paramNames))
		for _, paramName := range paramNames {
			param := recipe.Params[paramName]
			p := types.ToolParameter{
				Name: paramName,
				Type: paramTypeOf(d.keyType(paramName)),
			}
			if param.HasDefault {
				p.Default = param.Default
			} else {
				p.Required = d.positionalRequired(paramName)
			}
			if spec, ok := d.Schema.Options.Get(paramName); ok {
				p.Description = spec.Description
			}
			params = append(params, p)
		}
		callables = append(callables, types.ToolCallable{
			Name:        recipeName,
			Description: recipe.Description,
			Parameters:  params,
		})
	}

	return types.Tool{
		Name:        d.Name,
		Description: d.Description,
		Tags:        d.Tags,
		Callables:   callables,
	}
}

func (d *CLIDefinition) positionalRequired(name string) bool {
	for _, pos := range d.Schema.Positional {
		if pos.Name == name {
			return pos.Required
		}
	}
	return false
}

func paramTypeOf(schemaType string) types.ParamType {
	switch schemaType {
	case "boolean":
		return types.ParamBoolean
	case "integer":
		return types.ParamInteger
	case "array":
		return types.ParamArray
	default:
		return types.ParamString
	}
}
