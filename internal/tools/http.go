package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/types"
)

// HTTPEndpoint describes one remote operation of an HTTP tool.
type HTTPEndpoint struct {
	Method      string `yaml:"method"`
	Path        string `yaml:"path"`
	Description string `yaml:"description"`
}

// HTTPConfig describes an HTTP tool: a base URL plus named endpoints.
type HTTPConfig struct {
	Name        string                  `yaml:"name"`
	Description string                  `yaml:"description"`
	BaseURL     string                  `yaml:"base_url"`
	Timeout     float64                 `yaml:"timeout"`
	Tags        []string                `yaml:"tags"`
	Headers     map[string]string       `yaml:"headers"`
	Endpoints   map[string]HTTPEndpoint `yaml:"endpoints"`
}

// HTTPAdapter invokes remote endpoints. Path parameters come from keyword
// args; the optional "query_params" arg passes a query mapping. Response
// bodies are JSON-decoded when possible, otherwise returned as strings.
type HTTPAdapter struct {
	cfg    HTTPConfig
	client *resty.Client
	log    *logging.Logger
}

// NewHTTPAdapter builds an adapter for one HTTP tool config.
func NewHTTPAdapter(cfg HTTPConfig, log *logging.Logger) (*HTTPAdapter, error) {
	if cfg.Name == "" || cfg.BaseURL == "" {
		return nil, errdefs.New(errdefs.KindSchemaError, "http tool requires name and base_url")
	}
	if len(cfg.Endpoints) == 0 {
		return nil, errdefs.New(errdefs.KindSchemaError, "http tool %q defines no endpoints", cfg.Name)
	}
	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout * float64(time.Second))
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout)
	for key, value := range cfg.Headers {
		client.SetHeader(key, value)
	}
	return &HTTPAdapter{cfg: cfg, client: client, log: log.Named("tools.http")}, nil
}

// ListTools returns the single tool with one callable per endpoint.
func (a *HTTPAdapter) ListTools() []types.Tool {
	names := make([]string, 0, len(a.cfg.Endpoints))
	for name := range a.cfg.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	callables := make([]types.ToolCallable, 0, len(names))
	for _, name := range names {
		endpoint := a.cfg.Endpoints[name]
		var params []types.ToolParameter
		for _, paramName := range pathParams(endpoint.Path) {
			params = append(params, types.ToolParameter{
				Name: paramName, Type: types.ParamString, Required: true,
			})
		}
		callables = append(callables, types.ToolCallable{
			Name:        name,
			Description: endpoint.Description,
			Parameters:  params,
		})
	}
	return []types.Tool{{
		Name:        a.cfg.Name,
		Description: a.cfg.Description,
		Tags:        a.cfg.Tags,
		Callables:   callables,
	}}
}

// Call resolves the endpoint, substitutes path parameters, and issues the
// request.
func (a *HTTPAdapter) Call(ctx context.Context, tool, recipe string, args map[string]any) (any, error) {
	if recipe == "" {
		return nil, errdefs.New(errdefs.KindInvalidRequest, "http tool %q requires an endpoint name", tool)
	}
	endpoint, ok := a.cfg.Endpoints[recipe]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "http tool %q has no endpoint %q", tool, recipe)
	}

	remaining := make(map[string]any, len(args))
	for key, value := range args {
		remaining[key] = value
	}

	path := endpoint.Path
	for _, param := range pathParams(endpoint.Path) {
		value, ok := remaining[param]
		if !ok {
			return nil, errdefs.New(errdefs.KindMissingArgument, "endpoint %q requires path parameter %q", recipe, param)
		}
		path = strings.ReplaceAll(path, "{"+param+"}", fmt.Sprintf("%v", value))
		delete(remaining, param)
	}

	req := a.client.R().SetContext(ctx)
	if qp, ok := remaining["query_params"]; ok {
		mapping, ok := qp.(map[string]any)
		if !ok {
			return nil, errdefs.New(errdefs.KindArgumentType, "query_params must be a mapping, got %T", qp)
		}
		for key, value := range mapping {
			req.SetQueryParam(key, fmt.Sprintf("%v", value))
		}
		delete(remaining, "query_params")
	}

	method := strings.ToUpper(endpoint.Method)
	if method == "" {
		method = "GET"
	}
	if len(remaining) > 0 {
		if method == "GET" || method == "DELETE" {
			for key, value := range remaining {
				req.SetQueryParam(key, fmt.Sprintf("%v", value))
			}
		} else {
			req.SetHeader("Content-Type", "application/json")
			req.SetBody(remaining)
		}
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindToolExecution, err, "calling %s.%s", tool, recipe)
	}
	a.log.Debug("http endpoint called",
		zap.String("tool", tool), zap.String("endpoint", recipe), zap.Int("status", resp.StatusCode()))
	if resp.IsError() {
		return nil, errdefs.New(errdefs.KindToolExecution,
			"%s.%s returned %d: %s", tool, recipe, resp.StatusCode(), tail(string(resp.Body())))
	}

	body := resp.Body()
	var decoded any
	if json.Unmarshal(body, &decoded) == nil {
		return decoded, nil
	}
	return string(body), nil
}

// Close is a no-op; resty pools its connections internally.
func (a *HTTPAdapter) Close() error { return nil }

func pathParams(path string) []string {
	var params []string
	rest := path
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			return params
		}
		closing := strings.Index(rest[open:], "}")
		if closing < 0 {
			return params
		}
		params = append(params, rest[open+1:open+closing])
		rest = rest[open+closing+1:]
	}
}
