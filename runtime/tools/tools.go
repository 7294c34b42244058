// Package tools provides the tenant-scoped tool registry used by the plan
// sub-engine. Tools are registered per tenant under a unique name with an
// optional JSON Schema describing their arguments; the executor validates
// arguments against the schema before invoking the tool.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Tool executes one plan step. Implementations must be safe for
	// concurrent use: concurrent executions of the same workflow may invoke
	// the same tool simultaneously.
	Tool interface {
		// Execute runs the tool with validated arguments and returns its
		// output.
		Execute(ctx context.Context, args map[string]any) (any, error)
	}

	// ToolFunc adapts a function to the Tool interface.
	ToolFunc func(ctx context.Context, args map[string]any) (any, error)

	// Definition describes a registered tool.
	Definition struct {
		// Name is the tool identifier, unique within a tenant.
		Name string
		// Description is surfaced to planner agents when composing dynamic
		// plans.
		Description string
		// InputSchema is an optional JSON Schema (draft 2020-12) for the
		// tool's arguments. When present, arguments are validated before
		// execution.
		InputSchema json.RawMessage

		tool     Tool
		compiled *jsonschema.Schema
	}

	// Registry stores tools per tenant. Registration and lookup are safe for
	// concurrent use. Tools registered under the empty tenant ID are shared
	// across all tenants; tenant-specific registrations shadow shared ones.
	Registry struct {
		mu  sync.RWMutex
		byT map[string]map[string]*Definition
	}
)

// Execute implements Tool.
func (f ToolFunc) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{byT: make(map[string]map[string]*Definition)}
}

// Register installs a tool for the tenant. The input schema, when present, is
// compiled eagerly so malformed schemas fail at registration rather than at
// step execution.
func (r *Registry) Register(tenantID string, def Definition, tool Tool) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool == nil {
		return fmt.Errorf("tool %q: implementation is required", def.Name)
	}
	def.tool = tool
	if len(def.InputSchema) > 0 {
		compiled, err := compileSchema(def.Name, def.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %q: %w", def.Name, err)
		}
		def.compiled = compiled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tenant, ok := r.byT[tenantID]
	if !ok {
		tenant = make(map[string]*Definition)
		r.byT[tenantID] = tenant
	}
	tenant[def.Name] = &def
	return nil
}

// Lookup returns the tool definition visible to the tenant: a tenant-specific
// registration first, then a shared one.
func (r *Registry) Lookup(tenantID, name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tenant, ok := r.byT[tenantID]; ok {
		if def, ok := tenant[name]; ok {
			return def, nil
		}
	}
	if tenantID != "" {
		if shared, ok := r.byT[""]; ok {
			if def, ok := shared[name]; ok {
				return def, nil
			}
		}
	}
	return nil, fmt.Errorf("tool %q is not registered for tenant %q", name, tenantID)
}

// List returns the definitions visible to the tenant, shared tools included.
// Tenant-specific registrations shadow shared ones of the same name.
func (r *Registry) List(tenantID string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]*Definition)
	if shared, ok := r.byT[""]; ok {
		for name, def := range shared {
			seen[name] = def
		}
	}
	if tenantID != "" {
		if tenant, ok := r.byT[tenantID]; ok {
			for name, def := range tenant {
				seen[name] = def
			}
		}
	}
	defs := make([]*Definition, 0, len(seen))
	for _, def := range seen {
		defs = append(defs, def)
	}
	return defs
}

// Execute validates args against the tool's schema and invokes it. Validation
// failures are returned without calling the tool.
func (r *Registry) Execute(ctx context.Context, tenantID, name string, args map[string]any) (any, error) {
	def, err := r.Lookup(tenantID, name)
	if err != nil {
		return nil, err
	}
	if def.compiled != nil {
		// Schema validation operates on generic JSON values, so normalize
		// the arguments through a marshal round trip first.
		normalized, err := normalize(args)
		if err != nil {
			return nil, fmt.Errorf("tool %q: normalize arguments: %w", name, err)
		}
		if err := def.compiled.Validate(normalized); err != nil {
			return nil, fmt.Errorf("tool %q: invalid arguments: %w", name, err)
		}
	}
	return def.tool.Execute(ctx, args)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := name + "/schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func normalize(args map[string]any) (any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
