// Package template resolves brace-wrapped placeholders in node prompts and
// action payloads against the execution context. Unresolved placeholders stay
// literal so downstream consumers can detect missing bindings.
package template

import (
	"fmt"
	"strings"

	"github.com/weftworks/loom/runtime/state"
)

// Resolver substitutes {var} placeholders with context values.
type Resolver interface {
	// Resolve replaces every {key} whose key exists in execContext with the
	// stringified value. Placeholders without a matching key remain literal.
	Resolve(template string, execContext map[string]any) string
}

// BraceResolver is the default Resolver implementation.
type BraceResolver struct{}

// NewResolver returns the default brace resolver.
func NewResolver() Resolver { return BraceResolver{} }

// Resolve implements Resolver. Values are rendered with fmt.Sprintf("%v")
// except strings, which pass through unchanged.
func (BraceResolver) Resolve(tmpl string, execContext map[string]any) string {
	if tmpl == "" || !strings.ContainsRune(tmpl, '{') {
		return tmpl
	}
	var b strings.Builder
	b.Grow(len(tmpl))
	for i := 0; i < len(tmpl); {
		open := strings.IndexByte(tmpl[i:], '{')
		if open < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		open += i
		closing := strings.IndexByte(tmpl[open:], '}')
		if closing < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		closing += open
		b.WriteString(tmpl[i:open])
		key := tmpl[open+1 : closing]
		if v, ok := execContext[key]; ok && validKey(key) {
			b.WriteString(stringify(v))
		} else {
			b.WriteString(tmpl[open : closing+1])
		}
		i = closing + 1
	}
	return b.String()
}

// NodePrompt returns the effective prompt for a node: a prompt override
// stashed under the node's reserved context key takes precedence over the
// node's own prompt. The winning template is resolved against the context.
func NodePrompt(r Resolver, nodeID, prompt string, execContext map[string]any) string {
	if override, ok := execContext[state.PromptOverrideKey(nodeID)]; ok {
		if s, ok := override.(string); ok && s != "" {
			return r.Resolve(s, execContext)
		}
	}
	return r.Resolve(prompt, execContext)
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
