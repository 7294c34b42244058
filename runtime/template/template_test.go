package template

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/weftworks/loom/runtime/state"
)

func TestResolve(t *testing.T) {
	r := NewResolver()
	ctx := map[string]any{
		"name":    "Ada",
		"count":   3,
		"ratio":   0.5,
		"task.id": "t-1",
		"":        "empty",
		"bad key": "space",
	}

	cases := []struct {
		name string
		tmpl string
		want string
	}{
		{"empty", "", ""},
		{"no placeholders", "plain text", "plain text"},
		{"single", "hello {name}", "hello Ada"},
		{"multiple", "{name} has {count}", "Ada has 3"},
		{"non-string value", "ratio={ratio}", "ratio=0.5"},
		{"dotted key", "id={task.id}", "id=t-1"},
		{"missing key stays literal", "hi {unknown}", "hi {unknown}"},
		{"empty key stays literal", "x{}", "x{}"},
		{"invalid key stays literal", "x{bad key}", "x{bad key}"},
		{"unclosed brace", "tail {name", "tail {name"},
		{"adjacent", "{name}{count}", "Ada3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.Resolve(tc.tmpl, ctx))
		})
	}
}

func TestResolveDoesNotRecurse(t *testing.T) {
	r := NewResolver()
	got := r.Resolve("{a}", map[string]any{"a": "{b}", "b": "deep"})
	assert.Equal(t, "{b}", got)
}

func TestNodePrompt(t *testing.T) {
	r := NewResolver()
	ctx := map[string]any{"topic": "graphs"}

	t.Run("node prompt resolved", func(t *testing.T) {
		got := NodePrompt(r, "n1", "write about {topic}", ctx)
		assert.Equal(t, "write about graphs", got)
	})

	t.Run("override wins", func(t *testing.T) {
		ctx := map[string]any{
			"topic":                        "graphs",
			state.PromptOverrideKey("n1"): "revise the {topic} section",
		}
		got := NodePrompt(r, "n1", "write about {topic}", ctx)
		assert.Equal(t, "revise the graphs section", got)
	})

	t.Run("empty override ignored", func(t *testing.T) {
		ctx := map[string]any{
			"topic":                        "graphs",
			state.PromptOverrideKey("n1"): "",
		}
		got := NodePrompt(r, "n1", "write about {topic}", ctx)
		assert.Equal(t, "write about graphs", got)
	})

	t.Run("override scoped to node", func(t *testing.T) {
		ctx := map[string]any{
			state.PromptOverrideKey("other"): "irrelevant",
		}
		got := NodePrompt(r, "n1", "base", ctx)
		assert.Equal(t, "base", got)
	})
}
