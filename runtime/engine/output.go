package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// maxOutputBytes bounds a single node output. Larger outputs are rejected
// before they reach the context.
const maxOutputBytes = 1 << 20

// bidiOverrides are Unicode direction-override characters that can disguise
// content; outputs containing them are rejected.
var bidiOverrides = []rune{'‪', '‫', '‬', '‭', '‮', '⁦', '⁧', '⁨', '⁩'}

// validateOutput enforces the output contract for LLM-produced text: bounded
// size, no control characters beyond whitespace, no direction overrides.
func validateOutput(text string) error {
	if len(text) > maxOutputBytes {
		return fmt.Errorf("output of %d bytes exceeds the %d byte limit", len(text), maxOutputBytes)
	}
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return fmt.Errorf("output contains control character %U", r)
		}
	}
	for _, r := range bidiOverrides {
		if strings.ContainsRune(text, r) {
			return fmt.Errorf("output contains bidirectional override %U", r)
		}
	}
	return nil
}

// stringifyOutput renders a node output for context storage. Strings pass
// through; structured outputs render as JSON so output params stay liftable.
func stringifyOutput(output any) string {
	if s, ok := output.(string); ok {
		return s
	}
	if raw, err := json.Marshal(output); err == nil {
		return string(raw)
	}
	return fmt.Sprintf("%v", output)
}
