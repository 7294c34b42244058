package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithIDRoundTrip(t *testing.T) {
	ctx := WithID(context.Background(), "acme")
	assert.Equal(t, "acme", ID(ctx))

	id, ok := MustID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "acme", id)
}

func TestMissingTenant(t *testing.T) {
	assert.Empty(t, ID(context.Background()))

	_, ok := MustID(context.Background())
	assert.False(t, ok)

	_, ok = MustID(WithID(context.Background(), ""))
	assert.False(t, ok, "empty tenant id counts as missing")
}

func TestNestedOverride(t *testing.T) {
	ctx := WithID(context.Background(), "outer")
	inner := WithID(ctx, "inner")
	assert.Equal(t, "inner", ID(inner))
	assert.Equal(t, "outer", ID(ctx))
}
