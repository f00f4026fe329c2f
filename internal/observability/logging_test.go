package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextFieldsAccumulate(t *testing.T) {
	ctx := WithPhase(WithUnitKey(WithBuildID(context.Background(), "b1"), "/about"), "server")

	lc := GetContext(ctx)
	assert.Equal(t, "b1", lc.BuildID)
	assert.Equal(t, "/about", lc.UnitKey)
	assert.Equal(t, "server", lc.Phase)
	assert.Empty(t, lc.ClientID)
}

func TestDerivedContextDoesNotLeakIntoParent(t *testing.T) {
	base := WithBuildID(context.Background(), "b1")
	derived := WithClientID(base, "c1")

	assert.Empty(t, GetContext(base).ClientID)
	assert.Equal(t, "c1", GetContext(derived).ClientID)
	assert.Equal(t, "b1", GetContext(derived).BuildID, "derived contexts keep inherited fields")
}

func TestEmptyContext(t *testing.T) {
	assert.Equal(t, LogContext{}, GetContext(context.Background()))
}

func TestLogAttrsCarryOnlySetFields(t *testing.T) {
	ctx := WithUnitKey(WithBuildID(context.Background(), "b1"), "/a")

	attrs := getLogAttrs(ctx)
	require.Len(t, attrs, 2)
	assert.Equal(t, "build.id", attrs[0].Key)
	assert.Equal(t, "b1", attrs[0].Value.String())
	assert.Equal(t, "unit", attrs[1].Key)
}
