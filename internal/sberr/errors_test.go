package sberr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotFoundMessageHidesDistinction(t *testing.T) {
	unknown := NotFound("3f9e1c2a-0000-0000-0000-000000000000")
	malformed := NotFound("not-a-uuid")

	assert.Equal(t, unknown.Error(), malformed.Error())
	assert.Equal(t, "Sandbox not found or invalid ID", unknown.Error())
}

func TestRPCRendersCodeAndMessage(t *testing.T) {
	err := RPC(-1, "response timeout")
	assert.Equal(t, "rpc error -1: response timeout", err.Error())
}

func TestKindOfUnwraps(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ResourceLimit(100))
	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindResourceLimit, kind)
}

func TestIsMatchesByKindOnly(t *testing.T) {
	a := AgentUnreachable(10 * time.Second)
	b := AgentUnreachable(0)
	assert.True(t, errors.Is(a, b))
}
