package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), false, "presence")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
