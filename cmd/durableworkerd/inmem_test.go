package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/durableflow/telemetry"
)

func TestRunInmemCompletesDemoWorkflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := runInmem(ctx, telemetry.NewNoopLogger())
	require.NoError(t, err)
}
