package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	require.Nil(t, tel.MeterProvider)
	require.NotNil(t, tel.Meter)
	require.NotNil(t, tel.Tracer)
	require.NoError(t, shutdown(context.Background()))
}

func TestNew_EnabledWithoutServer(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "treetank-test"})
	require.NoError(t, err)

	counter, err := tel.Meter.Int64Counter("treetank.test")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	families, err := tel.Registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	// Dots survive and counters get a _total suffix.
	require.Contains(t, names, "treetank.test_total")
	require.NoError(t, shutdown(context.Background()))
}
