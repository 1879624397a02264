package gwmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsGloballyRoutableDoesNotPanicOffline(t *testing.T) {
	require.NotPanics(t, func() { IsGloballyRoutable() })
}

func TestNewOptionsDefaultsAutoRefresh(t *testing.T) {
	opts := NewOptions()
	require.True(t, opts.AutoRefresh)
}
