//go:build linux

package sysmem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAvailable(t *testing.T) {
	free, err := Probe{}.Available()
	require.NoError(t, err)
	require.NotZero(t, free)
}
