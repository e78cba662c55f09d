package sliceops

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSwapBuf(t *testing.T) {
	in := []byte{1, 2, 3, 4, 5}
	require.Equal(t, []byte{5, 4, 3, 2, 1}, SwapBuf(in))
	require.Equal(t, []byte{1, 2, 3, 4, 5}, in)
	require.Equal(t, []byte{2, 1}, SwapBuf([]byte{1, 2}))
	require.Empty(t, SwapBuf(nil))
}

func TestUint24(t *testing.T) {
	require.Equal(t, uint32(0x5a020c), Uint24([]byte{0x0c, 0x02, 0x5a}))
}
