package hijack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable(t *testing.T) {
	tbl := New[func(int) int]()
	require.NoError(t, tbl.Register("double", func(x int) int { return 2 * x }, nil))
	require.NoError(t, tbl.Register("negate", func(x int) int { return -x }, func(s any) bool {
		return s == "sdxl"
	}))
	require.Error(t, tbl.Register("double", func(x int) int { return x }, nil))

	f, ok := tbl.Lookup("double", nil)
	require.True(t, ok)
	assert.Equal(t, 6, f(3))

	_, ok = tbl.Lookup("negate", "sd15")
	assert.False(t, ok, "predicate rejects the subject")
	f, ok = tbl.Lookup("negate", "sdxl")
	require.True(t, ok)
	assert.Equal(t, -3, f(3))

	_, ok = tbl.Lookup("missing", nil)
	assert.False(t, ok)

	assert.Equal(t, []string{"double", "negate"}, tbl.Names())
	tbl.Unregister("double")
	assert.Equal(t, 1, tbl.Len())
}
