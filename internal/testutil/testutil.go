package testutil

import (
	"math/rand"
	"os"
	"path/filepath"

	"github.com/stretchr/testify/require"
)

// RandomFile writes n pseudo-random bytes derived from seed to dir/name, and returns the path and
// the bytes written.
func RandomFile(t require.TestingT, dir, name string, n int, seed int64) (string, []byte) {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, b, 0o640))
	return path, b
}
