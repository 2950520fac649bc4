// Package testutil contains fixtures for tests that publish and retrieve content.
//
// "greeting" is a single file called "greeting" that contains "hello, world\n".
package testutil

import (
	"os"
	"path/filepath"

	"github.com/stretchr/testify/require"
)

const (
	GreetingFileContents = "hello, world\n"
	GreetingFileName     = "greeting"
)

// CreateGreeting writes the greeting file into dir, creating dir if necessary, and returns its
// path.
func CreateGreeting(t require.TestingT, dir string) string {
	require.NoError(t, os.MkdirAll(dir, 0o750))
	path := filepath.Join(dir, GreetingFileName)
	require.NoError(t, os.WriteFile(path, []byte(GreetingFileContents), 0o640))
	return path
}
