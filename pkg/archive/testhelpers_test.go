package archive

import (
	"archive/zip"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeZip creates a zip at path with the given entries. Names ending in
// "/" become directory entries.
func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		if name[len(name)-1] != '/' {
			_, err = w.Write([]byte(body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}
