package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "public", "css"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "cmd", "wsbridge"), 0o755))

	cases := []struct {
		name string
		find string
		dir  string
		exp  string
	}{
		{name: "in dir", find: "public", dir: root, exp: filepath.Join(root, "public")},
		{name: "in parent", find: "public", dir: filepath.Join(root, "cmd", "wsbridge"), exp: filepath.Join(root, "public")},
		{name: "nested name", find: filepath.Join("public", "css"), dir: filepath.Join(root, "cmd"), exp: filepath.Join(root, "public", "css")},
		{name: "missing", find: "definitely-not-here-7f3a", dir: filepath.Join(root, "cmd"), exp: ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			found, err := FindUp(c.find, c.dir)
			require.NoError(t, err)
			assert.Equal(t, c.exp, found)
		})
	}
}
