package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesDatabaseAtPath(t *testing.T) {
	ws := t.TempDir()
	assert.Equal(t, filepath.Join(ws, ".grievline", "grievline.db"), Path(ws))

	conn, err := Open(Config{Workspace: ws})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Ping())

	_, err = os.Stat(Path(ws))
	assert.NoError(t, err)
}

func TestPathDefaultsToCurrentDirectory(t *testing.T) {
	assert.Equal(t, filepath.Join(".grievline", "grievline.db"), Path(""))
}
