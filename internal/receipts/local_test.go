package receipts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocalRequiresBaseDir(t *testing.T) {
	_, err := NewLocal(LocalConfig{})
	require.Error(t, err)
}

func TestNewLocalCreatesMissingBaseDir(t *testing.T) {
	base := filepath.Join(t.TempDir(), "receipts")
	_, err := NewLocal(LocalConfig{BaseDir: base})
	require.NoError(t, err)

	info, err := os.Stat(base)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLocalPutReceiptWritesFile(t *testing.T) {
	base := t.TempDir()
	store, err := NewLocal(LocalConfig{BaseDir: base})
	require.NoError(t, err)

	uri, err := store.PutReceipt(context.Background(), "cust-1/task-42/response.html", "text/html", []byte("<html>ok</html>"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "file://"), "uri %q should be a file URI", uri)

	body, err := os.ReadFile(filepath.Join(base, "cust-1", "task-42", "response.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", string(body))
}

func TestLocalPutReceiptRejectsEmptyPath(t *testing.T) {
	store, err := NewLocal(LocalConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutReceipt(context.Background(), "  ", "text/html", []byte("x"))
	require.Error(t, err)
}

func TestLocalPutReceiptRejectsTraversal(t *testing.T) {
	store, err := NewLocal(LocalConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutReceipt(context.Background(), "../outside.html", "text/html", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "traversal")
}
