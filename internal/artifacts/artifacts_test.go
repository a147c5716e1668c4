package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/accessreview/internal/config"
)

func TestLocal_RoundTrip(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, l.Put(ctx, "cycle/report.csv", []byte("a,b\n"), "text/csv"))
	data, err := l.Get(ctx, "cycle/report.csv")
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(data))

	require.NoError(t, l.Delete(ctx, "cycle/report.csv"))
	_, err = l.Get(ctx, "cycle/report.csv")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, l.Delete(ctx, "cycle/report.csv"), "deleting twice is not an error")
}

func TestLocal_KeysStayInsideRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	l, err := NewLocal(filepath.Join(root, "reports"))
	require.NoError(t, err)

	require.NoError(t, l.Put(ctx, "../../escape.txt", []byte("x"), "text/plain"))

	_, err = os.Stat(filepath.Join(root, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "reports", "escape.txt"))
	assert.NoError(t, err)
}

func TestNew_SelectsBackend(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, config.ReportsConfig{Storage: "local", LocalDir: t.TempDir()}, config.AWSConfig{}, config.AzureConfig{}, config.GCPConfig{})
	require.NoError(t, err)
	assert.Equal(t, "local", store.Backend())

	_, err = New(ctx, config.ReportsConfig{Storage: "ftp"}, config.AWSConfig{}, config.AzureConfig{}, config.GCPConfig{})
	assert.Error(t, err)

	_, err = New(ctx, config.ReportsConfig{Storage: "s3"}, config.AWSConfig{}, config.AzureConfig{}, config.GCPConfig{})
	assert.Error(t, err, "missing bucket")
}

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "a/b.pdf", joinKey("", "a/b.pdf"))
	assert.Equal(t, "reports/a/b.pdf", joinKey("reports/", "/a/b.pdf"))
}
