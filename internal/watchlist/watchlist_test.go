package watchlist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
default:
  - symbol: spy
users:
  alice:
    - symbol: AAPL
      name: Apple
    - symbol: nasdaq:msft
    - symbol: aapl
`

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchlist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	fs, err := NewFileSource(path)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := fs.Symbols(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "NASDAQ:MSFT"}, got)

	got, err = fs.Symbols(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"SPY"}, got)

	require.NoError(t, os.WriteFile(path, []byte("users:\n  bob:\n    - symbol: ibm\n"), 0o644))
	require.NoError(t, fs.Reload())
	got, _ = fs.Symbols(ctx, "bob")
	assert.Equal(t, []string{"IBM"}, got)
	got, _ = fs.Symbols(ctx, "carol")
	assert.Empty(t, got)
}

func TestFileSource_Errors(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users: [oops"), 0o644))
	_, err = NewFileSource(path)
	assert.Error(t, err)
}

func TestRedisSource(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	_, err := mr.SAdd("wl:alice", "tsla", "AAPL", "aapl ")
	require.NoError(t, err)

	rs := NewRedisSource(rdb, "wl:")
	got, err := rs.Symbols(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "TSLA"}, got)

	got, err = rs.Symbols(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)

	mr.Close()
	_, err = rs.Symbols(context.Background(), "alice")
	assert.Error(t, err)
}
