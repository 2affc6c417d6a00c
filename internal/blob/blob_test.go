package blob

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	path, err := s.Put("sync-1", "https://cs.example.edu/6824", []byte("<html>lab 1</html>"), PutOptions{})
	require.NoError(t, err)
	require.Regexp(t, `^sync-1/[0-9a-f]{32}\.html$`, path)

	got, err := s.Get(path)
	require.NoError(t, err)
	require.Equal(t, []byte("<html>lab 1</html>"), got)
}

func TestPutIsUpsert(t *testing.T) {
	s := openTestStore(t)

	first, err := s.Put("sync-1", "https://cs.example.edu/6824", []byte("v1"), PutOptions{})
	require.NoError(t, err)
	second, err := s.Put("sync-1", "https://cs.example.edu/6824", []byte("v2"), PutOptions{})
	require.NoError(t, err)

	require.Equal(t, first, second, "same (namespace, url) must map to the same path")

	got, err := s.Get(first)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func TestNamespaceIsolation(t *testing.T) {
	s := openTestStore(t)

	a, err := s.Put("sync-1", "https://cs.example.edu/6824", []byte("a"), PutOptions{})
	require.NoError(t, err)
	b, err := s.Put("sync-2", "https://cs.example.edu/6824", []byte("b"), PutOptions{})
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	got, err := s.Get(a)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), got)
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("sync-1/deadbeefdeadbeefdeadbeefdeadbeef.html")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRequiresExistingPath(t *testing.T) {
	s := openTestStore(t)

	err := s.Update("sync-1/deadbeefdeadbeefdeadbeefdeadbeef.html", []byte("x"))
	require.ErrorIs(t, err, ErrNotFound)

	path, err := s.Put("sync-1", "https://cs.example.edu/6824", []byte("v1"), PutOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Update(path, []byte("v2")))

	got, err := s.Get(path)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func TestStatDefaultsContentType(t *testing.T) {
	s := openTestStore(t)

	path, err := s.Put("sync-1", "https://cs.example.edu/6824", []byte("<html/>"), PutOptions{CacheControl: "3600"})
	require.NoError(t, err)

	meta, err := s.Stat(path)
	require.NoError(t, err)
	require.Equal(t, "text/html", meta.ContentType)
	require.Equal(t, "3600", meta.CacheControl)
	require.Equal(t, int64(7), meta.Size)
}
