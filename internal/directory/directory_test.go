package directory

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemDirectoryRegisterListDeregister(t *testing.T) {
	dir, err := NewFilesystemDirectory(t.TempDir())
	require.NoError(t, err)
	defer dir.Close()

	require.NoError(t, dir.Register("host-a:9001", "http://host-a:9001"))
	require.NoError(t, dir.Register("host-b:9002", "http://host-b:9002"))

	urls, err := dir.List()
	require.NoError(t, err)
	sort.Strings(urls)
	assert.Equal(t, []string{"http://host-a:9001", "http://host-b:9002"}, urls)

	require.NoError(t, dir.Deregister("host-a:9001"))
	urls, err = dir.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://host-b:9002"}, urls)
}

func TestFilesystemDirectoryDeregisterMissingIsNoop(t *testing.T) {
	dir, err := NewFilesystemDirectory(t.TempDir())
	require.NoError(t, err)
	defer dir.Close()

	assert.NoError(t, dir.Deregister("never-registered:1"))
}

func TestFilesystemDirectoryIgnoresNonPeerFiles(t *testing.T) {
	path := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(path, "README.md"), []byte("not a peer"), 0o644))

	dir, err := NewFilesystemDirectory(path)
	require.NoError(t, err)
	defer dir.Close()

	urls, err := dir.List()
	require.NoError(t, err)
	assert.Empty(t, urls)
}

func TestBoltDirectoryRegisterListDeregister(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.bolt")
	dir, err := NewBoltDirectory(path)
	require.NoError(t, err)
	defer dir.Close()

	require.NoError(t, dir.Register("host-a:9001", "http://host-a:9001"))
	urls, err := dir.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://host-a:9001"}, urls)

	require.NoError(t, dir.Deregister("host-a:9001"))
	urls, err = dir.List()
	require.NoError(t, err)
	assert.Empty(t, urls)
}

func TestStaticDirectorySeedsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	contents := "peers:\n  host-a:9001: http://host-a:9001\n  host-b:9002: http://host-b:9002\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	dir, err := NewStaticDirectory(path)
	require.NoError(t, err)
	defer dir.Close()

	urls, err := dir.List()
	require.NoError(t, err)
	sort.Strings(urls)
	assert.Equal(t, []string{"http://host-a:9001", "http://host-b:9002"}, urls)
}

func TestStaticDirectoryRegisterIsInMemoryOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("peers: {}\n"), 0o644))

	dir, err := NewStaticDirectory(path)
	require.NoError(t, err)
	defer dir.Close()

	require.NoError(t, dir.Register("host-c:9003", "http://host-c:9003"))
	urls, err := dir.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://host-c:9003"}, urls)

	require.NoError(t, dir.Deregister("host-c:9003"))
	urls, err = dir.List()
	require.NoError(t, err)
	assert.Empty(t, urls)
}
