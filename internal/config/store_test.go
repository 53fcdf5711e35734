package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "infrasonar.yaml")
	return New(path, zap.NewNop()), path
}

func TestBootstrapCreatesFileWithHeaderOnly(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, s.Bootstrap())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, HeaderFile, string(data))

	// A second Bootstrap call must be a no-op, not overwrite the file.
	require.NoError(t, os.WriteFile(path, []byte(HeaderFile+"extra: 1\n"), 0640))
	require.NoError(t, s.Bootstrap())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "extra: 1")
}

func TestReadIfChangedEncryptsThenDecryptsPasswordsTransparently(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, s.Bootstrap())
	require.NoError(t, os.WriteFile(path, []byte("myprobe:\n  config:\n    username: alice\n    password: hunter2\n"), 0640))

	require.NoError(t, s.ReadIfChanged())

	resolved := s.Resolve("myprobe", 1, "")
	assert.Equal(t, "hunter2", resolved["password"])

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2", "plaintext password must not remain on disk after a reload")
}

func TestReadIfChangedSkipsUnchangedMtime(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, os.WriteFile(path, []byte("myprobe:\n  config:\n    username: alice\n"), 0640))
	require.NoError(t, s.ReadIfChanged())

	before := s.doc["myprobe"]
	require.NoError(t, s.ReadIfChanged())
	assert.Equal(t, before, s.doc["myprobe"])
}

func TestReadIfChangedReloadsOnMtimeChange(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, os.WriteFile(path, []byte("myprobe:\n  config:\n    username: alice\n"), 0640))
	require.NoError(t, s.ReadIfChanged())

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("myprobe:\n  config:\n    username: bob\n"), 0640))
	require.NoError(t, s.ReadIfChanged())

	resolved := s.Resolve("myprobe", 1, "")
	assert.Equal(t, "bob", resolved["username"])
}

func TestResolveUseLabelTakesPriorityOverNumericID(t *testing.T) {
	s, path := newTestStore(t)
	doc := `myprobe:
  assets:
  - id: 5
    use: production
    config:
      env: prod
  - id: 5
    config:
      env: should-not-win
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0640))
	require.NoError(t, s.ReadIfChanged())

	resolved := s.Resolve("myprobe", 5, "production")
	assert.Equal(t, "prod", resolved["env"])
}

func TestResolveFallsBackToProbeLevelConfig(t *testing.T) {
	s, path := newTestStore(t)
	doc := `myprobe:
  config:
    region: eu
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0640))
	require.NoError(t, s.ReadIfChanged())

	resolved := s.Resolve("myprobe", 999, "")
	assert.Equal(t, "eu", resolved["region"])
}

func TestResolveUnknownProbeReturnsEmptyMap(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, os.WriteFile(path, []byte("other:\n  config: {}\n"), 0640))
	require.NoError(t, s.ReadIfChanged())

	resolved := s.Resolve("myprobe", 1, "")
	assert.Empty(t, resolved)
}
