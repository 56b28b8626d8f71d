package filemeta

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "testfile.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDescribeAndVerify(t *testing.T) {
	path := writeFile(t, "hello")

	info, err := Describe(path, "alice", "greeting")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", info.SHA256)

	enc, err := Encode(info)
	require.NoError(t, err)

	dec, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, "alice", dec.Sender)
	assert.Equal(t, "greeting", dec.Note)
	assert.Equal(t, info.SHA256, dec.SHA256)
	assert.Equal(t, info.Size, dec.Size)
	assert.True(t, info.ModTime.Equal(dec.ModTime), "mod time %v != %v", info.ModTime, dec.ModTime)

	require.NoError(t, Verify(path, dec))

	require.NoError(t, os.WriteFile(path, []byte("jello"), 0o644))
	assert.ErrorIs(t, Verify(path, dec), ErrDigestMismatch)
}

func TestVerifyWithoutDigest(t *testing.T) {
	assert.NoError(t, Verify(filepath.Join(t.TempDir(), "missing"), Info{}))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0x0a, 0xff})
	assert.Error(t, err)
}

func TestEncodeRejectsOutOfRangeTime(t *testing.T) {
	_, err := Encode(Info{ModTime: time.Date(20000, 1, 1, 0, 0, 0, 0, time.UTC)})
	assert.Error(t, err)
}
