package hwwatchdog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type buffer struct {
	bytes.Buffer
	closed bool
}

func (b *buffer) Close() error {
	b.closed = true
	return nil
}

func TestFeedAndClose(t *testing.T) {
	buf := &buffer{}
	d := &Device{w: buf}
	require.NoError(t, d.Feed())
	require.NoError(t, d.Feed())
	require.NoError(t, d.Close())
	assert.Equal(t, []byte{0, 0, 'V'}, buf.Bytes())
	assert.True(t, buf.closed)
}

func TestBootStatus(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstatus")

	got, err := BootStatus(path)
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, os.WriteFile(path, []byte("32\n"), 0o644))
	got, err = BootStatus(path)
	require.NoError(t, err)
	assert.True(t, got)

	require.NoError(t, os.WriteFile(path, []byte("0\n"), 0o644))
	got, err = BootStatus(path)
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, os.WriteFile(path, []byte("bad"), 0o644))
	_, err = BootStatus(path)
	assert.Error(t, err)
}
