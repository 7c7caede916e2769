package routerwatchd

import (
	"testing"

	"github.com/TheCacophonyProject/go-config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcArgs(t *testing.T) {
	args, err := procArgs([]string{})
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfigDir, args.ConfigDir)
	assert.Equal(t, "info", args.LogLevel)

	args, err = procArgs([]string{"-c", "/tmp/conf", "--log-level", "debug"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/conf", args.ConfigDir)
	assert.Equal(t, "debug", args.LogLevel)
}
