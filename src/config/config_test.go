package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	c := NewDefaultConfig()

	assert.NotEmpty(t, c.NodeID)
	assert.Equal(t, DefaultPollInterval, c.PollInterval)
	assert.Equal(t, DefaultCommandTimeout, c.CommandTimeout)
	assert.Equal(t, DefaultCleanupSchedule, c.CleanupSchedule)
	assert.False(t, c.IsValidator())
}

func TestSetDataDir(t *testing.T) {
	c := NewDefaultConfig()
	c.SetDataDir("/tmp/strand-test")

	assert.Equal(t, "/tmp/strand-test", c.DataDir)
	assert.Equal(t, filepath.Join("/tmp/strand-test", DefaultBadgerFile), c.DatabaseDir)
	assert.Equal(t, filepath.Join("/tmp/strand-test", DefaultDownloadFolder), c.DownloadDir)

	// An explicitly set database dir is left alone.
	c2 := NewDefaultConfig()
	c2.DatabaseDir = "/var/lib/strand/db"
	c2.SetDataDir("/tmp/strand-test")
	assert.Equal(t, "/var/lib/strand/db", c2.DatabaseDir)
}

func TestIsValidator(t *testing.T) {
	c := NewDefaultConfig()
	c.Authorities = []string{"v-1", c.NodeID}

	assert.True(t, c.IsValidator())

	c.Authorities = []string{"v-1"}
	assert.False(t, c.IsValidator())
}
