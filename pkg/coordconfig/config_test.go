package coordconfig_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/srg/blegate/pkg/coordconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAppliesTags(t *testing.T) {
	c := coordconfig.Default()
	assert.Equal(t, 10*time.Second, c.DiscoveryTimeout)
	assert.Equal(t, 5*time.Second, c.DescriptorReadTimeout)
	assert.Equal(t, 64, c.ControlQueueCapacity)
	assert.Equal(t, 256, c.NotificationQueueCapacity)
}

func TestLoadOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coord.yaml")
	require.NoError(t, os.WriteFile(path, []byte("discovery_timeout: 30s\n"), 0o600))

	c, err := coordconfig.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, c.DiscoveryTimeout)
	assert.Equal(t, 5*time.Second, c.DescriptorReadTimeout, "unspecified fields keep their default")
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := coordconfig.Load("/nonexistent/coord.yaml")
	assert.Error(t, err)
}
