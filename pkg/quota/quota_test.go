package quota

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "instance.log")
	data := ""
	for _, l := range lines {
		data += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestDetectNoQuotaPattern(t *testing.T) {
	path := writeLog(t, "starting up", "doing work", "done")
	d := New(3600, 10)

	_, ok := d.Detect(path)
	assert.False(t, ok)
}

func TestDetectQuotaPattern(t *testing.T) {
	path := writeLog(t, "starting up", "Error: quota exceeded for this billing period")
	d := New(3600, 10)

	seconds, ok := d.Detect(path)
	require.True(t, ok)
	assert.Greater(t, seconds, 0)
}

func TestDetectRetryAfterHint(t *testing.T) {
	path := writeLog(t, "rate limit hit, retry-after: 45 seconds")
	d := New(3600, 10)

	seconds, ok := d.Detect(path)
	require.True(t, ok)
	assert.Equal(t, 45, seconds)
}

func TestDetectMissingFile(t *testing.T) {
	d := New(3600, 10)
	_, ok := d.Detect("/nonexistent/path.log")
	assert.False(t, ok)
}
