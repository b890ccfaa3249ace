package configuration

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
version: 0.1
log:
  level: debug
  formatter: json
  fields:
    service: filehub
http:
  addr: :5000
  prefix: /hub
  debug:
    addr: :5001
    prometheus:
      enabled: true
database:
  path: /var/lib/filehub/state.db
secrets:
  key: super-secret
copy:
  parallelism: 8
  overwriteexisting: true
`

func TestParseSampleDocument(t *testing.T) {
	config, err := Parse(strings.NewReader(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, CurrentVersion, config.Version)
	assert.Equal(t, Loglevel("debug"), config.Log.Level)
	assert.Equal(t, "json", config.Log.Formatter)
	assert.Equal(t, "filehub", config.Log.Fields["service"])
	assert.Equal(t, ":5000", config.HTTP.Addr)
	assert.Equal(t, "/hub", config.HTTP.Prefix)
	assert.True(t, config.HTTP.Debug.Prometheus.Enabled)
	assert.Equal(t, "/metrics", config.HTTP.Debug.Prometheus.Path)
	assert.Equal(t, "/var/lib/filehub/state.db", config.Database.Path)
	assert.Equal(t, "super-secret", config.Secrets.Key)
	assert.Equal(t, 8, config.Copy.Parallelism)
	assert.True(t, config.Copy.OverwriteExisting)
}

func TestParseAppliesDefaults(t *testing.T) {
	config, err := Parse(strings.NewReader("version: 0.1"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", config.HTTP.Addr)
	assert.Equal(t, "filehub.db", config.Database.Path)
	assert.Equal(t, 4, config.Copy.Parallelism)
	assert.Equal(t, 4, config.Jobs.Parallelism)
	assert.Equal(t, Loglevel("info"), config.Log.Level)
	assert.False(t, config.Copy.OverwriteExisting)
}

func TestParseRejectsUnknownVersion(t *testing.T) {
	_, err := Parse(strings.NewReader("version: 9.9"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unsupported version")
}

func TestParseRejectsInvalidLoglevel(t *testing.T) {
	_, err := Parse(strings.NewReader("version: 0.1\nlog:\n  level: loud"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid loglevel")
}

func TestLoglevelIsLowercased(t *testing.T) {
	config, err := Parse(strings.NewReader("version: 0.1\nlog:\n  level: DEBUG"))
	require.NoError(t, err)
	assert.Equal(t, Loglevel("debug"), config.Log.Level)
}

func TestEnvironmentOverridesScalars(t *testing.T) {
	environ := []string{
		"FILEHUB_HTTP_ADDR=:9999",
		"FILEHUB_DATABASE_PATH=/tmp/other.db",
		"FILEHUB_COPY_OVERWRITEEXISTING=true",
	}
	config, err := newParser("filehub", environ).parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9999", config.HTTP.Addr)
	assert.Equal(t, "/tmp/other.db", config.Database.Path)
	assert.True(t, config.Copy.OverwriteExisting)
	// Untouched values survive the overlay.
	assert.Equal(t, "/hub", config.HTTP.Prefix)
}

func TestEnvironmentOverridesNestedStruct(t *testing.T) {
	environ := []string{"FILEHUB_HTTP_DEBUG_PROMETHEUS_ENABLED=false"}
	config, err := newParser("filehub", environ).parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.False(t, config.HTTP.Debug.Prometheus.Enabled)
}

func TestParseViaEnvironment(t *testing.T) {
	t.Setenv("FILEHUB_LOG_LEVEL", "warn")
	config, err := Parse(strings.NewReader("version: 0.1"))
	require.NoError(t, err)
	assert.Equal(t, Loglevel("warn"), config.Log.Level)
}

func TestVersionComponents(t *testing.T) {
	v := MajorMinorVersion(2, 7)
	assert.Equal(t, uint(2), v.Major())
	assert.Equal(t, uint(7), v.Minor())
}
