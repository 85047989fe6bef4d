package config

import (
	"flag"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("wkit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return Parse(fs, args)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := parse(t)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, "Mozilla", cfg.UserAgent)
	assert.False(t, cfg.InjectCookies)
	assert.True(t, cfg.Headless)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := parse(t,
		"--port", "9000",
		"--timeout", "30s",
		"--inject-cookies",
		"--proxy", "http://127.0.0.1:3128",
		"--max-retries", "50",
		"--log-level", "debug",
	)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9000", cfg.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.True(t, cfg.InjectCookies)
	assert.Equal(t, "http://127.0.0.1:3128", cfg.Proxy)
	assert.Equal(t, 10, cfg.MaxRetries)
	assert.Equal(t, "debug", cfg.Logging().Level)
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := parse(t, "--log-level", "chatty")
	assert.Error(t, err)

	_, err = parse(t, "--control-url", "ws://127.0.0.1:9222/devtools/browser/x", "--proxy", "http://p:1")
	assert.Error(t, err)

	_, err = parse(t, "--no-such-flag")
	assert.Error(t, err)
}

func TestTimeoutCappedByMaxJobTimeout(t *testing.T) {
	cfg, err := parse(t, "--timeout", "1h")
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxJobTimeout, cfg.Timeout)
}

func TestParseEnvironment(t *testing.T) {
	t.Setenv("WKIT_PORT", "9100")
	t.Setenv("WKIT_INJECT_COOKIES", "true")
	t.Setenv("WKIT_TIMEOUT", "20s")
	t.Setenv("WKIT_LOG_FILE", "/tmp/wkit.log")

	cfg, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.True(t, cfg.InjectCookies)
	assert.Equal(t, 20*time.Second, cfg.Timeout)
	assert.Equal(t, "/tmp/wkit.log", cfg.Logging().File)

	cfg, err = parse(t, "--port", "9200", "--timeout", "5s")
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
}

func TestParseRejectsInvalidEnvironment(t *testing.T) {
	t.Setenv("WKIT_PORT", "eighty")

	_, err := parse(t)
	assert.Error(t, err)
}

func TestParseAccessLists(t *testing.T) {
	t.Setenv("WKIT_API_KEYS", "a,b")
	t.Setenv("WKIT_ALLOWED_IPS", "127.0.0.1")

	cfg, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cfg.APIKeys)
	assert.Equal(t, []string{"127.0.0.1"}, cfg.AllowedIPs)

	cfg, err = parse(t, "--api-key", "c", "--api-key", "d, e", "--allow-ip", "10.0.0.0/8")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "e"}, cfg.APIKeys)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.AllowedIPs)
}
