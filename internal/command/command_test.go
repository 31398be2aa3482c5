package command

import (
	"bytes"
	"github.com/adminpanel/relay/internal/monitor"
	"github.com/adminpanel/relay/internal/prober"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestServeConfigLayering(t *testing.T) {
	t.Setenv("RELAY_SWEEP_INTERVAL", "3s")
	t.Setenv("RELAY_MAX_CONCURRENT_PROBES", "16")

	configPath := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("static-dir: /srv/dashboard\nprober: icmp\n"), 0o600))

	cmd := newServeCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--max-concurrent-probes=32", "--listen=127.0.0.1:4000"}))

	v, err := loadConfig(cmd.Flags(), configPath)
	require.NoError(t, err)

	// Explicit flags win over the environment
	assert.Equal(t, 32, v.GetInt("max-concurrent-probes"))
	assert.Equal(t, []string{"127.0.0.1:4000"}, v.GetStringSlice("listen"))
	// The environment wins over defaults
	assert.Equal(t, 3*time.Second, v.GetDuration("sweep-interval"))
	// The config file fills in the rest
	assert.Equal(t, "/srv/dashboard", v.GetString("static-dir"))
	assert.Equal(t, proberICMP, v.GetString("prober"))
	// Untouched defaults
	assert.Equal(t, 10*time.Second, v.GetDuration("connect-timeout"))
	assert.Equal(t, time.Second, v.GetDuration("probe-timeout"))
}

func TestMissingConfigFile(t *testing.T) {
	cmd := newServeCmd()

	_, err := loadConfig(cmd.Flags(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestBuildLogger(t *testing.T) {
	for _, format := range []string{logFormatConsole, logFormatJSON, logFormatStackdriver} {
		format := format

		t.Run(format, func(t *testing.T) {
			cmd := newServeCmd()
			require.NoError(t, cmd.Flags().Parse([]string{"--log-format=" + format, "--log-level=warn"}))

			v, err := loadConfig(cmd.Flags(), "")
			require.NoError(t, err)

			logger, err := buildLogger(v)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
			assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
		})
	}

	cmd := newServeCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--log-format=xml"}))
	v, err := loadConfig(cmd.Flags(), "")
	require.NoError(t, err)
	_, err = buildLogger(v)
	require.ErrorIs(t, err, ErrUnknownLogFormat)

	cmd = newServeCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--log-level=chatty"}))
	v, err = loadConfig(cmd.Flags(), "")
	require.NoError(t, err)
	_, err = buildLogger(v)
	require.Error(t, err)
}

func TestBuildProber(t *testing.T) {
	testCases := []struct {
		Args     []string
		Expected interface{}
		Err      error
	}{
		{nil, &prober.PingProber{}, nil},
		{[]string{"--prober=icmp"}, &prober.ICMPProber{}, nil},
		{[]string{"--prober=carrier-pigeon"}, nil, ErrUnknownProber},
	}

	for _, testCase := range testCases {
		cmd := newServeCmd()
		require.NoError(t, cmd.Flags().Parse(testCase.Args))

		v, err := loadConfig(cmd.Flags(), "")
		require.NoError(t, err)

		hostProber, err := buildProber(v, zap.NewNop())
		if testCase.Err != nil {
			require.ErrorIs(t, err, testCase.Err)
			continue
		}

		require.NoError(t, err)
		assert.IsType(t, testCase.Expected, hostProber)
	}
}

func TestWebsocketOriginFunc(t *testing.T) {
	assert.Nil(t, websocketOriginFunc(nil))

	requestFrom := func(origin string) *http.Request {
		request := httptest.NewRequest(http.MethodGet, "/relay", nil)
		request.Header.Set("Origin", origin)

		return request
	}

	originFunc := websocketOriginFunc([]string{"https://admin.example.com"})
	assert.True(t, originFunc(requestFrom("https://admin.example.com")))
	assert.False(t, originFunc(requestFrom("https://evil.example.com")))

	anyOrigin := websocketOriginFunc([]string{"*"})
	assert.True(t, anyOrigin(requestFrom("https://evil.example.com")))
}

func TestParseTargets(t *testing.T) {
	targets, err := parseTargets([]string{"web=10.0.0.5", "10.0.0.6", "db=db.internal"})
	require.NoError(t, err)
	assert.Equal(t, []monitor.Target{
		{ID: "web", Address: "10.0.0.5"},
		{ID: "10.0.0.6", Address: "10.0.0.6"},
		{ID: "db", Address: "db.internal"},
	}, targets)

	_, err = parseTargets(nil)
	require.ErrorIs(t, err, ErrNoTargets)

	_, err = parseTargets([]string{"web="})
	require.Error(t, err)
}

func TestPrintResults(t *testing.T) {
	targets := []monitor.Target{
		{ID: "web", Address: "10.0.0.5"},
		{ID: "db", Address: "10.0.0.6"},
	}
	results := []monitor.Result{
		{ID: "web", State: monitor.Online},
		{ID: "db", State: monitor.Offline},
	}

	var buf bytes.Buffer
	require.NoError(t, printResults(&buf, targets, results))

	assert.Equal(t, "ID   ADDRESS   STATUS\n"+
		"web  10.0.0.5  online\n"+
		"db   10.0.0.6  offline\n", buf.String())
}

func TestRootCommandHasAllSubcommands(t *testing.T) {
	var names []string
	for _, cmd := range NewRootCmd().Commands() {
		names = append(names, cmd.Name())
	}

	assert.ElementsMatch(t, []string{"serve", "probe", "console"}, names)
}
