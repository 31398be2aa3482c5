package prober_test

import (
	"context"
	"errors"
	"github.com/adminpanel/relay/internal/prober"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os/exec"
	"runtime"
	"testing"
	"time"
)

func TestPingArgs(t *testing.T) {
	var testCases = []struct {
		Name     string
		GOOS     string
		Timeout  time.Duration
		Expected []string
	}{
		{
			Name:     "windows takes milliseconds",
			GOOS:     "windows",
			Timeout:  time.Second,
			Expected: []string{"-n", "1", "-w", "1000", "10.0.0.5"},
		},
		{
			Name:     "linux takes whole seconds",
			GOOS:     "linux",
			Timeout:  time.Second,
			Expected: []string{"-c", "1", "-W", "1", "10.0.0.5"},
		},
		{
			Name:     "linux rounds sub-second timeouts up",
			GOOS:     "linux",
			Timeout:  300 * time.Millisecond,
			Expected: []string{"-c", "1", "-W", "1", "10.0.0.5"},
		},
		{
			Name:     "darwin bounds the whole run",
			GOOS:     "darwin",
			Timeout:  2 * time.Second,
			Expected: []string{"-c", "1", "-t", "2", "10.0.0.5"},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase

		t.Run(testCase.Name, func(t *testing.T) {
			assert.Equal(t, testCase.Expected, prober.PingArgs(testCase.GOOS, "10.0.0.5", testCase.Timeout))
		})
	}
}

func TestInterpretPing(t *testing.T) {
	var testCases = []struct {
		Name      string
		Output    string
		Err       error
		Reachable bool
	}{
		{
			Name:      "linux reply",
			Output:    "64 bytes from 10.0.0.5: icmp_seq=1 ttl=64 time=0.321 ms\n1 packets transmitted, 1 received, 0% packet loss",
			Reachable: true,
		},
		{
			Name:      "non-zero exit",
			Output:    "1 packets transmitted, 0 received, 100% packet loss",
			Err:       errors.New("exit status 1"),
			Reachable: false,
		},
		{
			Name:      "windows unreachable with zero exit",
			Output:    "Reply from 10.0.0.1: Destination host unreachable.",
			Reachable: false,
		},
		{
			Name:      "windows timeout with zero exit",
			Output:    "Request timed out.",
			Reachable: false,
		},
		{
			Name:      "spanish windows unreachable",
			Output:    "Respuesta desde 10.0.0.1: Host de destino inaccesible.",
			Reachable: false,
		},
		{
			Name:      "spanish windows timeout",
			Output:    "Tiempo de espera agotado para esta solicitud.",
			Reachable: false,
		},
		{
			Name:      "windows reply",
			Output:    "Reply from 10.0.0.5: bytes=32 time<1ms TTL=128",
			Reachable: true,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase

		t.Run(testCase.Name, func(t *testing.T) {
			assert.Equal(t, testCase.Reachable, prober.InterpretPing(testCase.Output, testCase.Err))
		})
	}
}

func TestPingProberUsesExitStatus(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on true(1) and false(1)")
	}

	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true(1) is not available")
	}
	falsePath, err := exec.LookPath("false")
	if err != nil {
		t.Skip("false(1) is not available")
	}

	ctx := context.Background()

	require.True(t, prober.NewPing(prober.WithPingCommand(truePath)).Probe(ctx, "10.0.0.5"))
	require.False(t, prober.NewPing(prober.WithPingCommand(falsePath)).Probe(ctx, "10.0.0.6"))
}

func TestPingProberRefusesFlagLikeAddresses(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on true(1)")
	}

	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true(1) is not available")
	}

	pingProber := prober.NewPing(prober.WithPingCommand(truePath))

	assert.False(t, pingProber.Probe(context.Background(), "-f"))
	assert.False(t, pingProber.Probe(context.Background(), "   "))
}

func TestPingProberMissingCommandIsOffline(t *testing.T) {
	pingProber := prober.NewPing(prober.WithPingCommand("/nonexistent/ping-binary"))

	assert.False(t, pingProber.Probe(context.Background(), "10.0.0.5"))
}

func TestFuncAdapter(t *testing.T) {
	var seen string

	var p prober.Prober = prober.Func(func(ctx context.Context, address string) bool {
		seen = address
		return true
	})

	assert.True(t, p.Probe(context.Background(), "10.0.0.7"))
	assert.Equal(t, "10.0.0.7", seen)
}

func TestICMPProberUnresolvableHostIsOffline(t *testing.T) {
	icmpProber := prober.NewICMP(prober.WithICMPTimeout(200 * time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, icmpProber.Probe(ctx, "host.invalid"))
}
