package prober

import (
	"context"
	"go.uber.org/zap"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Phrases that mean the echo request went unanswered even when ping exits with
// status 0, which happens on Windows when a router replies "unreachable".
var negativePhrases = []string{
	"unreachable",
	"inaccesible",
	"timed out",
	"tiempo de espera agotado",
	"100% packet loss",
	"100.0% packet loss",
	"100% loss",
}

type PingProber struct {
	logger  *zap.Logger
	command string
	goos    string
	timeout time.Duration
}

type PingOption func(*PingProber)

func WithPingLogger(logger *zap.Logger) PingOption {
	return func(pp *PingProber) {
		pp.logger = logger
	}
}

func WithPingCommand(command string) PingOption {
	return func(pp *PingProber) {
		pp.command = command
	}
}

func WithPingTimeout(timeout time.Duration) PingOption {
	return func(pp *PingProber) {
		pp.timeout = timeout
	}
}

// WithPingPlatform overrides the platform used to pick arguments and to interpret output.
func WithPingPlatform(goos string) PingOption {
	return func(pp *PingProber) {
		pp.goos = goos
	}
}

func NewPing(opts ...PingOption) *PingProber {
	pp := &PingProber{}

	for _, opt := range opts {
		opt(pp)
	}

	if pp.logger == nil {
		pp.logger = zap.NewNop()
	}
	if pp.command == "" {
		pp.command = "ping"
	}
	if pp.goos == "" {
		pp.goos = runtime.GOOS
	}
	if pp.timeout <= 0 {
		pp.timeout = DefaultTimeout
	}

	return pp
}

func (pp *PingProber) Probe(ctx context.Context, address string) bool {
	address = strings.TrimSpace(address)

	// Never let an address be interpreted as a flag
	if address == "" || strings.HasPrefix(address, "-") {
		return false
	}

	// Leave ping some slack to report its own timeout
	subCtx, cancel := context.WithTimeout(ctx, pp.timeout+500*time.Millisecond)
	defer cancel()

	output, err := exec.CommandContext(subCtx, pp.command, PingArgs(pp.goos, address, pp.timeout)...).CombinedOutput()

	reachable := InterpretPing(string(output), err)

	pp.logger.Debug("probed host", zap.String("address", address), zap.Bool("reachable", reachable),
		zap.NamedError("ping-error", err))

	return reachable
}

// PingArgs returns the arguments for a single echo request bounded by timeout.
func PingArgs(goos string, address string, timeout time.Duration) []string {
	switch goos {
	case "windows":
		return []string{"-n", "1", "-w", strconv.FormatInt(timeout.Milliseconds(), 10), address}
	case "darwin", "freebsd", "netbsd", "openbsd":
		// -W is in milliseconds on BSDs, -t bounds the whole run in seconds
		return []string{"-c", "1", "-t", strconv.Itoa(wholeSeconds(timeout)), address}
	default:
		return []string{"-c", "1", "-W", strconv.Itoa(wholeSeconds(timeout)), address}
	}
}

// InterpretPing turns a finished ping invocation into a reachability verdict.
func InterpretPing(output string, err error) bool {
	if err != nil {
		return false
	}

	// Windows may exit with 0 even when no reply came back
	lowered := strings.ToLower(output)
	for _, phrase := range negativePhrases {
		if strings.Contains(lowered, phrase) {
			return false
		}
	}

	return true
}

func wholeSeconds(timeout time.Duration) int {
	seconds := int((timeout + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}

	return seconds
}
