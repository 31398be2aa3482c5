package command

import (
	"cloud.google.com/go/compute/metadata"
	"errors"
	"fmt"
	"github.com/adminpanel/relay/internal/prober"
	"github.com/blendle/zapdriver"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"strings"
	"time"
)

const envPrefix = "RELAY"

var (
	ErrUnknownLogFormat = errors.New("unknown log format")
	ErrUnknownProber    = errors.New("unknown prober")
)

const (
	logFormatConsole     = "console"
	logFormatJSON        = "json"
	logFormatStackdriver = "stackdriver"

	proberExec = "exec"
	proberICMP = "icmp"
)

// loadConfig layers the command's flags over RELAY_* environment variables and,
// if configPath is set, over a config file.
func loadConfig(flags *pflag.FlagSet, configPath string) (*viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	return v, nil
}

func addLoggingFlags(flags *pflag.FlagSet, defaultLevel zapcore.Level) {
	flags.String("log-level", defaultLevel.String(),
		"logging level (possible levels: debug, info, warn, error, dpanic, panic, fatal)")
	flags.String("log-format", logFormatConsole,
		fmt.Sprintf("logging format (possible formats: %s, %s, %s)",
			logFormatConsole, logFormatJSON, logFormatStackdriver))
}

func addProberFlags(flags *pflag.FlagSet) {
	flags.String("prober", proberExec, fmt.Sprintf("how to probe hosts: %q runs the system ping "+
		"command, %q sends ICMP echo requests directly", proberExec, proberICMP))
	flags.Bool("icmp-privileged", false, "use raw ICMP sockets instead of datagram ones "+
		"(requires CAP_NET_RAW or root)")
	flags.Duration("probe-timeout", prober.DefaultTimeout, "how long a single probe may take")
}

func buildLogger(v *viper.Viper) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, err
	}

	var config zap.Config
	var opts []zap.Option

	switch format := v.GetString("log-format"); format {
	case logFormatConsole:
		config = zap.NewDevelopmentConfig()
	case logFormatJSON:
		config = zap.NewProductionConfig()
	case logFormatStackdriver:
		config = zapdriver.NewProductionConfig()
		opts = append(opts, zapdriver.WrapCore(zapdriver.ReportAllErrors(true), zapdriver.ServiceName("relay")))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLogFormat, format)
	}

	config.Level = zap.NewAtomicLevelAt(level)

	return config.Build(opts...)
}

// gcpProjectID returns the project the relay runs in when on Google Compute Engine
// (Cloud Run included), or an empty string otherwise.
func gcpProjectID(logger *zap.Logger) string {
	if !metadata.OnGCE() {
		return ""
	}

	projectID, err := metadata.ProjectID()
	if err != nil {
		logger.Warn("running on GCE, but failed to determine the project ID", zap.Error(err))

		return ""
	}

	return projectID
}

func buildProber(v *viper.Viper, logger *zap.Logger) (prober.Prober, error) {
	timeout := v.GetDuration("probe-timeout")

	switch name := v.GetString("prober"); name {
	case proberExec:
		return prober.NewPing(
			prober.WithPingLogger(logger),
			prober.WithPingTimeout(timeout),
		), nil
	case proberICMP:
		return prober.NewICMP(
			prober.WithICMPLogger(logger),
			prober.WithICMPTimeout(timeout),
			prober.WithPrivileged(v.GetBool("icmp-privileged")),
		), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProber, name)
	}
}

func durationOrDefault(v *viper.Viper, key string, def time.Duration) time.Duration {
	if duration := v.GetDuration(key); duration > 0 {
		return duration
	}

	return def
}
