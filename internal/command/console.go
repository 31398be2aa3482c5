package command

import (
	"context"
	"errors"
	"fmt"
	"github.com/adminpanel/relay/internal/server"
	"github.com/adminpanel/relay/pkg/client"
	"github.com/adminpanel/relay/pkg/protocol"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
	"io"
	"os"
	"strings"
	"time"
)

var (
	ErrSessionFailed = errors.New("session failed")
	ErrNoPassword    = errors.New("no password supplied")
)

const resizePollInterval = 500 * time.Millisecond

func newConsoleCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "console [flags] [USER@]HOST",
		Short: "Open an interactive shell on a host through a running relay",
		Args:  cobra.ExactArgs(1),
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		v, err := loadConfig(cmd.Flags(), configPath)
		if err != nil {
			return err
		}

		logger, err := buildLogger(v)
		if err != nil {
			return err
		}
		defer func() {
			_ = logger.Sync()
		}()

		credentials := protocol.Credentials{
			Host:     args[0],
			Port:     v.GetInt("port"),
			Username: v.GetString("user"),
			Password: v.GetString("password"),
		}
		if idx := strings.LastIndex(args[0], "@"); idx != -1 {
			credentials.Username, credentials.Host = args[0][:idx], args[0][idx+1:]
		}

		if credentials.Password == "" {
			credentials.Password, err = promptPassword(credentials)
			if err != nil {
				return err
			}
		}

		relayClient, err := client.Dial(cmd.Context(), v.GetString("relay"), client.WithLogger(logger))
		if err != nil {
			return err
		}
		defer relayClient.Close()

		return runConsole(cmd.Context(), relayClient, credentials, os.Stdin, os.Stdout)
	}

	cmd.Flags().StringVar(&configPath, "config", "", "read configuration from this YAML, TOML or JSON file")

	// Log lines would garble the terminal
	addLoggingFlags(cmd.Flags(), zapcore.ErrorLevel)

	cmd.Flags().String("relay", "ws://127.0.0.1:"+defaultPort+server.RelayPath, "URL of the relay's WebSocket endpoint")
	cmd.Flags().IntP("port", "p", protocol.DefaultSSHPort, "SSH port on the host")
	cmd.Flags().StringP("user", "u", os.Getenv("USER"), "user to log in as")
	cmd.Flags().String("password", "", "password to log in with, prompted for when empty "+
		"(prefer the RELAY_PASSWORD environment variable to this flag)")

	return cmd
}

func runConsole(
	ctx context.Context,
	relayClient *client.Client,
	credentials protocol.Credentials,
	stdin *os.File,
	stdout io.Writer,
) error {
	fd := int(stdin.Fd())

	// Have the PTY requested with the right size right away
	if width, height, err := term.GetSize(fd); err == nil {
		if err := relayClient.Resize(uint32(width), uint32(height)); err != nil {
			return err
		}
	}

	if err := relayClient.Connect(credentials); err != nil {
		return err
	}

	// Wait for the shell before touching the local terminal, so that
	// connection errors are printed normally
	if err := waitForReady(ctx, relayClient, stdout); err != nil {
		return err
	}

	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer func() {
			_ = term.Restore(fd, oldState)
		}()

		go followTerminalSize(ctx, relayClient, fd)
	}

	go func() {
		buf := make([]byte, 4096)

		for {
			n, err := stdin.Read(buf)
			if n > 0 {
				if err := relayClient.Input(buf[:n]); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-relayClient.Events():
			if !ok {
				return relayClient.Err()
			}

			switch event.Type {
			case protocol.TypeSessionData:
				if _, err := stdout.Write(event.Data); err != nil {
					return err
				}
			case protocol.TypeSessionError:
				return fmt.Errorf("%w: %s", ErrSessionFailed, event.Message)
			case protocol.TypeSessionClosed:
				return nil
			}
		}
	}
}

func waitForReady(ctx context.Context, relayClient *client.Client, stdout io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-relayClient.Events():
			if !ok {
				return relayClient.Err()
			}

			switch event.Type {
			case protocol.TypeSessionReady:
				return nil
			case protocol.TypeSessionError, protocol.TypeError:
				return fmt.Errorf("%w: %s", ErrSessionFailed, event.Message)
			case protocol.TypeSessionData:
				if _, err := stdout.Write(event.Data); err != nil {
					return err
				}
			}
		}
	}
}

// followTerminalSize keeps the remote PTY the same size as the local terminal.
func followTerminalSize(ctx context.Context, relayClient *client.Client, fd int) {
	var lastWidth, lastHeight int

	ticker := time.NewTicker(resizePollInterval)
	defer ticker.Stop()

	for {
		width, height, err := term.GetSize(fd)
		if err == nil && (width != lastWidth || height != lastHeight) {
			if err := relayClient.Resize(uint32(width), uint32(height)); err != nil {
				return
			}

			lastWidth, lastHeight = width, height
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func promptPassword(credentials protocol.Credentials) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%w: stdin is not a terminal, use RELAY_PASSWORD", ErrNoPassword)
	}

	_, _ = fmt.Fprintf(os.Stderr, "%s@%s's password: ", credentials.Username, credentials.Host)
	password, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}

	return string(password), nil
}
