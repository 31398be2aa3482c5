package connection_test

import (
	"context"
	"encoding/json"
	"github.com/adminpanel/relay/internal/monitor"
	"github.com/adminpanel/relay/internal/prober"
	"github.com/adminpanel/relay/internal/server/connection"
	"github.com/adminpanel/relay/internal/shell"
	"github.com/adminpanel/relay/internal/sshtest"
	"github.com/adminpanel/relay/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func nextFrame(t *testing.T, conn *connection.Connection) protocol.Frame {
	t.Helper()

	select {
	case frame := <-conn.Outbound():
		return frame
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for an outbound frame")
		return protocol.Frame{}
	}
}

func nextEnvelope(t *testing.T, conn *connection.Connection) *protocol.Envelope {
	t.Helper()

	for {
		frame := nextFrame(t, conn)
		if frame.Kind == protocol.FrameBinary {
			continue
		}

		envelope, err := protocol.Decode(frame.Data)
		require.NoError(t, err)

		return envelope
	}
}

func credentialsFor(server *sshtest.Server) protocol.Credentials {
	return protocol.Credentials{
		Host:     server.Host(),
		Port:     server.Port(),
		Username: server.Username,
		Password: server.Password,
	}
}

func TestStatusUpdatesScenario(t *testing.T) {
	conn := connection.New("doesn't matter", connection.WithProber(prober.Func(
		func(ctx context.Context, address string) bool {
			return address == "10.0.0.5"
		},
	)))
	defer conn.Close()

	require.NoError(t, conn.StartMonitoring([]protocol.Target{
		{ID: json.RawMessage("1"), Address: "10.0.0.5"},
		{ID: json.RawMessage("2"), Address: "10.0.0.6"},
	}))

	frame := nextFrame(t, conn)
	require.Equal(t, protocol.FrameText, frame.Kind)
	assert.JSONEq(t, `{"type":"status-updates","payload":[
		{"id":1,"status":"online"},
		{"id":2,"status":"offline"}
	]}`, string(frame.Data))
}

func TestMissingTargetIDIsEchoedAsNull(t *testing.T) {
	conn := connection.New("doesn't matter", connection.WithProber(prober.Func(
		func(ctx context.Context, address string) bool {
			return true
		},
	)))
	defer conn.Close()

	require.NoError(t, conn.StartMonitoring([]protocol.Target{{Address: "10.0.0.5"}}))

	assert.JSONEq(t, `{"type":"status-updates","payload":[{"id":null,"status":"online"}]}`,
		string(nextFrame(t, conn).Data))
}

func TestStartingMonitoringTwiceReplacesTheJob(t *testing.T) {
	conn := connection.New("doesn't matter",
		connection.WithProber(prober.Func(func(ctx context.Context, address string) bool {
			return true
		})),
		connection.WithMonitorOptions(monitor.WithInterval(10*time.Millisecond)),
	)
	defer conn.Close()

	require.NoError(t, conn.StartMonitoring([]protocol.Target{{ID: json.RawMessage(`"old"`), Address: "a"}}))
	require.NoError(t, conn.StartMonitoring([]protocol.Target{{ID: json.RawMessage(`"new"`), Address: "b"}}))

	sawNew := 0
	for sawNew < 5 {
		var updates []protocol.StatusUpdate
		require.NoError(t, nextEnvelope(t, conn).DecodePayload(&updates))
		require.Len(t, updates, 1)

		if string(updates[0].ID) == `"new"` {
			sawNew++
			continue
		}

		require.Zero(t, sawNew, "the replaced job is still emitting")
	}

	assert.True(t, conn.MonitoringActive())

	conn.StopMonitoring()
	assert.False(t, conn.MonitoringActive())
}

func TestMonitoringErrorIsSurfaced(t *testing.T) {
	conn := connection.New("doesn't matter", connection.WithProber(prober.Func(
		func(ctx context.Context, address string) bool {
			panic("probe backend is broken")
		},
	)))
	defer conn.Close()

	require.NoError(t, conn.StartMonitoring([]protocol.Target{{ID: json.RawMessage("1"), Address: "a"}}))

	envelope := nextEnvelope(t, conn)
	require.Equal(t, protocol.TypeMonitoringError, envelope.Type)

	var message string
	require.NoError(t, envelope.DecodePayload(&message))
	assert.Contains(t, message, "probe backend is broken")
}

func TestSessionLifecycle(t *testing.T) {
	server := sshtest.New(t)

	conn := connection.New("doesn't matter")
	defer conn.Close()

	require.NoError(t, conn.ConnectSession(credentialsFor(server)))
	require.Equal(t, protocol.TypeSessionReady, nextEnvelope(t, conn).Type)
	require.Equal(t, shell.StateShellOpen, conn.SessionState())

	// Greeting
	frame := nextFrame(t, conn)
	require.Equal(t, protocol.FrameBinary, frame.Kind)
	require.Equal(t, sshtest.Greeting, string(frame.Data))

	conn.SessionInput([]byte("ping\n"))
	frame = nextFrame(t, conn)
	require.Equal(t, protocol.FrameBinary, frame.Kind)
	require.Equal(t, "ping\n", string(frame.Data))

	conn.SessionInput([]byte(sshtest.ExitWord + "\n"))
	require.Equal(t, protocol.TypeSessionClosed, nextEnvelope(t, conn).Type)
}

func TestSessionFailureIsReportedOnce(t *testing.T) {
	server := sshtest.New(t)

	conn := connection.New("doesn't matter")
	defer conn.Close()

	credentials := credentialsFor(server)
	credentials.Password = "wrong"

	require.NoError(t, conn.ConnectSession(credentials))

	envelope := nextEnvelope(t, conn)
	require.Equal(t, protocol.TypeSessionError, envelope.Type)

	var message string
	require.NoError(t, envelope.DecodePayload(&message))
	assert.NotEmpty(t, message)

	select {
	case frame := <-conn.Outbound():
		t.Fatalf("unexpected frame after session-error: %s", frame.Data)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewSessionTearsDownThePreviousOne(t *testing.T) {
	firstServer := sshtest.New(t)
	secondServer := sshtest.New(t)

	conn := connection.New("doesn't matter")
	defer conn.Close()

	require.NoError(t, conn.ConnectSession(credentialsFor(firstServer)))
	require.Equal(t, protocol.TypeSessionReady, nextEnvelope(t, conn).Type)
	require.Equal(t, 1, firstServer.ActiveConnections())

	require.NoError(t, conn.ConnectSession(credentialsFor(secondServer)))

	// The replaced session must not report anything, not even its closure
	require.Equal(t, protocol.TypeSessionReady, nextEnvelope(t, conn).Type)

	require.Eventually(t, func() bool {
		return firstServer.ActiveConnections() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, secondServer.ActiveConnections())
}

func TestInputWithoutSessionIsDropped(t *testing.T) {
	conn := connection.New("doesn't matter")
	defer conn.Close()

	conn.SessionInput([]byte("nobody listens\n"))
	conn.ResizeSession(120, 40)
	conn.DisconnectSession()

	assert.Equal(t, shell.StateIdle, conn.SessionState())
	assert.Empty(t, conn.Outbound())
}

func TestResizeIsRememberedForTheNextSession(t *testing.T) {
	server := sshtest.New(t)

	conn := connection.New("doesn't matter")
	defer conn.Close()

	conn.ResizeSession(150, 45)

	require.NoError(t, conn.ConnectSession(credentialsFor(server)))
	require.Equal(t, protocol.TypeSessionReady, nextEnvelope(t, conn).Type)

	select {
	case dims := <-server.PtyRequests:
		assert.Equal(t, sshtest.WindowChange{WidthColumns: 150, HeightRows: 45}, dims)
	case <-time.After(5 * time.Second):
		t.Fatal("no PTY request observed")
	}
}

func TestComponentsAreCleanedUpAfterConnectionClosure(t *testing.T) {
	server := sshtest.New(t)

	conn := connection.New("doesn't matter",
		connection.WithProber(prober.Func(func(ctx context.Context, address string) bool {
			return true
		})),
		connection.WithMonitorOptions(monitor.WithInterval(10*time.Millisecond)),
	)

	require.NoError(t, conn.StartMonitoring([]protocol.Target{{ID: json.RawMessage("1"), Address: "a"}}))
	require.NoError(t, conn.ConnectSession(credentialsFor(server)))

	require.Eventually(t, func() bool {
		return conn.SessionState() == shell.StateShellOpen
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case <-conn.Context().Done():
	default:
		t.Fatal("connection context wasn't cancelled")
	}

	assert.False(t, conn.MonitoringActive())
	assert.Equal(t, shell.StateIdle, conn.SessionState())

	require.Eventually(t, func() bool {
		return server.ActiveConnections() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNothingStartsAfterConnectionClosure(t *testing.T) {
	conn := connection.New("doesn't matter")

	require.NoError(t, conn.Close())

	require.ErrorIs(t, conn.ConnectSession(protocol.Credentials{Host: "127.0.0.1"}), connection.ErrConnectionClosed)
	require.ErrorIs(t, conn.StartMonitoring(nil), connection.ErrConnectionClosed)
	assert.False(t, conn.MonitoringActive())
}
