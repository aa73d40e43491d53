package transport_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/purevisor/purevisor/transport"
)

func timeoutCh() <-chan time.Time { return time.After(2 * time.Second) }

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	want := transport.Frame{
		Type:     transport.FrameRaftMessage,
		FromNode: 3,
		Term:     7,
		Payload:  []byte("opaque raft message bytes"),
	}

	require.NoError(t, transport.WriteFrame(&buf, want))

	got, err := transport.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	want := transport.Frame{Type: transport.FrameRaftMessage, FromNode: 1}

	require.NoError(t, transport.WriteFrame(&buf, want))

	got, err := transport.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, want.Type, got.Type)
	require.Equal(t, want.FromNode, got.FromNode)
	require.Empty(t, got.Payload)
}

func TestTCPSendReceive(t *testing.T) {
	t.Parallel()

	received := make(chan []byte, 1)

	serverSide := transport.NewTCP(2, nil)
	require.NoError(t, serverSide.Listen("127.0.0.1:0", func(payload []byte) {
		received <- payload
	}))
	defer serverSide.Close()

	clientSide := transport.NewTCP(1, nil)
	defer clientSide.Close()

	clientSide.AddPeer(2, serverSide.Addr())
	clientSide.Send(2, []byte("hello peer"))

	select {
	case payload := <-received:
		require.Equal(t, []byte("hello peer"), payload)
	case <-timeoutCh():
		t.Fatal("timed out waiting for delivery")
	}
}
