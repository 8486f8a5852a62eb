package hark

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func TestTransport(t *testing.T) {
	b := newBus()
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	group := &net.UDPAddr{IP: net.IPv4(226, 226, 226, 226), Port: 2266}
	cfg := &TransportConfig{
		Group:      group,
		MetricSink: sink,
		LogHandler: testLogHandler("transport"),
	}

	sender := newTransportWithConn(cfg, b.conn())
	receiver := newTransportWithConn(cfg, b.conn())

	t.Run("datagrams reach every member of the group", func(t *testing.T) {
		require.NoError(t, sender.Send([]byte("Users\thttp://10.0.0.1:8080")))

		buf := make([]byte, MaxDatagramSize)
		n, from, err := receiver.Receive(buf)
		require.NoError(t, err)
		require.Equal(t, "Users\thttp://10.0.0.1:8080", string(buf[:n]))
		require.Equal(t, sender.LocalAddr().String(), from.String())

		names := counterNames(sink)
		require.Contains(t, names, "hark.datagram.in.bytes")
		for _, name := range names {
			require.False(t, strings.Contains(name, string(LabelPeerAddr)), "peer address must not be a metric label: %s", name)
		}
	})

	t.Run("oversized datagrams are refused", func(t *testing.T) {
		require.ErrorIs(t, sender.Send(make([]byte, MaxPayloadSize+1)), ErrTooLargeSend)
	})

	t.Run("closed transport", func(t *testing.T) {
		require.NoError(t, receiver.Close())
		require.NoError(t, receiver.Close(), "close is idempotent")
		require.True(t, receiver.Closed())

		_, _, err := receiver.Receive(make([]byte, 16))
		require.ErrorIs(t, err, net.ErrClosed)
		require.ErrorIs(t, receiver.Send([]byte("x")), ErrShutdown)
	})
}

func TestNewTransport(t *testing.T) {
	_, err := NewTransport(&TransportConfig{})
	require.ErrorIs(t, err, ErrInvalidGroup)

	tr, err := NewTransport(&TransportConfig{
		Group:      &net.UDPAddr{IP: net.IPv4(239, 255, 42, 100), Port: 23267},
		TTL:        1,
		Loopback:   true,
		MetricSink: &metrics.BlackholeSink{},
	})
	if err != nil {
		t.Skipf("multicast unavailable: %s", err)
	}
	defer tr.Close()

	require.Equal(t, 23267, tr.LocalAddr().(*net.UDPAddr).Port)
}
