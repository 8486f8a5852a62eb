package hark

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/net/ipv4"
)

const defaultUDPBufferSize int = 1 << 20

// TransportConfig represents configuration of the multicast socket.
type TransportConfig struct {
	// Group is the multicast group we join and send to.
	Group *net.UDPAddr

	// Interface to join the group on, nil lets the system choose.
	Interface *net.Interface

	// TTL of outgoing datagrams.
	TTL int

	// Loopback delivers our own datagrams to the local host.
	Loopback bool

	// BufferSize of the requested UDP kernel buffer. We divide it by 2
	// until the kernel accepts it.
	BufferSize int

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// datagramConn is the subset of `net.PacketConn` we rely on.
type datagramConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	LocalAddr() net.Addr
	Close() error
}

// Transport sends and receives datagrams on a multicast group.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	closed atomic.Bool
	conn   datagramConn
}

// NewTransport binds the group port and joins the group.
func NewTransport(cfg *TransportConfig) (_ *Transport, err error) {
	if cfg.Group == nil {
		return nil, ErrInvalidGroup
	}

	t := newTransportWithConn(cfg, nil)

	udpLn, err := net.ListenMulticastUDP("udp4", cfg.Interface, cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBind, cfg.Group, err)
	}
	t.conn = udpLn

	defer func() {
		if err != nil {
			t.Close()
		}
	}()

	pc := ipv4.NewPacketConn(udpLn)
	if err = pc.SetMulticastTTL(cfg.TTL); err != nil {
		return nil, fmt.Errorf("%w: set ttl: %w", ErrBind, err)
	}
	if err = pc.SetMulticastLoopback(cfg.Loopback); err != nil {
		return nil, fmt.Errorf("%w: set loopback: %w", ErrBind, err)
	}
	if cfg.Interface != nil {
		if err = pc.SetMulticastInterface(cfg.Interface); err != nil {
			return nil, fmt.Errorf("%w: set interface: %w", ErrBind, err)
		}
	}

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err = t.negociateBufferSize(udpLn, requested); err != nil {
		return nil, err
	}

	return t, nil
}

func newTransportWithConn(cfg *TransportConfig, conn datagramConn) *Transport {
	t := &Transport{
		cfg:  cfg,
		conn: conn,
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}
	return t
}

// LocalAddr returns the address the socket is bound to.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Send writes `b` to the multicast group.
func (t *Transport) Send(b []byte) error {
	if t.closed.Load() {
		return ErrShutdown
	}
	if len(b) > MaxPayloadSize {
		return ErrTooLargeSend
	}

	_, err := t.conn.WriteTo(b, t.cfg.Group)
	if err != nil {
		return err
	}
	t.msink.IncrCounterWithLabels(MetricHarkDatagramOutBytes, float32(len(b)), t.cfg.MetricLabels)
	return nil
}

// Receive blocks until a datagram is received in `buf`.
func (t *Transport) Receive(buf []byte) (int, net.Addr, error) {
	n, from, err := t.conn.ReadFrom(buf)
	if err != nil {
		if !t.closed.Load() {
			t.msink.IncrCounterWithLabels(
				MetricHarkDatagramInErrorCount,
				1.0,
				withLabels(t.cfg.MetricLabels, LabelError.M("read")),
			)
		}
		return 0, from, err
	}

	t.msink.IncrCounterWithLabels(MetricHarkDatagramInBytes, float32(n), t.cfg.MetricLabels)
	return n, from, nil
}

// Closed reports whether `Close` was called.
func (t *Transport) Closed() bool {
	return t.closed.Load()
}

// Close releases the socket, blocked `Receive` calls return an error.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (t *Transport) negociateBufferSize(conn *net.UDPConn, requested int) error {
	size := requested
	for size > 0 {
		if err := conn.SetReadBuffer(size); err != nil {
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricHarkUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}
