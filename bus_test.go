package hark

import (
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-metrics"
)

// bus is an in-memory multicast segment: every datagram written by a
// member is delivered to all members, including the writer.
type bus struct {
	lk      sync.Mutex
	members []*busConn
	sent    atomic.Int64
}

type datagram struct {
	payload []byte
	from    net.Addr
}

type busConn struct {
	bus       *bus
	addr      *net.UDPAddr
	inbox     chan datagram
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newBus() *bus {
	return &bus{}
}

func (b *bus) conn() *busConn {
	b.lk.Lock()
	defer b.lk.Unlock()
	c := &busConn{
		bus:     b,
		addr:    &net.UDPAddr{IP: net.IPv4(10, 0, 0, byte(len(b.members)+1)), Port: 2266},
		inbox:   make(chan datagram, 256),
		closeCh: make(chan struct{}),
	}
	b.members = append(b.members, c)
	return c
}

// inject delivers a raw datagram to every member.
func (b *bus) inject(from net.Addr, payload []byte) {
	b.lk.Lock()
	members := append([]*busConn(nil), b.members...)
	b.lk.Unlock()

	for _, m := range members {
		cloned := append([]byte(nil), payload...)
		select {
		case m.inbox <- datagram{payload: cloned, from: from}:
		default:
			// full inbox, the datagram is lost like on a real network.
		}
	}
}

func (c *busConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case d := <-c.inbox:
		return copy(p, d.payload), d.from, nil
	case <-c.closeCh:
		return 0, nil, net.ErrClosed
	}
}

func (c *busConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	select {
	case <-c.closeCh:
		return 0, net.ErrClosed
	default:
	}
	c.bus.inject(c.addr, p)
	c.bus.sent.Add(1)
	return len(p), nil
}

func (c *busConn) LocalAddr() net.Addr {
	return c.addr
}

func (c *busConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
	return nil
}

// counterNames lists the flattened keys of every counter in `sink`.
func counterNames(sink *metrics.InmemSink) []string {
	var names []string
	for _, interval := range sink.Data() {
		interval.RLock()
		for name := range interval.Counters {
			names = append(names, name)
		}
		interval.RUnlock()
	}
	return names
}

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

// createOnBus creates a Discovery attached to `b` and shuts it down at
// the end of the test.
func createOnBus(t *testing.T, b *bus, emitter string, opts ...Option) *Discovery {
	t.Helper()
	opts = append([]Option{
		withConn(b.conn()),
		WithLog(testLogHandler(emitter)),
		WithMetricSink(&metrics.BlackholeSink{}),
	}, opts...)

	d, err := Create(opts...)
	if err != nil {
		t.Fatalf("failed to create %s: %s", emitter, err)
	}
	t.Cleanup(func() {
		d.Shutdown()
	})
	return d
}
