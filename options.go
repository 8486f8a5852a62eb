package hark

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
)

const (
	DefaultGroup          = "226.226.226.226:2266"
	DefaultAnnouncePeriod = 1 * time.Second
	DefaultExpiration     = 5 * time.Second
	DefaultMulticastTTL   = 1
)

type config struct {
	group          *net.UDPAddr
	ifaceName      string
	ttl            int
	loopback       bool
	bufferSize     int
	identity       *Announcement
	announcePeriod time.Duration
	expiration     time.Duration
	logHandler     slog.Handler
	msink          metrics.MetricSink
	metricLabels   []metrics.Label
	clock          clock.Clock
	nodeName       string
	relay          *relayConfig

	// conn replaces the multicast socket, only used by tests.
	conn datagramConn
}

type relayConfig struct {
	bindAddr   string
	bindPort   int
	neighbours []string
}

func defaultConfig() config {
	group, err := parseGroup(DefaultGroup)
	if err != nil {
		panic(err)
	}

	return config{
		group:          group,
		ttl:            DefaultMulticastTTL,
		loopback:       true,
		announcePeriod: DefaultAnnouncePeriod,
		expiration:     DefaultExpiration,
		clock:          clock.New(),
	}
}

// Option to pass to `Create`
type Option func(*config) error

// WithGroup sets the multicast group (`ip:port`) used for announcements.
// The IP must be an IPv4 multicast address.
func WithGroup(addr string) Option {
	return func(c *config) error {
		group, err := parseGroup(addr)
		if err != nil {
			return err
		}
		c.group = group
		return nil
	}
}

// WithAnnounce makes the instance advertise `name` reachable at `uri`.
// Without it, the instance only listens.
func WithAnnounce(name, uri string) Option {
	return func(c *config) error {
		a := Announcement{Name: name, Address: uri}
		if _, err := Encode(a); err != nil {
			return err
		}
		c.identity = &a
		return nil
	}
}

// WithAnnouncePeriod controls how often we send our announcement.
func WithAnnouncePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period <= 0 {
			period = DefaultAnnouncePeriod
		}
		c.announcePeriod = period
		return nil
	}
}

// WithExpiration controls for how long after the last announcement the
// addresses of a service are still returned by `Discovery.Resolve`.
func WithExpiration(window time.Duration) Option {
	return func(c *config) error {
		if window <= 0 {
			window = DefaultExpiration
		}
		c.expiration = window
		return nil
	}
}

// WithInterface specifies on which network interface to join the group.
// By default, the system picks one.
func WithInterface(name string) Option {
	return func(c *config) error {
		c.ifaceName = name
		return nil
	}
}

// WithMulticastTTL sets the IP TTL of outgoing announcements. The default of
// 1 keeps them on the local segment.
func WithMulticastTTL(ttl int) Option {
	return func(c *config) error {
		if ttl < 0 || ttl > 255 {
			return fmt.Errorf("multicast ttl %d out of range", ttl)
		}
		c.ttl = ttl
		return nil
	}
}

// WithLoopback controls whether our own announcements are delivered to
// the other processes of this host. Enabled by default.
func WithLoopback(enabled bool) Option {
	return func(c *config) error {
		c.loopback = enabled
		return nil
	}
}

// WithBufferSize sets the requested kernel read buffer size.
func WithBufferSize(size int) Option {
	return func(c *config) error {
		c.bufferSize = size
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithClock replaces the wall clock, mostly useful for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		if clk == nil {
			clk = clock.New()
		}
		c.clock = clk
		return nil
	}
}

// WithNodeName sets the name under which we join the relay cluster.
// It MUST be unique in the cluster, it defaults to the instance ID.
func WithNodeName(name string) Option {
	return func(c *config) error {
		c.nodeName = name
		return nil
	}
}

// WithRelay enables gossiping announcements with the given neighbours so
// that network segments without multicast routing share their services.
func WithRelay(bindAddr string, port int, neighbours []string) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("relay port %d out of range", port)
		}
		c.relay = &relayConfig{
			bindAddr:   bindAddr,
			bindPort:   port,
			neighbours: neighbours,
		}
		return nil
	}
}

func withConn(conn datagramConn) Option {
	return func(c *config) error {
		c.conn = conn
		return nil
	}
}

func parseGroup(addr string) (*net.UDPAddr, error) {
	group, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGroup, err)
	}
	ip4 := group.IP.To4()
	if ip4 == nil || !ip4.IsMulticast() || ip4.Equal(net.IPv4(224, 0, 0, 0)) {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidGroup, addr)
	}
	if group.Port == 0 {
		return nil, fmt.Errorf("%w: missing port in %s", ErrInvalidGroup, addr)
	}
	group.IP = ip4
	return group, nil
}
