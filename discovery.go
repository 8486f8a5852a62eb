package hark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
)

// Discovery joins a multicast group, optionally announces one service on
// it and keeps track of every service announced by others.
type Discovery struct {
	config config
	logger *slog.Logger
	id     string

	reg   *registry
	tr    *Transport
	relay *relay

	// synchronisation
	lk         sync.Mutex
	started    bool
	shutdown   bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// Create validates the options, binds the multicast group and, if
// requested, joins the relay cluster. Nothing is sent or received until
// `Discovery.Start` is called.
func Create(opts ...Option) (*Discovery, error) {
	d := &Discovery{
		config:     defaultConfig(),
		id:         uuid.NewString(),
		shutdownCh: make(chan struct{}),
	}

	for _, opt := range opts {
		err := opt(&d.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	if d.config.logHandler != nil {
		d.logger = slog.New(d.config.logHandler)
	} else {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With(LabelInstance.L(d.id))

	// Metrics implementations.
	if d.config.msink == nil {
		d.config.msink = metrics.Default()
	}

	var iface *net.Interface
	if d.config.ifaceName != "" {
		var err error
		iface, err = net.InterfaceByName(d.config.ifaceName)
		if err != nil {
			return nil, fmt.Errorf("%w: %w: %s: %w", ErrInvalidCfg, ErrInvalidInterface, d.config.ifaceName, err)
		}
	}

	trCfg := &TransportConfig{
		Group:        d.config.group,
		Interface:    iface,
		TTL:          d.config.ttl,
		Loopback:     d.config.loopback,
		BufferSize:   d.config.bufferSize,
		MetricLabels: d.config.metricLabels,
		MetricSink:   d.config.msink,
		LogHandler:   d.config.logHandler,
	}
	if d.config.conn != nil {
		d.tr = newTransportWithConn(trCfg, d.config.conn)
	} else {
		tr, err := NewTransport(trCfg)
		if err != nil {
			return nil, err
		}
		d.tr = tr
	}

	d.reg = newRegistry(&d.config, d.logger)

	if d.config.relay != nil {
		nodeName := d.config.nodeName
		if nodeName == "" {
			nodeName = d.id
		}
		rl, err := newRelay(&d.config, nodeName, d.reg, d.logger)
		if err != nil {
			d.tr.Close()
			return nil, err
		}
		if err := rl.join(); err != nil {
			rl.shutdown()
			d.tr.Close()
			return nil, err
		}
		d.relay = rl
	}

	d.logger.Info(
		"discovery created",
		LabelGroup.L(d.config.group.String()),
		"announcing", d.config.identity != nil,
	)
	return d, nil
}

// Start launches the listener and, when an announcement was configured,
// the announcer. It returns immediately and calling it again has no
// effect.
func (d *Discovery) Start() error {
	d.lk.Lock()
	defer d.lk.Unlock()
	if d.shutdown {
		return ErrShutdown
	}
	if d.started {
		return nil
	}

	var an *announcer
	if d.config.identity != nil {
		var err error
		an, err = newAnnouncer(&d.config, d.tr, d.logger)
		if err != nil {
			return err
		}
	}

	ln := newListener(&d.config, d.tr, d.reg, d.relay, d.logger)
	d.wg.Add(1)
	go ln.run(&d.wg)

	if an != nil {
		d.wg.Add(1)
		go an.run(d.shutdownCh, &d.wg)
	}

	d.started = true
	return nil
}

// Resolve blocks until at least `minReplies` distinct addresses are known
// for `name` and the service was heard from within the expiration window.
// It returns a copy of every known address of the service, in the order
// they were first heard.
//
// Resolve has no upper bound on its own: with `context.Background()`, it
// waits forever for a service nobody announces. Callers SHOULD bound it
// with a deadline, in which case `ErrLookupTimeout` is returned.
//
// All addresses ever heard for `name` are returned as long as any of them
// keeps announcing. Callers MUST be ready for some of them to be gone.
func (d *Discovery) Resolve(ctx context.Context, name string, minReplies int) ([]string, error) {
	return d.reg.wait(ctx, name, minReplies)
}

// Lookup returns what is currently known about `name` without waiting.
func (d *Discovery) Lookup(name string) (ServiceInfo, bool) {
	return d.reg.get(name)
}

// Services returns a snapshot of every service heard so far, ordered by
// name, including stale ones.
func (d *Discovery) Services() []ServiceInfo {
	return d.reg.scan("")
}

// Scan returns the services whose name starts with `prefix`.
func (d *Discovery) Scan(prefix string) []ServiceInfo {
	return d.reg.scan(prefix)
}

// ID is a random identifier of this instance.
func (d *Discovery) ID() string {
	return d.id
}

// Group returns the multicast group we joined.
func (d *Discovery) Group() *net.UDPAddr {
	return d.config.group
}

// LocalAddr returns the address of the multicast socket.
func (d *Discovery) LocalAddr() net.Addr {
	return d.tr.LocalAddr()
}

// RelayAddr returns the address other relays can use to join us, or an
// empty string if the relay is disabled.
func (d *Discovery) RelayAddr() string {
	if d.relay == nil {
		return ""
	}
	return d.relay.advertiseAddr()
}

// RelayMembers lists the node names of the relay cluster.
func (d *Discovery) RelayMembers() []string {
	if d.relay == nil {
		return nil
	}
	return d.relay.members()
}

// Shutdown stops background tasks, leaves the relay cluster and releases
// the socket. Pending `Resolve` calls return `ErrShutdown`.
func (d *Discovery) Shutdown() error {
	d.lk.Lock()
	if d.shutdown {
		d.lk.Unlock()
		return nil
	}
	d.shutdown = true
	close(d.shutdownCh)
	d.lk.Unlock()

	d.logger.Info("shutting down...")
	d.reg.close()

	var errs []error
	if d.relay != nil {
		d.logger.Info("shutdown: leave relay cluster")
		if err := d.relay.shutdown(); err != nil {
			errs = append(errs, err)
		}
	}

	d.logger.Info("shutdown: close multicast socket")
	if err := d.tr.Close(); err != nil {
		errs = append(errs, err)
	}

	d.wg.Wait()
	d.logger.Info("shutdown: completed")
	return errors.Join(errs...)
}
