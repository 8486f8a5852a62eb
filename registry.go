package hark

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"
)

// registry is the local view of which services were heard on the group.
//
// Readers never lock: they load the current immutable tree. Writers are
// serialised and publish a new tree on every merge, then wake up waiters
// by closing the current change channel.
type registry struct {
	tree    atomic.Pointer[iradix.Tree]
	changed atomic.Pointer[chan struct{}]
	lk      sync.Mutex

	expiration time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	msink      metrics.MetricSink
	mLabels    []metrics.Label

	closeCh   chan struct{}
	closeOnce sync.Once
}

// membership is never mutated once stored in the tree.
type membership struct {
	addresses []string
	lastSeen  time.Time
}

// ServiceInfo is a point-in-time copy of what is known about a service.
type ServiceInfo struct {
	Name      string
	Addresses []string
	LastSeen  time.Time

	// Fresh reports whether an announcement for Name was received within
	// the expiration window when the snapshot was taken.
	Fresh bool
}

func newRegistry(cfg *config, logger *slog.Logger) *registry {
	reg := &registry{
		expiration: cfg.expiration,
		clock:      cfg.clock,
		logger:     logger,
		msink:      cfg.msink,
		mLabels:    cfg.metricLabels,
		closeCh:    make(chan struct{}),
	}
	reg.tree.Store(iradix.New())
	ch := make(chan struct{})
	reg.changed.Store(&ch)
	return reg
}

// merge records that `a` was heard now. The address is added to the
// service set if absent and the service timestamp is refreshed whatever
// address the announcement carried.
func (reg *registry) merge(a Announcement) {
	reg.lk.Lock()
	defer reg.lk.Unlock()

	now := reg.clock.Now()
	key := []byte(a.Name)
	tree := reg.tree.Load()

	next := &membership{lastSeen: now}
	if raw, has := tree.Get(key); has {
		current := raw.(*membership)
		if slices.Contains(current.addresses, a.Address) {
			next.addresses = current.addresses
		} else {
			next.addresses = append(slices.Clip(current.addresses), a.Address)
			reg.logger.Info(
				"new service address",
				LabelServiceName.L(a.Name),
				LabelServiceURI.L(a.Address),
			)
		}
	} else {
		next.addresses = []string{a.Address}
		reg.logger.Info(
			"new service discovered",
			LabelServiceName.L(a.Name),
			LabelServiceURI.L(a.Address),
		)
	}

	tree, _, _ = tree.Insert(key, next)
	reg.tree.Store(tree)

	fresh := make(chan struct{})
	close(*reg.changed.Swap(&fresh))

	reg.msink.IncrCounterWithLabels(
		MetricHarkAnnouncementMergedCount,
		1.0,
		withLabels(reg.mLabels, LabelServiceName.M(a.Name)),
	)
	reg.msink.SetGaugeWithLabels(MetricHarkRegistryServices, float32(tree.Len()), reg.mLabels)
}

func (reg *registry) isFresh(m *membership, now time.Time) bool {
	return now.Sub(m.lastSeen) <= reg.expiration
}

// ready returns a copy of the addresses of `name` if it satisfies the
// lookup policy: fresh and at least `minReplies` addresses.
func (reg *registry) ready(name string, minReplies int) ([]string, bool) {
	raw, has := reg.tree.Load().Get([]byte(name))
	if !has {
		return nil, false
	}

	m := raw.(*membership)
	if len(m.addresses) == 0 || len(m.addresses) < minReplies {
		return nil, false
	}
	if !reg.isFresh(m, reg.clock.Now()) {
		return nil, false
	}
	return slices.Clone(m.addresses), true
}

// wait blocks until `name` is ready, `ctx` is done or the registry closes.
func (reg *registry) wait(ctx context.Context, name string, minReplies int) ([]string, error) {
	if minReplies < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMinReplies, minReplies)
	}

	start := time.Now()
	for {
		// Load the channel before checking, so a merge happening in between
		// is never missed.
		changed := *reg.changed.Load()
		if addrs, ok := reg.ready(name, minReplies); ok {
			waited := time.Since(start)
			reg.logger.Debug(
				"service resolved",
				LabelServiceName.L(name),
				LabelDuration.L(waited),
			)
			reg.msink.AddSampleWithLabels(
				MetricHarkResolveWaitMs,
				float32(waited.Milliseconds()),
				withLabels(reg.mLabels, LabelServiceName.M(name)),
			)
			return addrs, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %q: %w", ErrLookupTimeout, name, context.Cause(ctx))
		case <-reg.closeCh:
			return nil, ErrShutdown
		}
	}
}

func (reg *registry) get(name string) (ServiceInfo, bool) {
	raw, has := reg.tree.Load().Get([]byte(name))
	if !has {
		return ServiceInfo{}, false
	}
	return reg.info(name, raw.(*membership), reg.clock.Now()), true
}

// scan returns every service whose name starts with prefix, ordered by
// name. An empty prefix returns everything.
func (reg *registry) scan(prefix string) (found []ServiceInfo) {
	now := reg.clock.Now()
	reg.tree.Load().Root().WalkPrefix([]byte(prefix), func(k []byte, v interface{}) bool {
		found = append(found, reg.info(string(k), v.(*membership), now))
		return false
	})
	return
}

func (reg *registry) info(name string, m *membership, now time.Time) ServiceInfo {
	return ServiceInfo{
		Name:      name,
		Addresses: slices.Clone(m.addresses),
		LastSeen:  m.lastSeen,
		Fresh:     reg.isFresh(m, now),
	}
}

func (reg *registry) close() {
	reg.closeOnce.Do(func() {
		close(reg.closeCh)
	})
}
