package hark

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	relayFieldName    protowire.Number = 1
	relayFieldAddress protowire.Number = 2
	relayFieldOrigin  protowire.Number = 3

	relayLeaveTimeout = 2 * time.Second
)

// relay gossips announcements heard on our multicast group to the other
// members of a memberlist cluster, and merges theirs into our registry.
type relay struct {
	ml       atomic.Pointer[memberlist.Memberlist]
	queue    *memberlist.TransmitLimitedQueue
	reg      *registry
	nodeName string

	neighbours []string
	logger     *slog.Logger
	msink      metrics.MetricSink
	mLabels    []metrics.Label
}

func newRelay(cfg *config, nodeName string, reg *registry, logger *slog.Logger) (*relay, error) {
	r := &relay{
		reg:        reg,
		nodeName:   nodeName,
		neighbours: cfg.relay.neighbours,
		logger:     logger.With(LabelNodeName.L(nodeName)),
		msink:      cfg.msink,
		mLabels:    cfg.metricLabels,
	}

	mlCfg := memberlist.DefaultLANConfig()
	// memberlist may ask for broadcasts before `Create` returns.
	r.queue = &memberlist.TransmitLimitedQueue{
		NumNodes:       r.numMembers,
		RetransmitMult: mlCfg.RetransmitMult,
	}

	mlCfg.Name = nodeName
	mlCfg.BindAddr = cfg.relay.bindAddr
	mlCfg.BindPort = cfg.relay.bindPort
	mlCfg.AdvertisePort = cfg.relay.bindPort
	mlCfg.Delegate = r
	mlCfg.Events = &gossip{logger: r.logger}
	mlCfg.LogOutput = nil

	if cfg.logHandler != nil {
		mlCfg.Logger = slog.NewLogLogger(cfg.logHandler, slog.LevelDebug)
	} else {
		mlCfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	}

	// TODO(raskyld): drop the translation once memberlist emits
	// hashicorp/go-metrics labels.
	mlCfg.MetricLabels = make([]leg_metrics.Label, len(cfg.metricLabels))
	for i, label := range cfg.metricLabels {
		mlCfg.MetricLabels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRelayJoin, err)
	}
	r.ml.Store(ml)
	return r, nil
}

func (r *relay) numMembers() int {
	ml := r.ml.Load()
	if ml == nil {
		return 1
	}
	return ml.NumMembers()
}

// join reaches the configured neighbours, if any.
func (r *relay) join() error {
	var neighbours []string
	for _, n := range r.neighbours {
		if n != "" {
			neighbours = append(neighbours, n)
		}
	}
	if len(neighbours) == 0 {
		return nil
	}

	joined, err := r.ml.Load().Join(neighbours)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRelayJoin, err)
	}
	r.logger.Info("relay cluster joined")
	if joined != len(neighbours) {
		r.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(neighbours),
		)
	}
	return nil
}

// advertiseAddr returns where other relays can join us.
func (r *relay) advertiseAddr() string {
	node := r.ml.Load().LocalNode()
	return fmt.Sprintf("%s:%d", node.Addr, node.Port)
}

func (r *relay) members() []string {
	nodes := r.ml.Load().Members()
	names := make([]string, 0, len(nodes))
	for _, node := range nodes {
		names = append(names, node.Name)
	}
	return names
}

// forward queues `a` for dissemination. A pending broadcast for the same
// announcement is replaced.
func (r *relay) forward(a Announcement) {
	r.queue.QueueBroadcast(&relayBroadcast{
		ann: a,
		msg: encodeRelayFrame(a, r.nodeName),
	})
	r.msink.IncrCounterWithLabels(MetricHarkRelayOutCount, 1.0, r.mLabels)
}

func (r *relay) shutdown() error {
	ml := r.ml.Load()
	if err := ml.Leave(relayLeaveTimeout); err != nil {
		r.logger.Warn("could not leave relay cluster gracefully", LabelError.L(err))
	}
	r.queue.Reset()
	return ml.Shutdown()
}

// NodeMeta implements memberlist.Delegate.
func (r *relay) NodeMeta(limit int) []byte {
	return nil
}

// NotifyMsg implements memberlist.Delegate.
func (r *relay) NotifyMsg(buf []byte) {
	a, origin, err := decodeRelayFrame(buf)
	if err != nil {
		r.logger.Warn("dropping relay frame", LabelError.L(err))
		r.msink.IncrCounterWithLabels(MetricHarkRelayInErrorCount, 1.0, r.mLabels)
		return
	}
	if origin == r.nodeName {
		return
	}

	r.logger.Debug(
		"relayed announcement received",
		LabelNodeName.L(origin),
		LabelServiceName.L(a.Name),
		LabelServiceURI.L(a.Address),
	)
	r.msink.IncrCounterWithLabels(
		MetricHarkRelayInCount,
		1.0,
		withLabels(r.mLabels, LabelNodeName.M(origin)),
	)
	r.reg.merge(a)
}

// GetBroadcasts implements memberlist.Delegate.
func (r *relay) GetBroadcasts(overhead, limit int) [][]byte {
	return r.queue.GetBroadcasts(overhead, limit)
}

// LocalState implements memberlist.Delegate.
func (r *relay) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate.
func (r *relay) MergeRemoteState(buf []byte, join bool) {}

type relayBroadcast struct {
	ann Announcement
	msg []byte
}

func (b *relayBroadcast) Invalidates(other memberlist.Broadcast) bool {
	o, ok := other.(*relayBroadcast)
	return ok && o.ann == b.ann
}

func (b *relayBroadcast) Name() string {
	return b.ann.Name + string(Delimiter) + b.ann.Address
}

func (b *relayBroadcast) Message() []byte {
	return b.msg
}

func (b *relayBroadcast) Finished() {}

func encodeRelayFrame(a Announcement, origin string) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, relayFieldName, protowire.BytesType)
	buf = protowire.AppendString(buf, a.Name)
	buf = protowire.AppendTag(buf, relayFieldAddress, protowire.BytesType)
	buf = protowire.AppendString(buf, a.Address)
	buf = protowire.AppendTag(buf, relayFieldOrigin, protowire.BytesType)
	buf = protowire.AppendString(buf, origin)
	return buf
}

func decodeRelayFrame(buf []byte) (a Announcement, origin string, err error) {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return a, "", fmt.Errorf("%w: %w", ErrRelayFrame, protowire.ParseError(n))
		}
		buf = buf[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return a, "", fmt.Errorf("%w: %w", ErrRelayFrame, protowire.ParseError(n))
			}
			buf = buf[n:]
			continue
		}

		val, n := protowire.ConsumeString(buf)
		if n < 0 {
			return a, "", fmt.Errorf("%w: %w", ErrRelayFrame, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch num {
		case relayFieldName:
			a.Name = val
		case relayFieldAddress:
			a.Address = val
		case relayFieldOrigin:
			origin = val
		}
	}

	if err := a.validate(); err != nil {
		return Announcement{}, "", fmt.Errorf("%w: %w", ErrRelayFrame, err)
	}
	return a, origin, nil
}
