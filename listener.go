package hark

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
)

// receiveBackoff is how long we pause after a failed receive.
const receiveBackoff = 10 * time.Millisecond

type listener struct {
	tr    *Transport
	reg   *registry
	relay *relay
	clock clock.Clock

	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label
}

func newListener(cfg *config, tr *Transport, reg *registry, rl *relay, logger *slog.Logger) *listener {
	return &listener{
		tr:      tr,
		reg:     reg,
		relay:   rl,
		clock:   cfg.clock,
		logger:  logger,
		msink:   cfg.msink,
		mLabels: cfg.metricLabels,
	}
}

// run receives datagrams until the transport is closed.
func (ln *listener) run(wg *sync.WaitGroup) {
	defer wg.Done()

	ln.logger.Info("starting listener", LabelGroup.L(ln.tr.cfg.Group.String()))
	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := ln.tr.Receive(buf)
		if err != nil {
			if ln.tr.Closed() || errors.Is(err, net.ErrClosed) {
				ln.logger.Debug("listener gracefully shutting down")
				return
			}
			ln.logger.Warn("failed to receive datagram", LabelError.L(err))
			ln.clock.Sleep(receiveBackoff)
			continue
		}

		ln.handle(buf[:n], from)
	}
}

func (ln *listener) handle(payload []byte, from net.Addr) {
	sender := "unknown"
	if from != nil {
		sender = from.String()
	}

	a, err := Decode(payload)
	switch {
	case errors.Is(err, ErrNotAnnouncement):
		ln.logger.Debug("ignoring non-announcement datagram", LabelPeerAddr.L(sender))
		ln.drop("not_announcement")
		return
	case err != nil:
		ln.logger.Warn(
			"malformed announcement",
			LabelPeerAddr.L(sender),
			LabelError.L(err),
		)
		ln.drop("invalid_uri")
		return
	}

	ln.logger.Debug(
		"announcement received",
		LabelPeerAddr.L(sender),
		LabelServiceName.L(a.Name),
		LabelServiceURI.L(a.Address),
	)
	ln.reg.merge(a)

	if ln.relay != nil {
		ln.relay.forward(a)
	}
}

func (ln *listener) drop(reason string) {
	ln.msink.IncrCounterWithLabels(
		MetricHarkAnnouncementDropCount,
		1.0,
		withLabels(ln.mLabels, LabelReason.M(reason)),
	)
}
