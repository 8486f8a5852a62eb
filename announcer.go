package hark

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
)

type announcer struct {
	tr      *Transport
	ann     Announcement
	payload []byte
	period  time.Duration
	clock   clock.Clock

	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label
}

func newAnnouncer(cfg *config, tr *Transport, logger *slog.Logger) (*announcer, error) {
	payload, err := Encode(*cfg.identity)
	if err != nil {
		return nil, err
	}

	return &announcer{
		tr:      tr,
		ann:     *cfg.identity,
		payload: payload,
		period:  cfg.announcePeriod,
		clock:   cfg.clock,
		logger: logger.With(
			LabelServiceName.L(cfg.identity.Name),
			LabelServiceURI.L(cfg.identity.Address),
		),
		msink:   cfg.msink,
		mLabels: withLabels(cfg.metricLabels, LabelServiceName.M(cfg.identity.Name)),
	}, nil
}

// run sends our announcement right away and then every period until
// shutdownCh is closed. A failed send never stops the loop.
func (an *announcer) run(shutdownCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	an.logger.Info("starting announcements", "period", an.period)
	ticker := an.clock.Ticker(an.period)
	defer ticker.Stop()

	for {
		an.announce()
		select {
		case <-ticker.C:
		case <-shutdownCh:
			an.logger.Debug("stopping announcements")
			return
		}
	}
}

func (an *announcer) announce() {
	if err := an.tr.Send(an.payload); err != nil {
		if an.tr.Closed() {
			return
		}
		an.logger.Warn("failed to send announcement", LabelError.L(err))
		an.msink.IncrCounterWithLabels(MetricHarkAnnounceOutErrorCount, 1.0, an.mLabels)
		return
	}
	an.msink.IncrCounterWithLabels(MetricHarkAnnounceOutCount, 1.0, an.mLabels)
}
