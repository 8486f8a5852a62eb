package hark

import (
	"log/slog"

	"github.com/hashicorp/memberlist"
)

type gossip struct {
	logger *slog.Logger
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("relay peer joined")
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("relay peer left")
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Debug("relay peer updated")
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		slog.Group("peer",
			slog.String("name", node.Name),
			slog.String("addr", node.Address()),
		),
	)
}
