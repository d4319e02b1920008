package node

import (
	"github.com/mossy-p/ensemble/config"
	"github.com/mossy-p/ensemble/internal/metrics"
	"github.com/mossy-p/ensemble/internal/models"
	"github.com/mossy-p/ensemble/internal/peer"
	"github.com/mossy-p/ensemble/internal/signaling"
)

// ConfigFrom builds a node configuration for id from the shared client
// settings in cfg.
func ConfigFrom(cfg *config.Config, id string, role models.Role, m metrics.Collector) Config {
	c := cfg.Client
	nc := Config{
		ID:   id,
		Role: role,
		Signaling: signaling.Config{
			URL:            c.SignalingURL,
			Token:          c.Token,
			ConnectTimeout: c.ConnectTimeout,
			ReconnectMin:   c.ReconnectMin,
			ReconnectMax:   c.ReconnectMax,
		},
		Peer: peer.Config{
			ConnectTimeout: c.PeerConnectTimeout,
			MaxRetries:     c.PeerMaxRetries,
		},
		ICEServers: c.ICEServers,
		Debug:      cfg.Debug,
		Metrics:    m,
	}
	if role == models.RoleController {
		nc.PingInterval = c.PingInterval
	}
	return nc
}
