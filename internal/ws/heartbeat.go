package ws

import (
	"time"

	"github.com/rs/zerolog/log"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically pings every
// connection and evicts those that have gone stale (no frame read within
// Interval + Timeout). Evicted connections go through the normal disconnect
// path, so their rooms are left and presence is updated. The goroutine exits
// when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			log.Info().Str("session", c.ID).Dur("idle", idle.Round(time.Second)).Msg("ws: heartbeat timeout")
			server.RemoveConnection(c)
			continue
		}

		// Browsers answer protocol pings automatically; the pong counts as
		// activity.
		if err := c.WritePing(config.Timeout); err != nil {
			log.Debug().Err(err).Str("session", c.ID).Msg("ws: heartbeat ping failed")
			server.RemoveConnection(c)
			continue
		}

		if server.onHeartbeat != nil {
			server.onHeartbeat(c)
		}
	}
}
