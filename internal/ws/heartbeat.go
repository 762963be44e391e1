package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // extra grace after a missed ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and removes those
// silent for longer than Interval + Timeout. Removal runs the disconnect
// hook, which releases the connection's pairing. The goroutine exits when
// the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
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

// checkConnections evicts stale connections and pings the rest. Browsers
// answer protocol-level pings with a pong automatically. Connections that
// stay are reported to the OnAlive hook.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) int {
	deadline := config.Interval + config.Timeout
	evicted := 0

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			server.log.Infow("heartbeat timeout", "conn", c.ID, "idle", idle.Round(time.Second))
			server.RemoveConnection(c)
			evicted++
			continue
		}

		if err := c.WritePing(); err != nil {
			server.log.Debugw("heartbeat ping failed", "conn", c.ID, "error", err)
			server.RemoveConnection(c)
			evicted++
			continue
		}
		if server.hooks.OnAlive != nil {
			server.hooks.OnAlive(c)
		}
	}
	return evicted
}
