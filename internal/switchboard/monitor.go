/*
File: internal/switchboard/monitor.go
Description: Heartbeat-based liveness sweep. Mobile transports can go dark
without a clean close event; the monitor evicts registrations whose last
heartbeat is too old by driving them through the normal disconnect path.
*/
package switchboard

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/jmolds/bill-phone-sub000/internal/registry"
)

// Monitor periodically evicts registrations with stale heartbeats.
type Monitor struct {
	registry *registry.Registry
	service  *Service
	timeout  time.Duration
	interval time.Duration
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewMonitor constructs the health monitor. timeout is the heartbeat age
// past which a registration is treated as disconnected; interval is the
// sweep period.
func NewMonitor(
	reg *registry.Registry,
	service *Service,
	timeout, interval time.Duration,
	clk clock.Clock,
	logger zerolog.Logger,
) (*Monitor, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if service == nil {
		return nil, fmt.Errorf("switchboard service cannot be nil")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("heartbeat timeout must be positive, got %s", timeout)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	return &Monitor{
		registry: reg,
		service:  service,
		timeout:  timeout,
		interval: interval,
		clock:    clk,
		logger:   logger.With().Str("component", "HealthMonitor").Logger(),
	}, nil
}

// Run sweeps until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info().
		Dur("timeout", m.timeout).
		Dur("interval", m.interval).
		Msg("Health monitor starting.")

	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Health monitor stopping.")
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep evicts every stale registration through the disconnect path, then
// closes the underlying transport. Eviction and a racing transport close
// produce a single cleanup; the service dedupes by connection id.
func (m *Monitor) sweep() {
	for _, entry := range m.registry.Stale(m.timeout) {
		m.logger.Warn().
			Str("device", entry.DeviceID.String()).
			Str("conn", entry.Conn.ID()).
			Msg("Evicting registration: heartbeat timeout.")
		m.service.metrics.HeartbeatEviction()
		m.service.HandleDisconnect(entry.Conn)
		_ = entry.Conn.Close()
	}
	m.service.pruneCleaned()
}
