package collector

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/heartline/alertd/internal/config"
)

// Manager owns the running collectors and restarts them when the
// collector configuration changes.
type Manager struct {
	sink   Sink
	logger zerolog.Logger

	mu      sync.Mutex
	parent  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	targets map[string]*GNMICollector
}

// NewManager creates a collector manager feeding sink
func NewManager(sink Sink, logger zerolog.Logger) *Manager {
	return &Manager{
		sink:    sink,
		logger:  logger.With().Str("component", "collectors").Logger(),
		targets: make(map[string]*GNMICollector),
	}
}

// Start launches the collectors described by cfg
func (m *Manager) Start(ctx context.Context, cfg config.CollectorsConfig) {
	m.mu.Lock()
	m.parent = ctx
	m.mu.Unlock()
	m.Apply(cfg)
}

// Apply stops every running collector and starts the ones described by
// cfg. Collector state is only the connection, so a restart loses nothing.
func (m *Manager) Apply(cfg config.CollectorsConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.parent == nil {
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
	ctx, cancel := context.WithCancel(m.parent)
	m.cancel = cancel
	m.targets = make(map[string]*GNMICollector)

	if cfg.System.Enabled {
		sys := NewSystemCollector(m.sink, cfg.System.Interval, cfg.System.DiskPath, m.logger)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			sys.Run(ctx)
		}()
	}

	for _, target := range cfg.GNMI.Targets {
		col, err := NewGNMICollector(target, cfg.GNMI.Port, m.sink, m.logger)
		if err != nil {
			m.logger.Error().Err(err).Str("target", target.Name).Msg("Refusing gNMI target")
			continue
		}
		m.targets[target.Name] = col
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			col.Run(ctx)
		}()
	}

	m.logger.Info().
		Bool("system", cfg.System.Enabled).
		Int("gnmi_targets", len(m.targets)).
		Msg("Collectors started")
}

// Health returns the connection status of every gNMI target
func (m *Manager) Health() map[string]TargetHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]TargetHealth, len(m.targets))
	for name, col := range m.targets {
		out[name] = col.Health()
	}
	return out
}

// Stop stops every collector and waits for them to exit
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
		m.cancel = nil
	}
}
