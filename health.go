package maiproxy

import (
	"context"
	"sync/atomic"
	"time"
)

// modeFlag tracks whether the proxy is in degraded (offline-emulating) mode.
// A forced flag pins the proxy offline regardless of probe results.
type modeFlag struct {
	forced   bool
	degraded atomic.Bool
}

func newModeFlag(forced bool) *modeFlag {
	m := &modeFlag{forced: forced}
	if forced {
		m.degraded.Store(true)
	}
	return m
}

func (m *modeFlag) Degraded() bool {
	return m.forced || m.degraded.Load()
}

// set records a probe result and reports whether the origin just came back.
func (m *modeFlag) set(down bool) (recovered bool) {
	was := m.degraded.Swap(down)
	return was && !down && !m.forced
}

// probeLoop periodically checks origin reachability and flips the degraded
// flag. An offline-to-online transition kicks an immediate reconciliation
// run so queued mutations do not wait for the next scheduled cycle.
func (p *Proxy) probeLoop(ctx context.Context, interval time.Duration) {
	p.log.Info().Msgf("Starting health probe loop with interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		err := p.origin.Health(ctx)
		if recovered := p.mode.set(err != nil); recovered {
			p.log.Info().Msg("Origin back online, starting reconciliation")
			go p.engine.Run(ctx)
		}
		if err != nil && !p.mode.forced {
			p.log.Debug().Err(err).Msg("Origin unreachable, emulating offline")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
