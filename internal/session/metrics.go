package session

import "time"

// Metrics is the session-level snapshot exposed by SessionHandle.metrics():
// per-bridge, per-executor, and the session's own lifetime and state.
type Metrics struct {
	SessionID      string
	State          State
	LifetimeMicros int64
	Bridges        map[string]BridgeMetrics
	Executors      map[string]ExecutorMetrics
}

// BridgeMetrics mirrors bridge.Snapshot for external consumption, keeping
// this package's public surface independent of the bridge package's
// internal field layout.
type BridgeMetrics struct {
	BytesTransferred    int64
	MessagesTransferred int64
	Drops               int64
	ConversionMicros    int64
	PeakDepth           int64
	CurrentDepth        int64
}

// ExecutorMetrics mirrors executor.Metrics for external consumption, keyed
// by node_id in Metrics.Executors.
type ExecutorMetrics struct {
	Spawned         bool
	Alive           bool
	PeakMemoryBytes int64
	CPUMicros       int64
}

func (s *Session) collectMetrics() Metrics {
	s.mu.Lock()
	state := s.state
	started := s.startedAt
	s.mu.Unlock()

	m := Metrics{
		SessionID:      s.id,
		State:          state,
		LifetimeMicros: time.Since(started).Microseconds(),
		Bridges:        make(map[string]BridgeMetrics, len(s.bridges)),
		Executors:      make(map[string]ExecutorMetrics, len(s.nodes)),
	}
	for key, b := range s.bridges {
		snap := b.Snapshot()
		m.Bridges[key] = BridgeMetrics{
			BytesTransferred:    snap.BytesTransferred,
			MessagesTransferred: snap.MessagesTransferred,
			Drops:               snap.Drops,
			ConversionMicros:    snap.ConversionMicros,
			PeakDepth:           snap.PeakDepth,
			CurrentDepth:        snap.CurrentDepth,
		}
	}
	for _, nr := range s.nodes {
		if nr.exec == nil {
			continue
		}
		em := nr.exec.Metrics()
		m.Executors[nr.nodeID] = ExecutorMetrics{
			Spawned:         em.Spawned,
			Alive:           em.Alive,
			PeakMemoryBytes: em.PeakMemoryBytes,
			CPUMicros:       em.CPUMicros,
		}
	}
	return m
}

// Metrics returns a live snapshot; safe to call at any point in the
// session's lifecycle, including after Terminated.
func (s *Session) Metrics() Metrics {
	return s.collectMetrics()
}
