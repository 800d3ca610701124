package session

import (
	"context"
	"time"
)

// teardown implements the required ordering: close all source-side
// bridge halves -> await node drains up to grace period -> close all
// receive halves -> shut down executors in reverse stage order -> unlink
// shared resources (each executor's own Stop) -> release metrics snapshot
// -> move to Terminated. Safe to call more than once; only the first call
// performs work, matching the "first error wins" propagation policy. The
// grace period, not the caller's context, bounds every wait here: total
// cleanup must finish within it even when teardown was triggered by a
// crash with no caller context at hand.
func (s *Session) teardown(_ context.Context, reason string) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		if reason != "" {
			s.state = StateError
			s.errReason = reason
		} else {
			s.state = StateTerminating
		}
		s.mu.Unlock()

		if s.cancelRun != nil {
			s.cancelRun()
		}

		for _, ib := range s.inputBr {
			ib.Close()
		}

		drained := make(chan struct{})
		go func() { s.pumpsDone.Wait(); close(drained) }()
		select {
		case <-drained:
		case <-time.After(s.cfg.GracePeriod):
		}

		for _, b := range s.bridges {
			b.Close()
		}

		s.stopExecutorsReverseStage()

		// Metrics remain queryable via Metrics() after Terminated: bridges
		// are closed above, never removed from s.bridges.

		s.mu.Lock()
		s.state = StateTerminated
		s.mu.Unlock()

		result := Result{Status: ResultSuccess}
		if reason != "" {
			result = Result{Status: ResultErr, Reason: reason}
		}
		if s.cfg.Output != nil {
			s.cfg.Output.Result(result)
		}
	})
}

func (s *Session) stopExecutorsReverseStage() {
	maxStage := 0
	for _, nr := range s.nodes {
		if nr.stageIndex > maxStage {
			maxStage = nr.stageIndex
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GracePeriod)
	defer cancel()

	for stage := maxStage; stage >= 0; stage-- {
		for _, nr := range s.nodes {
			if nr.stageIndex != stage || nr.exec == nil {
				continue
			}
			if err := nr.exec.Stop(stopCtx); err != nil {
				s.log.Warn("session: executor stop returned error", "session_id", s.id, "node_id", nr.nodeID, "error", err)
			}
		}
	}
}
