package procmgr

import (
	"runtime/debug"
	"time"
)

// monitor runs the health check on every tick until Stop closes stopCh.
// A panic here is fatal to Start: it is recorded and Start returns it.
func (s *Supervisor) monitor() {
	defer close(s.monitorDone)
	defer func() {
		if r := recover(); r != nil {
			s.monitorErr = NewMonitorError(r)
			s.logger.Error("health monitor failed",
				"error", s.monitorErr,
				"stack", string(debug.Stack()))
		}
	}()

	s.logger.Debug("health monitor started", "interval", s.checkInterval)
	defer s.logger.Debug("health monitor stopped")

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkWorkers()
		}
	}
}

// checkWorkers performs one health check pass. The whole pass holds s.mu so
// Stop cannot interleave between removing a record and installing its
// replacement.
func (s *Supervisor) checkWorkers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	for _, w := range s.workers {
		s.checkWorkerLocked(w)
	}
	s.metrics.LiveWorkers(len(s.procs))
}

// checkWorkerLocked applies the restart policy to one worker.
func (s *Supervisor) checkWorkerLocked(w Descriptor) {
	if s.dropped[w.ID] {
		return
	}

	rec, ok := s.procs[w.ID]
	if !ok {
		if s.pending[w.ID] {
			s.logger.Info("retrying worker spawn", "worker", string(w.ID))
			if _, err := s.spawnLocked(w); err == nil {
				s.logRestartLocked(w)
			}
		}
		return
	}

	status, exited := rec.ExitStatus()
	if !exited {
		return
	}

	// the old channel goes before anything replaces it
	rec.release()
	delete(s.procs, w.ID)
	s.lastExit[w.ID] = status
	s.metrics.WorkerExited(w.ID, status)

	event := Event{Worker: w.ID, PID: rec.PID(), SpawnID: rec.SpawnID, Time: time.Now(), Exit: &status}
	if status.Clean() {
		event.Type = EventExited
		s.logger.Info("worker exited cleanly", recordAttrs(rec)...)
		s.events.Publish(event)

		if !s.policy.OnCleanExit {
			s.dropped[w.ID] = true
			s.logger.Info("clean exit restart disabled, worker no longer supervised",
				"worker", string(w.ID))
			return
		}
	} else {
		event.Type = EventCrashed
		s.logger.Warn("worker crashed", append(recordAttrs(rec), "status", status.String())...)
		s.events.Publish(event)
	}

	if limit := s.policy.MaxRestarts; limit > 0 && s.restarts[w.ID] >= limit {
		err := NewMaxRestartsError(w.ID, s.restarts[w.ID], limit)
		s.dropped[w.ID] = true
		s.logger.Error("worker restart limit reached", "worker", string(w.ID), "error", err)
		s.events.Publish(Event{Type: EventAbandoned, Worker: w.ID, Time: time.Now(), Err: err})
		return
	}

	s.restarts[w.ID]++
	if _, err := s.spawnLocked(w); err != nil {
		// spawnLocked logged it; try again next tick
		s.pending[w.ID] = true
		return
	}
	s.logRestartLocked(w)
}

func (s *Supervisor) logRestartLocked(w Descriptor) {
	rec := s.procs[w.ID]
	s.metrics.WorkerRestarted(w.ID)
	s.logger.Info("worker restarted",
		append(recordAttrs(rec), "restarts", s.restarts[w.ID])...)
	s.events.Publish(Event{
		Type:    EventRestarted,
		Worker:  w.ID,
		PID:     rec.PID(),
		SpawnID: rec.SpawnID,
		Time:    rec.StartedAt,
	})
}
