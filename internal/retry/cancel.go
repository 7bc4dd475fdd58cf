// Copyright 2025 OpsConductor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retry

import (
	"context"
	"sync"
	"time"

	"github.com/opsconductor/core/internal/store"
)

// StopSignals tracks advisory cooperative-cancellation flags for running
// steps, keyed by step ID. A worker's executor loop polls Stopped between
// protocol-safe checkpoints (e.g. after an SSH command returns, before
// starting the next loop iteration of a multi-host fan-out) rather than
// being forcibly killed, since most C6 executors (ssh.exec, winrm.exec)
// have no safe hard-kill primitive that wouldn't leave the remote side in
// an unknown state.
type StopSignals struct {
	mu   sync.Mutex
	flag map[string]bool
}

// NewStopSignals constructs an empty signal table.
func NewStopSignals() *StopSignals {
	return &StopSignals{flag: make(map[string]bool)}
}

// Signal marks stepID for cooperative stop.
func (s *StopSignals) Signal(stepID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flag[stepID] = true
}

// Stopped reports whether stepID has been signaled.
func (s *StopSignals) Stopped(stepID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flag[stepID]
}

// Clear removes stepID's signal once its step has terminated, so the table
// doesn't grow unbounded across the life of a long-running worker process.
func (s *StopSignals) Clear(stepID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flag, stepID)
}

// AbortQueuedSteps marks every queued step of a run with index >= fromIndex
// aborted, sends a stop signal to every running step in that range, and
// returns the number marked aborted. Used both by orchestrator.Cancel (spec §4.3
// "user-initiated cancellation") and by the hard-failure sweep (spec §4.3
// / §4.4: a step failing without continue_on_failure aborts every
// not-yet-started sibling so the run can reach a clean terminal
// aggregation instead of leaving orphaned queued rows behind).
func AbortQueuedSteps(ctx context.Context, s store.Store, steps []*store.Step, fromIndex int, signals *StopSignals) (int, error) {
	aborted := 0
	now := time.Now()
	for _, step := range steps {
		if step.Index < fromIndex {
			continue
		}
		switch step.Status {
		case store.StepQueued:
			step.Status = store.StepAborted
			step.FinishedAt = &now
			if err := s.UpdateStep(ctx, step); err != nil {
				return aborted, err
			}
			aborted++
		case store.StepRunning:
			if signals != nil {
				signals.Signal(step.ID)
			}
		}
	}
	return aborted, nil
}
