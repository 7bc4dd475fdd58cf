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

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_ObserveStepDuration_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	before := testutil.ToFloat64(c.stepsTotal.WithLabelValues("ssh.exec", "succeeded"))
	c.ObserveStepDuration("ssh.exec", "succeeded", 250*time.Millisecond)
	after := testutil.ToFloat64(c.stepsTotal.WithLabelValues("ssh.exec", "succeeded"))

	if after != before+1 {
		t.Fatalf("expected counter to increment by 1, got before=%f after=%f", before, after)
	}
}

func TestCollector_SetActiveSteps_ReportsGaugeValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetActiveSteps(3)
	if got := testutil.ToFloat64(c.activeSteps); got != 3 {
		t.Fatalf("expected gauge value 3, got %f", got)
	}
	c.SetActiveSteps(1)
	if got := testutil.ToFloat64(c.activeSteps); got != 1 {
		t.Fatalf("expected gauge value 1 after update, got %f", got)
	}
}

func TestCollector_RecordPersistenceError_MultipleIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	for i := 0; i < 5; i++ {
		c.RecordPersistenceError("UpdateRun", "transient")
	}
	if got := testutil.ToFloat64(c.persistenceErr.WithLabelValues("UpdateRun", "transient")); got != 5 {
		t.Fatalf("expected counter at 5, got %f", got)
	}
}

func TestCollector_SetQueueDepth_PerPriority(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetQueueDepth("high", 4)
	c.SetQueueDepth("normal", 10)

	if got := testutil.ToFloat64(c.queueDepth.WithLabelValues("high")); got != 4 {
		t.Fatalf("expected high priority depth 4, got %f", got)
	}
	if got := testutil.ToFloat64(c.queueDepth.WithLabelValues("normal")); got != 10 {
		t.Fatalf("expected normal priority depth 10, got %f", got)
	}
}
