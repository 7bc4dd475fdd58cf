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

package fanout_test

import (
	"testing"
	"time"

	"github.com/opsconductor/core/internal/fanout"
	"github.com/opsconductor/core/internal/store"
)

func TestHub_PublishRun_ReachesTopicAndRunSubscribers(t *testing.T) {
	hub := fanout.NewHub(8)
	jobSub := hub.Subscribe(fanout.TopicJobMonitoring)
	runSub := hub.Subscribe(fanout.RunTopic("run-1"))
	otherRunSub := hub.Subscribe(fanout.RunTopic("run-2"))

	hub.PublishRun(&store.Run{ID: "run-1", JobID: "job-1", Status: store.RunRunning})

	select {
	case frame := <-jobSub.Frames():
		if frame.Type != "job_status_update" {
			t.Fatalf("unexpected frame type %q", frame.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("job_monitoring subscriber never received a frame")
	}

	select {
	case <-runSub.Frames():
	case <-time.After(time.Second):
		t.Fatal("run-1 subscriber never received a frame")
	}

	select {
	case <-otherRunSub.Frames():
		t.Fatal("run-2 subscriber should not receive run-1's event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_PublishStep_ScopedToRunTopicOnly(t *testing.T) {
	hub := fanout.NewHub(8)
	jobSub := hub.Subscribe(fanout.TopicJobMonitoring)
	runSub := hub.Subscribe(fanout.RunTopic("run-1"))

	hub.PublishStep(&store.Step{ID: "step-1", RunID: "run-1", Status: store.StepSucceeded})

	select {
	case <-runSub.Frames():
	case <-time.After(time.Second):
		t.Fatal("run subscriber never received the step frame")
	}

	select {
	case <-jobSub.Frames():
		t.Fatal("job_monitoring should not receive step-level frames")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SlowSubscriberIsEvicted(t *testing.T) {
	hub := fanout.NewHub(1)
	sub := hub.Subscribe(fanout.TopicSystemHealth)

	for i := 0; i < 5; i++ {
		hub.Publish(fanout.TopicSystemHealth, fanout.Frame{Type: "system_health_update"})
	}

	if hub.HasSubscribers(fanout.TopicSystemHealth) {
		t.Fatal("expected the slow subscriber to have been evicted")
	}

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Frames():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("evicted subscriber's channel was never closed")
		}
	}
}

func TestHub_HasSubscribers(t *testing.T) {
	hub := fanout.NewHub(4)
	if hub.HasSubscribers(fanout.TopicQueueMonitoring) {
		t.Fatal("expected no subscribers before Subscribe is called")
	}
	sub := hub.Subscribe(fanout.TopicQueueMonitoring)
	if !hub.HasSubscribers(fanout.TopicQueueMonitoring) {
		t.Fatal("expected a subscriber after Subscribe")
	}
	hub.Unsubscribe(fanout.TopicQueueMonitoring, sub)
	if hub.HasSubscribers(fanout.TopicQueueMonitoring) {
		t.Fatal("expected no subscribers after Unsubscribe")
	}
}
