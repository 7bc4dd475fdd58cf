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

package config

import (
	"fmt"
	"strings"
)

// Validate checks that the configuration is internally consistent. It
// collects every violation rather than failing on the first so a single
// Load reports all the fixes an operator needs to make.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	switch c.Store.Type {
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			errs = append(errs, "store.sqlite.path is required when store.type is sqlite")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, "store.postgres.dsn is required when store.type is postgres")
		}
		if c.Store.Postgres.MinConns < 0 || c.Store.Postgres.MaxConns < c.Store.Postgres.MinConns {
			errs = append(errs, fmt.Sprintf("store.postgres.max_conns (%d) must be >= min_conns (%d)", c.Store.Postgres.MaxConns, c.Store.Postgres.MinConns))
		}
	default:
		errs = append(errs, fmt.Sprintf("store.type must be one of [sqlite, postgres], got %q", c.Store.Type))
	}

	if c.Queue.WorkerPrefetch <= 0 {
		errs = append(errs, fmt.Sprintf("queue.worker_prefetch must be positive, got %d", c.Queue.WorkerPrefetch))
	}
	if c.Queue.LivenessWindow <= 0 {
		errs = append(errs, "queue.liveness_window must be positive")
	}

	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, "scheduler.tick_interval must be positive")
	}

	if c.Fanout.SendBacklog <= 0 {
		errs = append(errs, "fanout.send_backlog must be positive")
	}

	if c.Executor.CommandMaxBytes <= 0 {
		errs = append(errs, "executor.command_max_bytes must be positive")
	}
	if !c.Executor.DangerousCommandCheck {
		errs = append(errs, "executor.dangerous_command_check must not be disabled outside test harnesses")
	}

	if c.Auth.JWTSecret == "" && !c.Auth.TrustIngressHeaders {
		errs = append(errs, "auth: either auth.jwt_secret or auth.trust_ingress_headers must be configured")
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout":
		case "otlp":
			if c.Tracing.OTLPEndpoint == "" {
				errs = append(errs, "tracing.otlp_endpoint is required when tracing.exporter is otlp")
			}
		default:
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [stdout, otlp], got %q", c.Tracing.Exporter))
		}
		if c.Tracing.SampleFraction < 0 || c.Tracing.SampleFraction > 1 {
			errs = append(errs, fmt.Sprintf("tracing.sample_fraction must be within [0,1], got %v", c.Tracing.SampleFraction))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}
