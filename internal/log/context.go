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

package log

import "context"

type correlationIDContextKey struct{}

// ContextWithCorrelationID attaches a run's correlation ID to ctx so
// components several layers deep (the HTTP client transport, step
// executors) can propagate it without threading an extra parameter through
// every call.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDContextKey{}, correlationID)
}

// CorrelationIDFromContext returns the correlation ID attached by
// ContextWithCorrelationID, or "" if none is present.
func CorrelationIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDContextKey{}).(string)
	return v
}
