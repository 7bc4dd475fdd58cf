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

package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/core/internal/scheduler"
)

func TestParseCron_Aliases(t *testing.T) {
	for _, alias := range []string{"@hourly", "@daily", "@midnight", "@weekly", "@monthly", "@yearly", "@annually"} {
		_, err := scheduler.ParseCron(alias)
		assert.NoError(t, err, "alias %s", alias)
	}
}

func TestParseCron_InvalidFieldCount(t *testing.T) {
	_, err := scheduler.ParseCron("0 * * *")
	assert.Error(t, err)
}

func TestParseCron_InvalidRange(t *testing.T) {
	_, err := scheduler.ParseCron("99 * * * *")
	assert.Error(t, err)
}

func TestCronExpr_Next_EveryHour(t *testing.T) {
	expr, err := scheduler.ParseCron("0 * * * *")
	require.NoError(t, err)

	from := time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)
	next := expr.Next(from)
	assert.Equal(t, time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC), next)
}

func TestCronExpr_Next_Weekdays9am(t *testing.T) {
	expr, err := scheduler.ParseCron("0 9 * * 1-5")
	require.NoError(t, err)

	// Saturday 2026-01-03: next weekday 9am is Monday 2026-01-05.
	from := time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC)
	next := expr.Next(from)
	assert.Equal(t, time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC), next)
}

func TestCronExpr_Next_EveryFifteenMinutes(t *testing.T) {
	expr, err := scheduler.ParseCron("*/15 * * * *")
	require.NoError(t, err)

	from := time.Date(2026, 1, 1, 10, 16, 0, 0, time.UTC)
	next := expr.Next(from)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC), next)
}

func TestCronExpr_Next_MonthBoundary(t *testing.T) {
	expr, err := scheduler.ParseCron("0 0 1 * *")
	require.NoError(t, err)

	from := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	next := expr.Next(from)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), next)
}
