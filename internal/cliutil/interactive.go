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

package cliutil

import (
	"os"

	"golang.org/x/term"
)

// IsNonInteractive reports whether opsctl should avoid prompting: an
// explicit opt-out, common CI indicators, or a non-TTY stdin, checked in
// that priority order.
func IsNonInteractive() bool {
	if os.Getenv("OPSCTL_NON_INTERACTIVE") == "true" {
		return true
	}
	if isCIEnvironment() {
		return true
	}
	return !term.IsTerminal(int(os.Stdin.Fd()))
}

func isCIEnvironment() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "CIRCLECI", "JENKINS_HOME"} {
		val := os.Getenv(v)
		if val == "true" || val == "1" {
			return true
		}
		if v == "JENKINS_HOME" && val != "" {
			return true
		}
	}
	return false
}
