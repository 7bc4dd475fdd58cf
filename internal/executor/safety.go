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

package executor

import (
	"fmt"
	"regexp"
	"strings"

	opserrors "github.com/opsconductor/core/pkg/errors"
)

// SafetyConfig bounds what ssh.exec, winrm.exec, and windows.command are
// willing to run (spec §4.6 "Command generation safety").
type SafetyConfig struct {
	// MaxCommandBytes rejects commands longer than this hard cap.
	MaxCommandBytes int

	// BlockDangerous enables the destructive-pattern denylist.
	BlockDangerous bool

	// WarnOnShellMetachars logs (rather than blocks) commands containing
	// `;`, `&&`, `||`, `|`, backticks, or `$()` outside an allow-listed
	// context, per spec §4.6.
	WarnOnShellMetachars bool
}

// DefaultSafetyConfig matches the spec's stated defaults.
func DefaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		MaxCommandBytes:      10 * 1024,
		BlockDangerous:       true,
		WarnOnShellMetachars: true,
	}
}

// dangerousPatterns are destructive operations the command builder must
// refuse outright (spec §4.6).
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+-[a-z]*r[a-z]*f?\s+/(\s|$)`),   // rm -rf /
	regexp.MustCompile(`(?i)rm\s+-[a-z]*f[a-z]*r?\s+/(\s|$)`),   // rm -fr /
	regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`),                  // format a filesystem
	regexp.MustCompile(`(?i)\bfdisk\b`),                         // partition table edits
	regexp.MustCompile(`(?i)>\s*/dev/sd[a-z]\d*\b`),             // raw disk overwrite
	regexp.MustCompile(`(?i)dd\s+.*of=/dev/(sd|nvme|hd)`),       // disk wipe via dd
	regexp.MustCompile(`(?i)\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`(?i)chmod\s+777\s+-?[rR]?`),
	regexp.MustCompile(`(?i)Remove-Item\s+.*-Recurse.*C:\\\\?\s*$`), // PowerShell recursive C:\ delete
	regexp.MustCompile(`(?i)Format-Volume`),
	regexp.MustCompile(`(?i)Stop-Computer|Restart-Computer`),
}

// shellMetachars are flagged (warned, not blocked) when present outside an
// allow-listed context.
var shellMetacharRE = regexp.MustCompile("[;|`]|&&|\\|\\||\\$\\(")

// CheckCommand enforces spec §4.6's safety gate before any ssh.exec,
// winrm.exec, or windows.command payload is dispatched to a target. It
// returns warnings for shell-metacharacter usage (non-fatal) and a
// *opserrors.SafetyError when the command is outright refused.
func CheckCommand(cfg SafetyConfig, command string) (warnings []string, err error) {
	if cfg.MaxCommandBytes > 0 && len(command) > cfg.MaxCommandBytes {
		return nil, &opserrors.SafetyError{
			Reason: "command_too_large",
			Detail: fmt.Sprintf("command is %d bytes, exceeds cap of %d", len(command), cfg.MaxCommandBytes),
		}
	}

	if cfg.BlockDangerous {
		for _, re := range dangerousPatterns {
			if re.MatchString(command) {
				return nil, &opserrors.SafetyError{
					Reason: "dangerous_command",
					Detail: fmt.Sprintf("command matches a blocked destructive pattern: %q", re.String()),
				}
			}
		}
	}

	if cfg.WarnOnShellMetachars && shellMetacharRE.MatchString(command) && !inAllowlistedContext(command) {
		warnings = append(warnings, "command contains shell metacharacters ("+strings.Join(shellMetacharRE.FindAllString(command, -1), ", ")+")")
	}

	return warnings, nil
}

// inAllowlistedContext recognizes a small set of benign metacharacter uses
// (e.g. a pipeline into grep/wc that the command itself declares via a
// leading "# allow:" comment) so routine administrative one-liners don't
// spam warnings.
func inAllowlistedContext(command string) bool {
	return strings.HasPrefix(strings.TrimSpace(command), "# allow:")
}
