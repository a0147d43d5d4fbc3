// Package process implements the built-in process.spawn capability.
// Grounded directly on backend/core/capabilities/process_strict.py: an
// executable whitelist, no shell invocation ever, a bounded timeout, and a
// bounded output size.
package process

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/mek-systems/mek/core/pkg/mek"
)

// Refusal reasons, matching ProcessRefusal in process_strict.py. Shell
// invocation is not merely refused — exec.Command never invokes a shell, so
// ReasonShellInvocationForbidden can only be reached by explicit rejection
// of a caller-supplied "shell" field, not by any code path in this package
// actually shelling out.
const (
	ReasonExecutableNotAllowed   = "executable_not_allowed"
	ReasonTimeoutExceeded        = "timeout_exceeded"
	ReasonOutputLimitExceeded    = "output_limit_exceeded"
	ReasonShellInvocationForbidden = "shell_invocation_forbidden"
)

const capabilityName = "process.spawn"

// Config mirrors ProcessConfig's frozen dataclass.
type Config struct {
	AllowedExecutables map[string]bool
	MaxTimeoutSeconds  int
	MaxOutputBytes     int64
}

// DefaultConfig matches the Python module's defaults: a 60-second ceiling
// and a 10 MiB output ceiling.
func DefaultConfig(allowedExecutables ...string) Config {
	allowed := make(map[string]bool, len(allowedExecutables))
	for _, e := range allowedExecutables {
		allowed[e] = true
	}
	return Config{
		AllowedExecutables: allowed,
		MaxTimeoutSeconds:  60,
		MaxOutputBytes:     10 * 1024 * 1024,
	}
}

func refuse(reason, detail string) error {
	return &mek.CapabilityError{Capability: capabilityName, Reason: reason, Detail: detail}
}

// New builds the process.spawn capability (HIGH consequence).
func New(cfg Config) (*mek.CapabilityContract, error) {
	return mek.NewCapabilityContract(capabilityName, mek.ConsequenceHigh, []string{"executable", "args"}, func(ctx context.Context, mc *mek.Context) (any, error) {
		execVal, _ := mc.Field("executable")
		executable, _ := execVal.(string)
		if shellVal, ok := mc.Field("shell"); ok {
			if shell, _ := shellVal.(bool); shell {
				return nil, refuse(ReasonShellInvocationForbidden, "shell invocation is never permitted")
			}
		}
		if !cfg.AllowedExecutables[executable] {
			return nil, refuse(ReasonExecutableNotAllowed, executable)
		}

		args := extractArgs(mc)

		timeout := cfg.MaxTimeoutSeconds
		if tv, ok := mc.Field("timeout_seconds"); ok {
			if t, ok := tv.(int); ok {
				timeout = t
			} else if t, ok := tv.(float64); ok {
				timeout = int(t)
			}
		}
		if timeout <= 0 || timeout > cfg.MaxTimeoutSeconds {
			return nil, refuse(ReasonTimeoutExceeded, fmt.Sprintf("timeout %d outside (0, %d]", timeout, cfg.MaxTimeoutSeconds))
		}

		runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()

		// exec.CommandContext never goes through a shell: args are passed as
		// a discrete argv, never interpolated into a command string. This is
		// the structural half of "shell invocation is forbidden" — it is
		// impossible, not merely disallowed.
		cmd := exec.CommandContext(runCtx, executable, args...)
		cmd.Env = []string{} // forbid_environment_inheritance (a nil Env would inherit the parent's)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if runCtx.Err() != nil {
				return nil, refuse(ReasonTimeoutExceeded, fmt.Sprintf("exceeded %ds", timeout))
			}
			return nil, fmt.Errorf("process.spawn: %w", err)
		}

		if int64(stdout.Len()+stderr.Len()) > cfg.MaxOutputBytes {
			return nil, refuse(ReasonOutputLimitExceeded, fmt.Sprintf("output exceeds %d bytes", cfg.MaxOutputBytes))
		}

		return map[string]any{
			"stdout": stdout.String(),
			"stderr": stderr.String(),
		}, nil
	})
}

func extractArgs(mc *mek.Context) []string {
	raw, ok := mc.Field("args")
	if !ok {
		return nil
	}
	list, ok := raw.([]string)
	if ok {
		return list
	}
	anyList, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(anyList))
	for _, v := range anyList {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
