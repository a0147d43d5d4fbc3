package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/mek-systems/mek/core/pkg/config"
)

// runDoctorCmd implements `mek doctor` — a system health check that never
// dispatches a capability: it only confirms the stores can open and the
// configured regional profiles parse.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(stdout, stderr io.Writer) int {
	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"` // "ok", "warn", "fail"
		Detail string `json:"detail,omitempty"`
	}

	var results []checkResult
	allOK := true

	results = append(results, checkResult{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	})

	cfg := config.Load()

	if cfg.SigningRootSecret == "" {
		results = append(results, checkResult{
			Name:   "signing_root_secret",
			Status: "warn",
			Detail: "MEK_SIGNING_ROOT_SECRET not set; a fresh key is generated on every startup and the tamper-evidence chain resets",
		})
	} else {
		results = append(results, checkResult{Name: "signing_root_secret", Status: "ok"})
	}

	ctx := context.Background()
	k, err := buildKernel(ctx, cfg)
	if err != nil {
		results = append(results, checkResult{Name: "kernel_init", Status: "fail", Detail: err.Error()})
		allOK = false
	} else {
		results = append(results, checkResult{
			Name:   "kernel_init",
			Status: "ok",
			Detail: fmt.Sprintf("%d capabilities registered", len(k.registry.List())),
		})

		status, sloErr := k.sloTracker.Status("dispatch")
		if sloErr != nil {
			results = append(results, checkResult{Name: "dispatch_slo", Status: "warn", Detail: sloErr.Error()})
		} else {
			results = append(results, checkResult{
				Name:   "dispatch_slo",
				Status: "ok",
				Detail: fmt.Sprintf("%d observations in window, %.1f%% error budget left", status.ObservationCount, status.ErrorBudgetLeft),
			})
		}
		results = append(results, checkResult{
			Name:   "audit_timeline",
			Status: "ok",
			Detail: fmt.Sprintf("%d SLIs registered, %d timeline entries", k.sliRegistry.Count(), k.timeline.Count()),
		})

		k.Close(ctx)
	}

	profiles, err := config.LoadAllProfiles(cfg.ProfilesDir)
	if err != nil {
		results = append(results, checkResult{
			Name:   "regional_profiles",
			Status: "warn",
			Detail: fmt.Sprintf("could not load profiles from %s: %v", cfg.ProfilesDir, err),
		})
	} else {
		results = append(results, checkResult{
			Name:   "regional_profiles",
			Status: "ok",
			Detail: fmt.Sprintf("%d profiles loaded from %s", len(profiles), cfg.ProfilesDir),
		})
	}

	if os.Getenv("MEK_DOCTOR_JSON") == "true" {
		_ = json.NewEncoder(stdout).Encode(results)
	} else {
		fmt.Fprintf(stdout, "\n%smek doctor%s\n", ColorBold+ColorPurple, ColorReset)
		for _, r := range results {
			icon := "✓"
			switch r.Status {
			case "warn":
				icon = "!"
			case "fail":
				icon = "✗"
			}
			fmt.Fprintf(stdout, "  %s  %-20s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
		}
		if allOK {
			fmt.Fprintf(stdout, "\n%sall checks passed.%s\n", ColorGreen+ColorBold, ColorReset)
		} else {
			fmt.Fprintf(stderr, "\n%sone or more checks failed.%s\n", ColorRed+ColorBold, ColorReset)
		}
	}

	if !allOK {
		return 1
	}
	return 0
}
