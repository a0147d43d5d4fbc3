// Package screen implements the built-in screen.capture capability:
// rate-limited capture calls and bounded region dimensions. The actual pixel
// capture mechanism is deliberately out of scope here — Driver below is the
// seam a real adapter plugs into.
package screen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mek-systems/mek/core/pkg/mek"
)

// Refusal reasons, matching ScreenRefusal in screen_strict.py.
const (
	ReasonRegionInvalid       = "region_invalid"
	ReasonRateLimitExceeded   = "rate_limit_exceeded"
	ReasonUnspecifiedRegion   = "unspecified_region"
)

const capabilityName = "screen.capture"

// Region is a capture rectangle.
type Region struct {
	X, Y, Width, Height int
}

// Driver performs the actual pixel capture. A real deployment supplies an
// OS-specific implementation; the kernel never ships one.
type Driver interface {
	Capture(ctx context.Context, region Region) ([]byte, error)
	FullScreenRegion() Region
}

// Config mirrors ScreenConfig's frozen dataclass.
type Config struct {
	MaxWidth, MaxHeight int
	MinRateLimit        time.Duration
	AllowFullScreen     bool
}

// DefaultConfig matches the Python module's defaults: 3840x2160 ceiling and
// a 1-second minimum interval between captures.
func DefaultConfig() Config {
	return Config{
		MaxWidth:        3840,
		MaxHeight:       2160,
		MinRateLimit:    time.Second,
		AllowFullScreen: true,
	}
}

func refuse(reason, detail string) error {
	return &mek.CapabilityError{Capability: capabilityName, Reason: reason, Detail: detail}
}

// New builds the screen.capture capability (LOW consequence). clock is
// injected so rate-limit tests do not depend on wall-clock sleeps.
func New(cfg Config, driver Driver, clock func() time.Time) (*mek.CapabilityContract, error) {
	if clock == nil {
		clock = time.Now
	}
	var mu sync.Mutex
	var lastCapture time.Time

	return mek.NewCapabilityContract(capabilityName, mek.ConsequenceLow, nil, func(ctx context.Context, mc *mek.Context) (any, error) {
		mu.Lock()
		now := clock()
		if !lastCapture.IsZero() && now.Sub(lastCapture) < cfg.MinRateLimit {
			mu.Unlock()
			return nil, refuse(ReasonRateLimitExceeded, fmt.Sprintf("last capture was %s ago, minimum is %s", now.Sub(lastCapture), cfg.MinRateLimit))
		}
		lastCapture = now
		mu.Unlock()

		region, err := resolveRegion(mc, cfg, driver)
		if err != nil {
			return nil, err
		}

		data, err := driver.Capture(ctx, region)
		if err != nil {
			return nil, fmt.Errorf("screen.capture: %w", err)
		}
		return map[string]any{
			"region": region,
			"bytes":  data,
		}, nil
	})
}

func resolveRegion(mc *mek.Context, cfg Config, driver Driver) (Region, error) {
	raw, ok := mc.Field("region")
	if !ok {
		if !cfg.AllowFullScreen {
			return Region{}, refuse(ReasonUnspecifiedRegion, "no region supplied and full-screen capture is disabled")
		}
		return driver.FullScreenRegion(), nil
	}

	region, ok := raw.(Region)
	if !ok {
		return Region{}, refuse(ReasonRegionInvalid, "region field must be a screen.Region")
	}
	if region.Width <= 0 || region.Height <= 0 {
		return Region{}, refuse(ReasonRegionInvalid, "width and height must be positive")
	}
	if region.Width > cfg.MaxWidth || region.Height > cfg.MaxHeight {
		return Region{}, refuse(ReasonRegionInvalid, fmt.Sprintf("%dx%d exceeds %dx%d ceiling", region.Width, region.Height, cfg.MaxWidth, cfg.MaxHeight))
	}
	return region, nil
}
