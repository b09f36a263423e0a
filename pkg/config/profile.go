package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/Sternrassler/audience-reach/pkg/ratelimit"
)

// Profile names.
const (
	ProfileDevelopment  = "development"
	ProfileConservative = "conservative"
	ProfileProduction   = "production"
	ProfileAggressive   = "aggressive"
)

// LimiterProfile holds the static ceilings of one limiter.
type LimiterProfile struct {
	CallsPerMinute int           `yaml:"calls_per_minute"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	MinTime        time.Duration `yaml:"min_time"`
}

// BatchTier maps a run volume to a batch size. A tier applies when the run
// has at most MaxUnits units; MaxUnits 0 matches any volume.
type BatchTier struct {
	MaxUnits int `yaml:"max_units"`
	Size     int `yaml:"size"`
}

// Profile is a named bundle of limiter ceilings, batch tiers and delays.
type Profile struct {
	Name          string         `yaml:"name"`
	Lookup        LimiterProfile `yaml:"lookup"`
	Estimate      LimiterProfile `yaml:"estimate"`
	BatchTiers    []BatchTier    `yaml:"batch_tiers"`
	PerUnitDelay  time.Duration  `yaml:"per_unit_delay"`
	MinBatchDelay time.Duration  `yaml:"min_batch_delay"`
}

var profiles = map[string]Profile{
	ProfileDevelopment: {
		Name:          ProfileDevelopment,
		Lookup:        LimiterProfile{CallsPerMinute: 60, MaxConcurrent: 2, MinTime: time.Second},
		Estimate:      LimiterProfile{CallsPerMinute: 30, MaxConcurrent: 1, MinTime: 2 * time.Second},
		BatchTiers:    []BatchTier{{MaxUnits: 25, Size: 5}, {MaxUnits: 100, Size: 10}, {Size: 20}},
		PerUnitDelay:  500 * time.Millisecond,
		MinBatchDelay: 2 * time.Second,
	},
	ProfileConservative: {
		Name:          ProfileConservative,
		Lookup:        LimiterProfile{CallsPerMinute: 100, MaxConcurrent: 3, MinTime: 600 * time.Millisecond},
		Estimate:      LimiterProfile{CallsPerMinute: 50, MaxConcurrent: 2, MinTime: 1200 * time.Millisecond},
		BatchTiers:    []BatchTier{{MaxUnits: 50, Size: 10}, {MaxUnits: 500, Size: 20}, {Size: 25}},
		PerUnitDelay:  300 * time.Millisecond,
		MinBatchDelay: time.Second,
	},
	ProfileProduction: {
		Name:          ProfileProduction,
		Lookup:        LimiterProfile{CallsPerMinute: 200, MaxConcurrent: 5, MinTime: 200 * time.Millisecond},
		Estimate:      LimiterProfile{CallsPerMinute: 100, MaxConcurrent: 3, MinTime: 500 * time.Millisecond},
		BatchTiers:    []BatchTier{{MaxUnits: 100, Size: 25}, {MaxUnits: 1000, Size: 50}, {Size: 100}},
		PerUnitDelay:  100 * time.Millisecond,
		MinBatchDelay: 500 * time.Millisecond,
	},
	ProfileAggressive: {
		Name:          ProfileAggressive,
		Lookup:        LimiterProfile{CallsPerMinute: 400, MaxConcurrent: 10, MinTime: 100 * time.Millisecond},
		Estimate:      LimiterProfile{CallsPerMinute: 200, MaxConcurrent: 6, MinTime: 250 * time.Millisecond},
		BatchTiers:    []BatchTier{{MaxUnits: 100, Size: 50}, {MaxUnits: 1000, Size: 100}, {Size: 200}},
		PerUnitDelay:  50 * time.Millisecond,
		MinBatchDelay: 250 * time.Millisecond,
	},
}

// ProfileByName returns a copy of the named built-in profile.
func ProfileByName(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile %q (want one of %v)", name, ProfileNames())
	}
	p.BatchTiers = append([]BatchTier(nil), p.BatchTiers...)
	return p, nil
}

// ProfileNames lists the built-in profiles in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BatchSize returns the batch size for a run of total units.
func (p Profile) BatchSize(total int) int {
	size := 1
	for _, tier := range p.BatchTiers {
		size = tier.Size
		if tier.MaxUnits == 0 || total <= tier.MaxUnits {
			break
		}
	}
	if size < 1 {
		size = 1
	}
	return size
}

// BatchDelay returns the pause after a batch of size units.
func (p Profile) BatchDelay(size int) time.Duration {
	d := time.Duration(size) * p.PerUnitDelay
	if d < p.MinBatchDelay {
		d = p.MinBatchDelay
	}
	return d
}

// LookupLimiter returns the lookup limiter configuration.
func (p Profile) LookupLimiter() ratelimit.Config {
	return p.Lookup.limiter("lookup")
}

// EstimateLimiter returns the estimate limiter configuration.
func (p Profile) EstimateLimiter() ratelimit.Config {
	return p.Estimate.limiter("estimate")
}

func (lp LimiterProfile) limiter(name string) ratelimit.Config {
	return ratelimit.Config{
		Name:           name,
		MaxConcurrent:  lp.MaxConcurrent,
		MinTime:        lp.MinTime,
		CallsPerMinute: lp.CallsPerMinute,
	}
}

// Validate checks the profile's ceilings and tiers.
func (p Profile) Validate() error {
	for name, lp := range map[string]LimiterProfile{"lookup": p.Lookup, "estimate": p.Estimate} {
		if lp.MaxConcurrent < 1 {
			return fmt.Errorf("profile %s: %s max_concurrent must be positive", p.Name, name)
		}
		if lp.CallsPerMinute < 0 || lp.MinTime < 0 {
			return fmt.Errorf("profile %s: %s ceilings must not be negative", p.Name, name)
		}
	}
	if len(p.BatchTiers) == 0 {
		return fmt.Errorf("profile %s: at least one batch tier is required", p.Name)
	}
	for _, tier := range p.BatchTiers {
		if tier.Size < 1 {
			return fmt.Errorf("profile %s: batch tier size must be positive", p.Name)
		}
	}
	if p.PerUnitDelay < 0 || p.MinBatchDelay < 0 {
		return fmt.Errorf("profile %s: delays must not be negative", p.Name)
	}
	return nil
}
