package worker

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	MinConcurrency = 1
	MaxConcurrency = 32
)

var jobTypePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidJobType reports whether name is an acceptable job-type token.
func ValidJobType(name string) bool {
	return jobTypePattern.MatchString(name)
}

func clampConcurrency(n int) int {
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ParseJobTypeConcurrencyMap parses "type:limit, type:limit". Entries with an
// invalid job type or a limit that is not a positive integer are dropped.
func ParseJobTypeConcurrencyMap(raw string) map[string]int {
	out := map[string]int{}
	for _, entry := range strings.Split(raw, ",") {
		name, limitStr, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if !ValidJobType(name) {
			continue
		}
		limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
		if err != nil || limit <= 0 {
			continue
		}
		out[name] = clampConcurrency(limit)
	}
	return out
}

// NormalizeWorkerConcurrency substitutes fallback for a non-finite value,
// floors, then clamps to [1,32]. Callers pass NaN for "not configured".
func NormalizeWorkerConcurrency(value float64, fallback int) int {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return clampConcurrency(fallback)
	}
	floored := math.Floor(value)
	if floored > MaxConcurrency {
		return MaxConcurrency
	}
	if floored < MinConcurrency {
		return MinConcurrency
	}
	return clampConcurrency(int(floored))
}

// NormalizePerJobTypeConcurrency applies valid overrides on top of defaults.
// Invalid overrides leave the default for that job type untouched.
func NormalizePerJobTypeConcurrency(overrides, defaults map[string]int) map[string]int {
	out := make(map[string]int, len(defaults)+len(overrides))
	for name, limit := range defaults {
		out[name] = clampConcurrency(limit)
	}
	for name, limit := range overrides {
		if !ValidJobType(name) || limit <= 0 {
			continue
		}
		out[name] = clampConcurrency(limit)
	}
	return out
}

// ConcurrencyPlan is the advisory per-job-type limit set a worker runtime
// enforces.
type ConcurrencyPlan struct {
	Default    int            `json:"default"`
	PerJobType map[string]int `json:"perJobType"`
}

func (p ConcurrencyPlan) LimitFor(jobType string) int {
	if limit, ok := p.PerJobType[jobType]; ok {
		return limit
	}
	return p.Default
}

// BuildConcurrencyPlan combines the global default, configured per-type
// defaults and the raw override string into one normalized plan.
func BuildConcurrencyPlan(globalDefault float64, fallback int, defaults map[string]int, rawOverrides string) ConcurrencyPlan {
	return ConcurrencyPlan{
		Default:    NormalizeWorkerConcurrency(globalDefault, fallback),
		PerJobType: NormalizePerJobTypeConcurrency(ParseJobTypeConcurrencyMap(rawOverrides), defaults),
	}
}
