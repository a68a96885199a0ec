// Package failure classifies job handler errors into stable categories that
// the worker's retry policy and alerting key on.
package failure

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strconv"
	"time"

	"siteops/internal/common/security"
)

type Category string

const (
	CategorySSRFBlocked     Category = "ssrf_blocked"
	CategoryRateLimit       Category = "rate_limit"
	CategoryAuthExpired     Category = "auth_expired"
	CategoryEconomicsFailed Category = "economics_failed"
	CategoryTimeout         Category = "timeout"
	CategoryNetwork         Category = "network"
	CategoryUnknown         Category = "unknown"
)

// UnknownMaxAttempts bounds retries of unclassified errors. Pending product
// confirmation this stays small rather than infinite or zero.
const UnknownMaxAttempts = 3

const (
	baseBackoff = 30 * time.Second
	maxBackoff  = 30 * time.Minute
)

type Details struct {
	RetryAfterSeconds *int `json:"retryAfterSeconds,omitempty"`
}

type Classification struct {
	Category    Category `json:"category"`
	Retryable   bool     `json:"retryable"`
	MaxAttempts int      `json:"maxAttempts"`
	Details     Details  `json:"extractedDetails"`
}

type rule struct {
	category    Category
	pattern     *regexp.Regexp
	retryable   bool
	maxAttempts int
}

// Ordered; first match wins.
var rules = []rule{
	{CategoryRateLimit, regexp.MustCompile(`(?i)\b429\b|too many requests|rate[ _-]?limit|quota exceeded`), true, 5},
	{CategoryAuthExpired, regexp.MustCompile(`(?i)oauth|token (has )?expired|expired token|unauthori[sz]ed|invalid_grant|\b401\b`), false, 1},
	{CategoryEconomicsFailed, regexp.MustCompile(`(?i)exceeds? .*threshold|negative expectancy|economics? (check )?failed|below (the )?minimum (roi|margin)`), false, 1},
	{CategoryTimeout, regexp.MustCompile(`(?i)timed? ?out|deadline exceeded|\b504\b`), true, 3},
	{CategoryNetwork, regexp.MustCompile(`(?i)connection (refused|reset)|no such host|broken pipe|\b50[23]\b|unexpected eof`), true, 3},
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry[ _-]?after[:=\s]*(\d+)`)

// Categorize classifies err. A nil error classifies as unknown.
func Categorize(err error) Classification {
	if err == nil {
		return CategorizeMessage("")
	}
	if errors.Is(err, security.ErrSSRFBlocked) {
		return Classification{Category: CategorySSRFBlocked, Retryable: false, MaxAttempts: 1}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Category: CategoryTimeout, Retryable: true, MaxAttempts: 3}
	}
	return CategorizeMessage(err.Error())
}

// CategorizeMessage classifies a raw error message.
func CategorizeMessage(msg string) Classification {
	for _, r := range rules {
		if !r.pattern.MatchString(msg) {
			continue
		}
		c := Classification{Category: r.category, Retryable: r.retryable, MaxAttempts: r.maxAttempts}
		if r.category == CategoryRateLimit {
			if m := retryAfterPattern.FindStringSubmatch(msg); m != nil {
				if n, err := strconv.Atoi(m[1]); err == nil {
					c.Details.RetryAfterSeconds = &n
				}
			}
		}
		return c
	}
	return Classification{Category: CategoryUnknown, Retryable: true, MaxAttempts: UnknownMaxAttempts}
}

// ShouldRetry reports whether a job that has already been attempted
// attempts times gets another run.
func (c Classification) ShouldRetry(attempts int) bool {
	return c.Retryable && attempts < c.MaxAttempts
}

// BackoffFor returns the delay before the next attempt. An extracted
// retry-after wins; otherwise exponential from 30s, capped at 30m.
func (c Classification) BackoffFor(attempts int) time.Duration {
	if c.Details.RetryAfterSeconds != nil && *c.Details.RetryAfterSeconds > 0 {
		return time.Duration(*c.Details.RetryAfterSeconds) * time.Second
	}
	if attempts < 1 {
		attempts = 1
	}
	d := float64(baseBackoff) * math.Pow(2, float64(attempts-1))
	if d > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(d)
}
