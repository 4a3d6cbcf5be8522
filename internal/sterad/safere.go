package sterad

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrPatternTimeout is returned when a guarded match exceeds its budget.
var ErrPatternTimeout = errors.New("pattern match exceeded time budget")

// SafePattern wraps a compiled regexp so that no call blocks the caller for
// longer than the configured budget. Each match runs on its own goroutine;
// RE2 matching is linear in the input so the goroutine always finishes, but
// the caller stops waiting once the budget is spent and takes the default.
type SafePattern struct {
	re     *regexp.Regexp
	budget time.Duration

	// onFailure is invoked with ErrPatternTimeout or a recovered panic.
	onFailure func(pattern string, err error)
}

// NewSafePattern compiles pattern with the given flags. Supported flags are
// i (case-insensitive), s (dot matches newline), m (multi-line) and
// U (ungreedy). A non-positive budget selects the 100ms default.
func NewSafePattern(pattern, flags string, budget time.Duration) (*SafePattern, error) {
	prefix, err := inlineFlags(flags)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(prefix + pattern)
	if err != nil {
		return nil, err
	}
	if budget <= 0 {
		budget = defaultPatternBudget
	}
	return &SafePattern{re: re, budget: budget}, nil
}

// MustSafePattern is NewSafePattern for fixed, known-good patterns.
func MustSafePattern(pattern, flags string, budget time.Duration) *SafePattern {
	p, err := NewSafePattern(pattern, flags, budget)
	if err != nil {
		panic(fmt.Sprintf("sterad: bad pattern %q: %v", pattern, err))
	}
	return p
}

func inlineFlags(flags string) (string, error) {
	if flags == "" {
		return "", nil
	}
	var b strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 's', 'm', 'U':
			if !strings.ContainsRune(b.String(), f) {
				b.WriteRune(f)
			}
		case 'g':
			// global is implied by the ReplaceAll methods
		default:
			return "", fmt.Errorf("unsupported pattern flag %q", f)
		}
	}
	if b.Len() == 0 {
		return "", nil
	}
	return "(?" + b.String() + ")", nil
}

// String returns the source pattern including inline flags.
func (p *SafePattern) String() string { return p.re.String() }

// Budget is the per-call time budget.
func (p *SafePattern) Budget() time.Duration { return p.budget }

// WithFailureHook returns a copy reporting timeouts and panics to fn.
func (p *SafePattern) WithFailureHook(fn func(pattern string, err error)) *SafePattern {
	cp := *p
	cp.onFailure = fn
	return &cp
}

// MatchString reports whether input matches. On timeout or internal failure
// it returns def.
func (p *SafePattern) MatchString(input string, def bool) bool {
	v, err := guard(p.budget, func() bool { return p.re.MatchString(input) })
	if err != nil {
		p.fail(err)
		return def
	}
	return v
}

// FindStringSubmatch returns the leftmost match and its groups, or nil on no
// match, timeout or failure.
func (p *SafePattern) FindStringSubmatch(input string) []string {
	v, err := guard(p.budget, func() []string { return p.re.FindStringSubmatch(input) })
	if err != nil {
		p.fail(err)
		return nil
	}
	return v
}

// ReplaceAllString behaves like regexp.ReplaceAllString but returns input
// unchanged on timeout or failure.
func (p *SafePattern) ReplaceAllString(input, repl string) string {
	v, err := guard(p.budget, func() string { return p.re.ReplaceAllString(input, repl) })
	if err != nil {
		p.fail(err)
		return input
	}
	return v
}

// ReplaceAllStringFunc behaves like regexp.ReplaceAllStringFunc but returns
// input unchanged on timeout or failure.
func (p *SafePattern) ReplaceAllStringFunc(input string, fn func(string) string) string {
	v, err := guard(p.budget, func() string { return p.re.ReplaceAllStringFunc(input, fn) })
	if err != nil {
		p.fail(err)
		return input
	}
	return v
}

func (p *SafePattern) fail(err error) {
	if p.onFailure != nil {
		p.onFailure(p.re.String(), err)
	}
}

type guardResult[T any] struct {
	v   T
	err error
}

// guard runs fn on a separate goroutine and waits at most budget for it.
func guard[T any](budget time.Duration, fn func() T) (T, error) {
	done := make(chan guardResult[T], 1)
	go func() {
		var res guardResult[T]
		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("pattern panic: %v", r)
			}
			done <- res
		}()
		res.v = fn()
	}()

	t := time.NewTimer(budget)
	defer t.Stop()

	select {
	case res := <-done:
		return res.v, res.err
	case <-t.C:
		var zero T
		return zero, ErrPatternTimeout
	}
}
