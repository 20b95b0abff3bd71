// Package security implements the optional command allow/blocklist
// that SPEC_FULL.md adds as supplementary hardening in front of
// run_command and send_keys.
//
// Grounded on the teacher's internal/security/filter.go CommandFilter,
// adapted to return a sessionerr.ErrCommandBlocked-wrapping error
// instead of a (bool, reason) tuple, matching the error-value idiom
// the rest of this module uses.
package security

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/acolita/ptymcp/internal/sessionerr"
)

// CommandFilter gates text against a regex blocklist and, optionally,
// a regex allowlist. A blocklist match always wins over an allowlist
// match.
type CommandFilter struct {
	mu        sync.RWMutex
	blocklist []*regexp.Regexp
	allowlist []*regexp.Regexp
}

// NewCommandFilter compiles the given blocklist/allowlist patterns.
func NewCommandFilter(blocklist, allowlist []string) (*CommandFilter, error) {
	cf := &CommandFilter{}

	for _, pattern := range blocklist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile blocklist pattern %q: %w", pattern, err)
		}
		cf.blocklist = append(cf.blocklist, re)
	}

	for _, pattern := range allowlist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile allowlist pattern %q: %w", pattern, err)
		}
		cf.allowlist = append(cf.allowlist, re)
	}

	return cf, nil
}

// Check returns sessionerr.ErrCommandBlocked, wrapped with the
// offending pattern or "not in allowlist", if text is rejected. A nil
// CommandFilter always allows, so callers can hold an unconditional
// *CommandFilter field without a nil check at every call site.
func (cf *CommandFilter) Check(text string) error {
	if cf == nil {
		return nil
	}

	cf.mu.RLock()
	defer cf.mu.RUnlock()

	for _, re := range cf.blocklist {
		if re.MatchString(text) {
			return fmt.Errorf("%w: matches blocked pattern %q", sessionerr.ErrCommandBlocked, re.String())
		}
	}

	if len(cf.allowlist) > 0 {
		for _, re := range cf.allowlist {
			if re.MatchString(text) {
				return nil
			}
		}
		return fmt.Errorf("%w: not in allowlist", sessionerr.ErrCommandBlocked)
	}

	return nil
}

// Update recompiles and swaps in a new blocklist/allowlist atomically,
// so every session already holding a pointer to this filter (each
// session's Deps.Filter is set once at Start and never reassigned)
// observes the update on its next Check call. Used by config
// hot-reload, which only has the filter pointer, not each session.
func (cf *CommandFilter) Update(blocklist, allowlist []string) error {
	fresh, err := NewCommandFilter(blocklist, allowlist)
	if err != nil {
		return err
	}

	cf.mu.Lock()
	defer cf.mu.Unlock()
	cf.blocklist = fresh.blocklist
	cf.allowlist = fresh.allowlist
	return nil
}

// HasBlocklist reports whether any blocklist patterns are configured.
func (cf *CommandFilter) HasBlocklist() bool {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return len(cf.blocklist) > 0
}

// HasAllowlist reports whether any allowlist patterns are configured.
func (cf *CommandFilter) HasAllowlist() bool {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return len(cf.allowlist) > 0
}

// DefaultBlocklist returns a small set of commonly destructive
// patterns, suitable as a starting point for a deployment's
// command_filter.blocklist config.
func DefaultBlocklist() []string {
	return []string{
		`rm\s+-rf\s+/\s*$`,
		`rm\s+-rf\s+/\*`,
		`mkfs\.`,
		`dd\s+.*of=/dev/[sh]d`,
		`:\s*\(\s*\)\s*\{\s*:\s*\|`,
		`>\s*/dev/[sh]d`,
	}
}
