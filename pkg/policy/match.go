package policy

import "strings"

// RunScope holds the concrete identifiers policies are matched against.
type RunScope struct {
	TenantID   string
	StrandID   string
	WorkflowID string
}

// MatchPattern reports whether a single pattern matches a value.
//
// "*" matches anything. A pattern with a trailing "*" matches any value with
// the preceding literal as a prefix; "starter-*" matches "starter-" and
// "starter-xyz" but not "starter". Any other pattern is an exact match.
func MatchPattern(pattern, value string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(value, prefix)
	}
	return pattern == value
}

// isWildcard reports whether the pattern matches everything.
func isWildcard(pattern string) bool {
	return pattern == "*" || pattern == ""
}

// Matches reports whether all three patterns match the run scope.
func (m Match) Matches(scope RunScope) bool {
	return MatchPattern(m.TenantID, scope.TenantID) &&
		MatchPattern(m.StrandID, scope.StrandID) &&
		MatchPattern(m.WorkflowID, scope.WorkflowID)
}
