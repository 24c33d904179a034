package rbac

import "strings"

// MatchPattern reports whether a resource matches a grant pattern and the
// specificity of the match (longer is more specific). Patterns are exact
// (`expenses/report`), prefix (`expenses/*`), or wildcard (`*`).
func MatchPattern(pattern, resource string) (bool, int) {
	switch {
	case pattern == "*":
		return true, 0
	case strings.HasSuffix(pattern, "*"):
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(resource, prefix) {
			return true, len(prefix)
		}
		return false, 0
	default:
		if pattern == resource {
			// Exact match outranks any prefix.
			return true, len(pattern) + 1
		}
		return false, 0
	}
}

// MatchAny reports whether any pattern in the set matches the resource.
func MatchAny(patterns []string, resource string) bool {
	for _, p := range patterns {
		if ok, _ := MatchPattern(p, resource); ok {
			return true
		}
	}
	return false
}

// BestMatch returns the most specific matching pattern index, or -1.
// Ties between equally specific patterns are broken by the caller (the
// policy layer ranks DENY > ALLOW > FLAG).
func BestMatch(patterns []string, resource string) (int, int) {
	best, bestLen := -1, -1
	for i, p := range patterns {
		if ok, spec := MatchPattern(p, resource); ok && spec > bestLen {
			best, bestLen = i, spec
		}
	}
	return best, bestLen
}
