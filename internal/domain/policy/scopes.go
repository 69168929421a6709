package policy

import "strings"

// ScopeMatches reports whether a granted scope satisfies a required one.
//
// Supported forms:
//   - "*" grants everything (admin)
//   - exact match: "github.read" satisfies "github.read"
//   - wildcard: "notion.*" satisfies "notion.write", "runs:*" satisfies "runs:read"
//   - hierarchy: "runs:write" satisfies "runs:read" (write implies read)
func ScopeMatches(required, granted string) bool {
	if granted == "*" {
		return true
	}
	if required == granted {
		return true
	}

	if prefix, ok := strings.CutSuffix(granted, ".*"); ok {
		if strings.HasPrefix(required, prefix+".") || strings.HasPrefix(required, prefix+":") {
			return true
		}
	}
	if prefix, ok := strings.CutSuffix(granted, ":*"); ok {
		if strings.HasPrefix(required, prefix+".") || strings.HasPrefix(required, prefix+":") {
			return true
		}
	}

	// Write implies read within the same resource.
	if reqRes, reqAct, ok := cutLast(required, ":"); ok {
		if grantRes, grantAct, ok2 := cutLast(granted, ":"); ok2 {
			if reqRes == grantRes && grantAct == "write" && reqAct == "read" {
				return true
			}
		}
	}
	return false
}

// MissingScopes returns the required scopes not satisfied by any granted scope.
func MissingScopes(required, granted []string) []string {
	var missing []string
	for _, req := range required {
		satisfied := false
		for _, g := range granted {
			if ScopeMatches(req, g) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			missing = append(missing, req)
		}
	}
	return missing
}

// IsAdmin reports whether the granted scopes include the admin wildcard.
func IsAdmin(granted []string) bool {
	for _, g := range granted {
		if g == "*" {
			return true
		}
	}
	return false
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
