package auth

import (
	"net/http"
	"strings"
)

const devicesPrefix = "/api/v1/devices/"

// Policy determines required roles by request.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
}

// NewDefaultPolicy builds a default policy with exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes}
}

// IsExempt returns true when a request should skip auth/RBAC.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// RequiredRole resolves required role for the request.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	path := r.URL.Path
	method := r.Method
	read := method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions

	switch {
	case path == "/api/v1/devices":
		if read {
			return RoleViewer, true
		}
		return RoleAdmin, true
	case strings.HasPrefix(path, devicesPrefix):
		if read {
			return RoleViewer, true
		}
		rest := strings.TrimPrefix(path, devicesPrefix)
		if method == http.MethodDelete && !strings.Contains(rest, "/") {
			return RoleAdmin, true
		}
		if strings.HasSuffix(rest, "/resources") {
			return RoleAdmin, true
		}
		return RoleOperator, true
	}

	if strings.HasPrefix(path, "/api/") {
		if read {
			return RoleViewer, true
		}
		return RoleOperator, true
	}
	return "", false
}
