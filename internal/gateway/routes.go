package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"upgateway/internal/policy"
	"upgateway/internal/proxy"
)

const (
	ScopeRead  = "sdk:read"
	ScopeWrite = "sdk:write"
)

// Route declares one SDK endpoint exposed by the gateway.
type Route struct {
	Path          string
	Methods       []string
	RequiredScope string
	// TrackUsers buffers the request body so the end-user id can be metered.
	TrackUsers bool
}

func DefaultRoutes() []Route {
	get, post := http.MethodGet, http.MethodPost
	return []Route{
		{Path: "/v1/init", Methods: []string{post}, RequiredScope: ScopeWrite, TrackUsers: true},
		{Path: "/v1/assign", Methods: []string{get, post}, RequiredScope: ScopeRead, TrackUsers: true},
		{Path: "/v1/mark", Methods: []string{post}, RequiredScope: ScopeWrite, TrackUsers: true},
		{Path: "/v1/log", Methods: []string{post}, RequiredScope: ScopeWrite, TrackUsers: true},
		{Path: "/v1/featureflag", Methods: []string{get, post}, RequiredScope: ScopeRead},
		{Path: "/v1/v5/init", Methods: []string{post}, RequiredScope: ScopeWrite, TrackUsers: true},
		{Path: "/v1/v5/assign", Methods: []string{get, post}, RequiredScope: ScopeRead, TrackUsers: true},
	}
}

// Policies is where every admission check declares what a failure of its
// backing store means. API key lookup is not listed: without a tenant there
// is nothing to admit, so it always fails closed.
type Policies struct {
	RateLimit policy.Failure
	Quota     policy.Failure
}

var DefaultPolicies = Policies{
	RateLimit: policy.FailOpen,
	Quota:     policy.FailOpen,
}

// CheckRoutes verifies every route has a backend mapping in table. It also
// returns table paths no route serves, which are harmless but usually a typo.
func CheckRoutes(routes []Route, table proxy.EndpointTable) (unrouted []string, err error) {
	served := make(map[string]bool, len(routes))
	var missing []string
	for _, rt := range routes {
		served[rt.Path] = true
		if _, ok := table.Resolve(rt.Path); !ok {
			missing = append(missing, rt.Path)
		}
	}
	for _, p := range table.Paths() {
		if !served[p] {
			unrouted = append(unrouted, p)
		}
	}
	if len(missing) > 0 {
		return unrouted, fmt.Errorf("routes without a backend mapping: %s", strings.Join(missing, ", "))
	}
	return unrouted, nil
}
