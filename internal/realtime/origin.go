package realtime

import (
	"regexp"
	"strings"
)

var localDevelopmentOrigin = regexp.MustCompile(`^http://(localhost|127\.0\.0\.1):[0-9]{1,5}$`)

// OriginPolicy decides which browser origins may open a session.
type OriginPolicy struct {
	allowed        map[string]struct{}
	allowLocalhost bool
}

// NewOriginPolicy accepts the listed origins exactly, plus
// http://localhost:<port> and http://127.0.0.1:<port> when allowLocalhost is set.
func NewOriginPolicy(allowed []string, allowLocalhost bool) *OriginPolicy {
	policy := &OriginPolicy{
		allowed:        make(map[string]struct{}, len(allowed)),
		allowLocalhost: allowLocalhost,
	}
	for _, origin := range allowed {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		if trimmed != "" {
			policy.allowed[trimmed] = struct{}{}
		}
	}
	return policy
}

// Allows reports whether a present Origin header value is acceptable.
func (p *OriginPolicy) Allows(origin string) bool {
	if p == nil {
		return false
	}
	if p.allowLocalhost && localDevelopmentOrigin.MatchString(origin) {
		return true
	}
	_, ok := p.allowed[origin]
	return ok
}

// AllowsRequest applies the policy to an optional header. Requests without an
// Origin header come from non-browser clients and are accepted; deployers who
// need to refuse them must do so in front of the relay.
func (p *OriginPolicy) AllowsRequest(origin string, present bool) bool {
	if !present {
		return true
	}
	return p.Allows(origin)
}
