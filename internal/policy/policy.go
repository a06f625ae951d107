// Package policy provides an allow-list AccessPolicyOracle.
package policy

import (
	"context"
	"log/slog"
	"sync"

	"github.com/i5heu/ouroboros-media/pkg/interfaces"
)

// Wildcard grants a scope to every requester.
const Wildcard = "*"

// AllowList authorizes requesters per policy scope. The creator of a video
// is always authorized for it; an unknown scope denies everyone else.
type AllowList struct {
	mu     sync.RWMutex
	scopes map[string]map[string]bool
	log    *slog.Logger
}

// NewAllowList creates an oracle from scope -> requesters.
func NewAllowList(scopes map[string][]string, log *slog.Logger) *AllowList {
	if log == nil {
		log = slog.Default()
	}
	a := &AllowList{scopes: make(map[string]map[string]bool, len(scopes)), log: log}
	for scope, requesters := range scopes {
		a.Grant(scope, requesters...)
	}
	return a
}

// Grant adds requesters to scope.
func (a *AllowList) Grant(scope string, requesters ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set := a.scopes[scope]
	if set == nil {
		set = make(map[string]bool, len(requesters))
		a.scopes[scope] = set
	}
	for _, r := range requesters {
		set[r] = true
	}
}

// Revoke removes requesters from scope.
func (a *AllowList) Revoke(scope string, requesters ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range requesters {
		delete(a.scopes[scope], r)
	}
}

// Authorized implements interfaces.AccessPolicyOracle.
func (a *AllowList) Authorized(ctx context.Context, req interfaces.AccessRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if req.Requester == "" {
		return false, nil
	}
	if req.CreatorRef != "" && req.Requester == req.CreatorRef {
		return true, nil
	}

	a.mu.RLock()
	set := a.scopes[req.PolicyScope]
	ok := set[Wildcard] || set[req.Requester]
	a.mu.RUnlock()

	if !ok {
		a.log.Debug("access denied", "requester", req.Requester, "scope", req.PolicyScope, "video", req.VideoRef)
	}
	return ok, nil
}
