package permission

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Checker resolves effective permission sets. Every lookup failure yields
// the empty set: callers never see an error, only a denial.
type Checker struct {
	defaults DefaultsSource
	grants   Store
	log      *slog.Logger
	now      func() time.Time
}

// NewChecker creates a Checker over principal defaults and the grant store.
func NewChecker(defaults DefaultsSource, grants Store, log *slog.Logger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		defaults: defaults,
		grants:   grants,
		log:      log.With("component", "permission"),
		now:      time.Now,
	}
}

// Effective returns role defaults ∪ live grants for principalID.
func (c *Checker) Effective(ctx context.Context, principalID string) Set {
	p, err := c.defaults.Get(ctx, principalID)
	if err != nil {
		c.log.Warn("permission lookup failed, denying", "principal", principalID, "error", err)
		return Set{}
	}
	grants, err := c.grants.Active(ctx, principalID, c.now())
	if err != nil {
		c.log.Warn("grant lookup failed, denying", "principal", principalID, "error", err)
		return Set{}
	}

	set := NewSet(p.Permissions...)
	for _, g := range grants {
		set[g.Permission] = struct{}{}
	}
	return set
}

// HasAll reports whether the principal holds every required permission.
func (c *Checker) HasAll(ctx context.Context, principalID string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	return c.Effective(ctx, principalID).HasAll(required)
}

// HasResource reports whether the principal holds permission and also has an
// exact live grant row for resource.
func (c *Checker) HasResource(ctx context.Context, principalID, permission, resource string) bool {
	if !c.Effective(ctx, principalID).Has(permission) {
		return false
	}
	ok, err := c.grants.HasResource(ctx, principalID, permission, resource, c.now())
	if err != nil {
		c.log.Warn("resource grant lookup failed, denying", "principal", principalID, "permission", permission, "resource", resource, "error", err)
		return false
	}
	return ok
}

// Grant records a new grant after checking the permission name.
func (c *Checker) Grant(ctx context.Context, g *Grant) (*Grant, error) {
	if !Known(g.Permission) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPermission, g.Permission)
	}
	if _, err := c.defaults.Get(ctx, g.PrincipalID); err != nil {
		return nil, fmt.Errorf("grant %s: %w", g.Permission, err)
	}
	return c.grants.Grant(ctx, g)
}

// Revoke deactivates a principal's grants for permission on resource.
func (c *Checker) Revoke(ctx context.Context, principalID, permission, resource string) (int, error) {
	return c.grants.Revoke(ctx, principalID, permission, resource)
}

// Grants lists a principal's grants, including revoked ones.
func (c *Checker) Grants(ctx context.Context, principalID string) ([]Grant, error) {
	return c.grants.List(ctx, principalID)
}
