// Package access carries the authenticated caller through a request and
// answers role questions for the service layer.
package access

import (
	"context"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/apperrors"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
)

// Caller is the identity a request acts as. The zero Caller is anonymous.
type Caller struct {
	ID   string
	Role models.Role
}

func (c Caller) Authenticated() bool {
	return c.ID != ""
}

func (c Caller) Is(roles ...models.Role) bool {
	for _, r := range roles {
		if c.Role == r {
			return true
		}
	}
	return false
}

// Require fails with an unauthorized error for anonymous callers and with a
// forbidden error when the caller holds none of roles. No roles means any
// authenticated caller is accepted.
func Require(c Caller, roles ...models.Role) error {
	if !c.Authenticated() {
		return apperrors.Unauthorized("authentication required")
	}
	if len(roles) == 0 || c.Is(roles...) {
		return nil
	}
	return apperrors.Forbidden("user role '%s' is not authorized for this action", c.Role)
}

// StaffOrAdmin is the role set allowed to operate shipments.
var StaffOrAdmin = []models.Role{models.RoleAdmin, models.RoleStaff}

type ctxKey struct{}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func FromContext(ctx context.Context) Caller {
	c, _ := ctx.Value(ctxKey{}).(Caller)
	return c
}
