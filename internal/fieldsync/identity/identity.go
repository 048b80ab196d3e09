// Package identity supplies the user stamped on mutations and audit info.
package identity

import (
	"fmt"

	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

// Provider returns the signed-in user.
type Provider interface {
	CurrentUser() (schema.User, error)
}

// Static always returns the same user, typically loaded from config.
type Static schema.User

// NewStatic returns a Static provider for user. The user id is required.
func NewStatic(user schema.User) (Static, error) {
	if user.ID == "" {
		return Static{}, fmt.Errorf("user id is required")
	}
	return Static(user), nil
}

// CurrentUser implements Provider.
func (s Static) CurrentUser() (schema.User, error) {
	if s.ID == "" {
		return schema.User{}, fmt.Errorf("no user configured")
	}
	return schema.User(s), nil
}
