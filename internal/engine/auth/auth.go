// Package auth decides which party may perform a privileged registry action.
package auth

import (
	"errors"
	"fmt"
)

// Permissions checked by Policy.
const (
	PermCancelTag   = "tag.cancel"
	PermTogglePause = "registry.pause"
	PermMint        = "ledger.mint"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	Caller     string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required (caller %q)", e.Permission, e.Caller)
}

// IsForbidden reports whether err is a ForbiddenError.
func IsForbidden(err error) bool {
	var fe ForbiddenError
	return errors.As(err, &fe)
}

// Policy holds the registry's fixed roles: one administrator, and the creator
// of each tag.
type Policy struct {
	Admin string
}

func (p Policy) IsAdmin(caller string) bool {
	return caller != "" && caller == p.Admin
}

// Require checks perm for caller. owner is the tag creator for tag-scoped
// permissions and ignored otherwise.
func (p Policy) Require(perm, caller, owner string) error {
	switch perm {
	case PermCancelTag:
		if caller != "" && caller == owner {
			return nil
		}
	case PermTogglePause, PermMint:
		if p.IsAdmin(caller) {
			return nil
		}
	default:
		return fmt.Errorf("unknown permission %q", perm)
	}
	return ForbiddenError{Permission: perm, Caller: caller}
}
