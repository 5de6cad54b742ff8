// Package mapping joins the CRM owner directory with the telephony user
// directory and keeps the resulting owner→user table fresh.
package mapping

import (
	"strings"

	"github.com/flowpbx/callroute/internal/directory"
)

// Mapping translates CRM owner ids to telephony user ids. Owners without a
// matching user are absent.
type Mapping map[string]string

// Result is the output of Build.
type Result struct {
	Mapping Mapping
	Owners  int
	Users   int
	Matched int
}

// NormalizeEmail returns the form used to compare addresses across
// directories.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Build joins owners to users on normalized email. When several users share
// an address the last one in users wins. Owners with no email, or whose
// email matches no user, are left out. Build is deterministic for identical
// inputs.
func Build(owners, users []directory.Record) (Result, error) {
	byEmail := make(map[string]string, len(users))
	for i, u := range users {
		if u.ID == "" {
			return Result{}, &directory.BuildError{Directory: "users", Index: i, Reason: "empty id"}
		}
		email := NormalizeEmail(u.Email)
		if email == "" {
			continue
		}
		byEmail[email] = u.ID
	}

	m := make(Mapping)
	for i, o := range owners {
		if o.ID == "" {
			return Result{}, &directory.BuildError{Directory: "owners", Index: i, Reason: "empty id"}
		}
		email := NormalizeEmail(o.Email)
		if email == "" {
			continue
		}
		if userID, ok := byEmail[email]; ok {
			m[o.ID] = userID
		}
	}

	return Result{
		Mapping: m,
		Owners:  len(owners),
		Users:   len(users),
		Matched: len(m),
	}, nil
}
