// Package domain contains the records the gateway hands across layers:
// users, companies and opaque session tokens. Identity links and the
// login audit trail are write-only and live as rows in the store.
package domain

import "time"

// SubjectType says on whose behalf a session token acts. Consumers
// must branch on it instead of assuming the subject is a company id.
type SubjectType string

const (
	SubjectUser    SubjectType = "user"
	SubjectCompany SubjectType = "company"
)

// User is an internal principal. Subject is assigned once at first
// onboarding and never changes. The social security number is kept
// encrypted; SSNDigest is a keyed digest used for lookups and the
// uniqueness constraint.
type User struct {
	Subject   string
	SSNDigest string
	SSNSealed string
	TIN       string
	CreatedAt time.Time
}

// Company is created lazily the first time a user logs in presenting
// its tax identification number. Many users may attach to one company.
type Company struct {
	ID        string
	TIN       string
	CreatedAt time.Time
}

// Token is an opaque session credential. Actor is who authenticated;
// Subject is on whose behalf the session acts (a company id when the
// login happened in a company context).
type Token struct {
	Opaque      string
	Actor       string
	Subject     string
	SubjectType SubjectType
	Issued      time.Time
	Expires     time.Time
	Scope       []string
	IDToken     string
}

// Valid reports whether the token is usable at instant t.
func (t *Token) Valid(at time.Time) bool {
	return !t.Issued.After(at) && t.Expires.After(at)
}
