// Package repository defines the storage contracts the login flow
// depends on. The pg adapter implements them; tests substitute fakes.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/gridfuel/authgate/internal/domain"
)

// Sentinel errors shared by all adapters.
var (
	ErrNotFound = errors.New("repository: not found")
	ErrConflict = errors.New("repository: conflict")
)

// NewUser describes the user to create when a first-time login reaches
// provisioning. SSN fields may be empty for company-only principals.
type NewUser struct {
	SSNDigest string
	SSNSealed string
	TIN       string
}

// CompleteLogin is the atomic unit of work that finishes a login.
// Either everything here is committed, or nothing: provisioning
// (user, company, identity link), the login record and the session
// token must never be observable partially.
type CompleteLogin struct {
	// Exactly one of User / NewUser is set. User completes a login for
	// a known principal; NewUser provisions a first-time principal.
	User    *domain.User
	NewUser *NewUser

	// IdentityProvider+ExternalSubject create the identity link during
	// provisioning. Ignored when User is set.
	IdentityProvider string
	ExternalSubject  string

	// TIN, when set, attaches the user to the company with that tax id,
	// creating the company if needed. Attaching twice is a no-op.
	TIN string

	Issued  time.Time
	Expires time.Time
	Scope   []string
	IDToken string
}

// CompletedLogin is what the transaction produced.
type CompletedLogin struct {
	Token   *domain.Token
	User    *domain.User
	Company *domain.Company
}

// LoginStore is the directory plus session storage used by the
// orchestrator. Reads happen before the decision; CompleteLogin is the
// single transactional write.
type LoginStore interface {
	// UserByExternalIdentity resolves the internal user linked to
	// (provider, externalSubject). ErrNotFound when no link exists.
	UserByExternalIdentity(ctx context.Context, provider, externalSubject string) (*domain.User, error)

	// CompanyByTIN resolves a company by tax id. ErrNotFound when the
	// company has not been provisioned yet.
	CompanyByTIN(ctx context.Context, tin string) (*domain.Company, error)

	// CompleteLogin runs provisioning and token issuance in one
	// transaction. Concurrent provisioning of the same identity must
	// not create duplicates: on a uniqueness conflict the adapter
	// re-resolves the existing records and proceeds.
	CompleteLogin(ctx context.Context, p CompleteLogin) (*CompletedLogin, error)

	// TokenByOpaque fetches a session token. ErrNotFound when absent.
	TokenByOpaque(ctx context.Context, opaque string) (*domain.Token, error)

	// DeleteToken removes a session token. Deleting a missing token is
	// not an error.
	DeleteToken(ctx context.Context, opaque string) error
}
