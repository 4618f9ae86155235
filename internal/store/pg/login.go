package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gridfuel/authgate/internal/domain"
	"github.com/gridfuel/authgate/internal/domain/repository"
	sectoken "github.com/gridfuel/authgate/internal/security/token"
)

const opaqueTokenBytes = 32

var _ repository.LoginStore = (*Store)(nil)

func (s *Store) UserByExternalIdentity(ctx context.Context, provider, externalSubject string) (*domain.User, error) {
	const q = `
SELECT u.subject, u.ssn_digest, u.ssn_sealed, u.tin, u.created_at
FROM external_identity ei
JOIN app_user u ON u.subject = ei.user_subject
WHERE ei.identity_provider = $1 AND ei.external_subject = $2`
	var u domain.User
	err := s.pool.QueryRow(ctx, q, provider, externalSubject).
		Scan(&u.Subject, &u.SSNDigest, &u.SSNSealed, &u.TIN, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CompanyByTIN(ctx context.Context, tin string) (*domain.Company, error) {
	const q = `SELECT id, tin, created_at FROM company WHERE tin = $1`
	var c domain.Company
	err := s.pool.QueryRow(ctx, q, tin).Scan(&c.ID, &c.TIN, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CompleteLogin corre provisioning y emisión de sesión en una sola
// transacción. Dos logins concurrentes de la misma identidad nueva
// pueden chocar en un índice único; en ese caso se reintenta una vez y
// la segunda pasada resuelve los registros ya existentes.
func (s *Store) CompleteLogin(ctx context.Context, p repository.CompleteLogin) (*repository.CompletedLogin, error) {
	out, err := s.completeLogin(ctx, p)
	if err != nil && isUniqueViolation(err) {
		out, err = s.completeLogin(ctx, p)
	}
	return out, err
}

func (s *Store) completeLogin(ctx context.Context, p repository.CompleteLogin) (*repository.CompletedLogin, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	user, err := resolveUser(ctx, tx, p)
	if err != nil {
		return nil, err
	}

	var company *domain.Company
	if p.TIN != "" {
		company, err = getOrCreateCompany(ctx, tx, p.TIN)
		if err != nil {
			return nil, err
		}
		// Attach idempotente: volver a vincular al mismo TIN es un no-op.
		if user.TIN != company.TIN {
			if _, err := tx.Exec(ctx,
				`UPDATE app_user SET tin = $2 WHERE subject = $1`,
				user.Subject, company.TIN); err != nil {
				return nil, err
			}
			user.TIN = company.TIN
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO login_record (subject, created) VALUES ($1, $2)`,
		user.Subject, p.Issued); err != nil {
		return nil, err
	}

	tok := &domain.Token{
		Actor:       user.Subject,
		Subject:     user.Subject,
		SubjectType: domain.SubjectUser,
		Issued:      p.Issued,
		Expires:     p.Expires,
		Scope:       p.Scope,
		IDToken:     p.IDToken,
	}
	if company != nil {
		tok.Subject = company.ID
		tok.SubjectType = domain.SubjectCompany
	}
	tok.Opaque, err = sectoken.GenerateOpaqueToken(opaqueTokenBytes)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO session_token (opaque_digest, actor, subject, subject_type, issued, expires, scope, id_token_sealed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sectoken.SHA256Base64URL(tok.Opaque), tok.Actor, tok.Subject, string(tok.SubjectType),
		tok.Issued, tok.Expires, tok.Scope, tok.IDToken); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &repository.CompletedLogin{Token: tok, User: user, Company: company}, nil
}

// resolveUser devuelve el usuario del login: el ya conocido, o el que
// haya que provisionar. Los ON CONFLICT absorben carreras con otros
// callbacks provisionando la misma identidad.
func resolveUser(ctx context.Context, tx pgx.Tx, p repository.CompleteLogin) (*domain.User, error) {
	if p.User != nil {
		u := *p.User
		return &u, nil
	}
	if p.NewUser == nil {
		return nil, fmt.Errorf("pg: complete login without user")
	}

	u := domain.User{
		Subject:   uuid.NewString(),
		SSNDigest: p.NewUser.SSNDigest,
		SSNSealed: p.NewUser.SSNSealed,
		TIN:       p.NewUser.TIN,
	}
	err := tx.QueryRow(ctx, `
INSERT INTO app_user (subject, ssn_digest, ssn_sealed, tin)
VALUES ($1, $2, $3, $4)
ON CONFLICT (ssn_digest) WHERE ssn_digest <> '' DO NOTHING
RETURNING created_at`,
		u.Subject, u.SSNDigest, u.SSNSealed, u.TIN).Scan(&u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Ya existe un usuario con ese identificador nacional: reusarlo
		// y sólo agregar el vínculo de identidad externa.
		err = tx.QueryRow(ctx, `
SELECT subject, ssn_digest, ssn_sealed, tin, created_at
FROM app_user WHERE ssn_digest = $1`,
			p.NewUser.SSNDigest).Scan(&u.Subject, &u.SSNDigest, &u.SSNSealed, &u.TIN, &u.CreatedAt)
	}
	if err != nil {
		return nil, err
	}

	var linked string
	err = tx.QueryRow(ctx, `
INSERT INTO external_identity (identity_provider, external_subject, user_subject)
VALUES ($1, $2, $3)
ON CONFLICT (identity_provider, external_subject) DO NOTHING
RETURNING user_subject`,
		p.IdentityProvider, p.ExternalSubject, u.Subject).Scan(&linked)
	if errors.Is(err, pgx.ErrNoRows) {
		// Otro callback ganó la carrera del vínculo: el dueño existente
		// manda.
		err = tx.QueryRow(ctx, `
SELECT u.subject, u.ssn_digest, u.ssn_sealed, u.tin, u.created_at
FROM external_identity ei
JOIN app_user u ON u.subject = ei.user_subject
WHERE ei.identity_provider = $1 AND ei.external_subject = $2`,
			p.IdentityProvider, p.ExternalSubject).
			Scan(&u.Subject, &u.SSNDigest, &u.SSNSealed, &u.TIN, &u.CreatedAt)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func getOrCreateCompany(ctx context.Context, tx pgx.Tx, tin string) (*domain.Company, error) {
	if _, err := tx.Exec(ctx, `
INSERT INTO company (id, tin) VALUES ($1, $2)
ON CONFLICT (tin) DO NOTHING`,
		uuid.NewString(), tin); err != nil {
		return nil, err
	}
	var c domain.Company
	if err := tx.QueryRow(ctx,
		`SELECT id, tin, created_at FROM company WHERE tin = $1`, tin).
		Scan(&c.ID, &c.TIN, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) TokenByOpaque(ctx context.Context, opaque string) (*domain.Token, error) {
	const q = `
SELECT actor, subject, subject_type, issued, expires, scope, id_token_sealed
FROM session_token WHERE opaque_digest = $1`
	t := domain.Token{Opaque: opaque}
	var subjectType string
	err := s.pool.QueryRow(ctx, q, sectoken.SHA256Base64URL(opaque)).
		Scan(&t.Actor, &t.Subject, &subjectType, &t.Issued, &t.Expires, &t.Scope, &t.IDToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.SubjectType = domain.SubjectType(subjectType)
	return &t, nil
}

// DeleteToken es idempotente: borrar un token inexistente no es error.
func (s *Store) DeleteToken(ctx context.Context, opaque string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM session_token WHERE opaque_digest = $1`,
		sectoken.SHA256Base64URL(opaque))
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
