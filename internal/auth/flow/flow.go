// Package flow implements the login orchestration protocol: the
// decision function that takes a decoded flow state plus directory
// lookups and produces the next redirect, until a session is issued or
// the flow fails with a stable error code.
//
// There is no in-memory state machine. Each callback is independent and
// rebuilds everything it needs from the signed state parameter and the
// database, so concurrent callbacks never share mutable state.
package flow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/gridfuel/authgate/internal/auth/relations"
	"github.com/gridfuel/authgate/internal/auth/state"
	"github.com/gridfuel/authgate/internal/domain"
	"github.com/gridfuel/authgate/internal/domain/repository"
	"github.com/gridfuel/authgate/internal/metrics"
	"github.com/gridfuel/authgate/internal/observability/logger"
	"github.com/gridfuel/authgate/internal/oidc"
	"github.com/gridfuel/authgate/internal/security/keys"
	"github.com/gridfuel/authgate/internal/security/secretbox"
)

// Purpose says which round trip a callback belongs to. It replaces the
// per-endpoint behavior split with one explicit parameter into the same
// decision function.
type Purpose string

const (
	// PurposeLogin is the first round trip, base identity claims only.
	PurposeLogin Purpose = "login"
	// PurposeVerify is the second round trip, requesting a verified
	// national identifier for a principal the directory does not know.
	PurposeVerify Purpose = "verify"
)

// RelationNotifier posts the relation notification after a completed
// login. *relations.Notifier implements it.
type RelationNotifier interface {
	Notify(ctx context.Context, bearer string, rel relations.Relation)
}

// Config carries the deployment-fixed knobs of the protocol.
type Config struct {
	LoginCallbackURL  string
	VerifyCallbackURL string
	TokenTTL          time.Duration
	Scopes            []string
}

// Deps are the orchestrator's collaborators. All of them are injected
// so tests can substitute doubles.
type Deps struct {
	IdP      oidc.Client
	Store    repository.LoginStore
	Codec    *state.Codec
	Keys     *keys.Ring
	Notifier RelationNotifier
	Config   Config
}

type Orchestrator struct {
	idp      oidc.Client
	store    repository.LoginStore
	codec    *state.Codec
	notifier RelationNotifier
	cfg      Config

	idSealKey    []byte
	ssnSealKey   []byte
	ssnLookupKey []byte
}

func New(d Deps) *Orchestrator {
	return &Orchestrator{
		idp:          d.IdP,
		store:        d.Store,
		codec:        d.Codec,
		notifier:     d.Notifier,
		cfg:          d.Config,
		idSealKey:    d.Keys.Derive(keys.UseIDTokenSeal),
		ssnSealKey:   d.Keys.Derive(keys.UseSSNAtRest),
		ssnLookupKey: d.Keys.Derive(keys.UseSSNLookup),
	}
}

// CallbackParams is what the broker redirect carries back. Code is
// present on success; Error and ErrorDescription on failure, not
// necessarily both.
type CallbackParams struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// Outcome is the orchestrator's answer to one callback: where to send
// the client, and the session token when one was just issued.
type Outcome struct {
	RedirectURL string
	Token       *domain.Token
}

// StartLogin opens a new flow and returns the broker authorization URL
// to redirect the client to.
func (o *Orchestrator) StartLogin(returnURL, frontendURL string) (string, error) {
	encoded, err := o.codec.Encode(state.FlowState{
		ReturnURL:   returnURL,
		FrontendURL: frontendURL,
	})
	if err != nil {
		return "", err
	}
	return o.idp.AuthorizationURL(encoded, o.cfg.LoginCallbackURL, false), nil
}

// HandleCallback runs the decision function once. Business failures
// come back as a failure redirect inside the Outcome, never as an
// error; an error return means the request itself was unusable or the
// infrastructure failed.
func (o *Orchestrator) HandleCallback(ctx context.Context, purpose Purpose, p CallbackParams) (*Outcome, error) {
	fs, err := o.codec.Decode(p.State)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadState, err)
	}
	log := logger.From(ctx).With(logger.Layer("auth"), logger.Component("flow"))

	// The broker reports failure through error, error_description, or
	// both; either one alone fails the flow.
	if p.Error != "" || p.ErrorDescription != "" {
		code := classifyIdPError(p.Error, p.ErrorDescription)
		log.Info("login failed at identity provider",
			logger.ErrorCode(string(code)),
			logger.String("idp_error", p.Error),
			logger.String("idp_error_description", p.ErrorDescription))
		return o.fail(fs.ReturnURL, code), nil
	}

	start := time.Now()
	tok, err := o.idp.FetchToken(ctx, p.Code, o.callbackFor(purpose))
	metrics.ObserveIdP("fetch_token", time.Since(start))
	if err != nil {
		log.Warn("token exchange failed", logger.Err(err))
		return o.fail(fs.ReturnURL, CodeTokenExchange), nil
	}

	// A plain individual cannot log in on the primary flow; only the
	// verification round trip authenticates the person behind a company
	// login.
	if purpose == PurposeLogin && !tok.IsCompany() {
		log.Info("unsupported principal type", logger.Provider(tok.Provider))
		return o.fail(fs.ReturnURL, CodeUnsupportedPrincipal), nil
	}

	if tok.TIN != "" {
		fs.TIN = tok.TIN
	}
	fs.IdentityProvider = tok.Provider
	fs.ExternalSubject = tok.Subject
	if fs.IDTokenSealed, err = secretbox.Encrypt(o.idSealKey, tok.IDTokenRaw); err != nil {
		return nil, err
	}

	if purpose == PurposeVerify {
		if tok.SSN == "" {
			log.Warn("verification returned no national identifier", logger.Provider(tok.Provider))
			return o.fail(fs.ReturnURL, CodeTokenExchange), nil
		}
		if fs.SSNSealed, err = secretbox.Encrypt(o.ssnSealKey, tok.SSN); err != nil {
			return nil, err
		}
	}

	user, err := o.lookupUser(ctx, fs)
	if err != nil {
		return nil, err
	}

	switch {
	case user != nil:
		return o.complete(ctx, fs, repository.CompleteLogin{User: user, TIN: fs.TIN})
	case purpose == PurposeLogin:
		// Unknown identity: re-enter the broker flow asking for the
		// verified national identifier.
		return o.reenterForVerification(fs)
	case !fs.TermsAccepted:
		encoded, err := o.codec.Encode(fs)
		if err != nil {
			return nil, err
		}
		return &Outcome{RedirectURL: termsURL(fs.FrontendURL, encoded)}, nil
	default:
		return o.provision(ctx, fs)
	}
}

// AcceptTerms resumes a flow paused at the terms page. The state still
// carries everything verified so far, so no new broker round trip is
// needed unless the state predates verification.
func (o *Orchestrator) AcceptTerms(ctx context.Context, rawState string) (*Outcome, error) {
	fs, err := o.codec.Decode(rawState)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadState, err)
	}
	fs.TermsAccepted = true

	// The identity may have been provisioned by a concurrent flow while
	// the user sat on the terms page.
	user, err := o.lookupUser(ctx, fs)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return o.complete(ctx, fs, repository.CompleteLogin{User: user, TIN: fs.TIN})
	}
	if fs.SSNSealed == "" || fs.IdentityProvider == "" {
		return o.reenterForVerification(fs)
	}
	return o.provision(ctx, fs)
}

// Logout deletes the local session and tries a remote broker logout.
// Idempotent: a missing or already-deleted token is not an error.
func (o *Orchestrator) Logout(ctx context.Context, opaque string) error {
	if opaque == "" {
		return nil
	}
	tok, err := o.store.TokenByOpaque(ctx, opaque)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := o.store.DeleteToken(ctx, opaque); err != nil {
		return err
	}
	o.remoteLogout(ctx, tok.IDToken)
	return nil
}

// Invalidate abandons a flow before completion: the broker session
// captured in the state is logged out even though no local session was
// ever issued. A state that never reached the broker has nothing to
// invalidate and is rejected.
func (o *Orchestrator) Invalidate(ctx context.Context, rawState string) error {
	fs, err := o.codec.Decode(rawState)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadState, err)
	}
	if fs.IDTokenSealed == "" {
		return ErrNoBrokerSession
	}
	o.remoteLogout(ctx, fs.IDTokenSealed)
	return nil
}

func (o *Orchestrator) callbackFor(purpose Purpose) string {
	if purpose == PurposeVerify {
		return o.cfg.VerifyCallbackURL
	}
	return o.cfg.LoginCallbackURL
}

func (o *Orchestrator) lookupUser(ctx context.Context, fs state.FlowState) (*domain.User, error) {
	if fs.IdentityProvider == "" || fs.ExternalSubject == "" {
		return nil, nil
	}
	user, err := o.store.UserByExternalIdentity(ctx, fs.IdentityProvider, fs.ExternalSubject)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (o *Orchestrator) reenterForVerification(fs state.FlowState) (*Outcome, error) {
	encoded, err := o.codec.Encode(fs)
	if err != nil {
		return nil, err
	}
	return &Outcome{RedirectURL: o.idp.AuthorizationURL(encoded, o.cfg.VerifyCallbackURL, true)}, nil
}

// provision completes a first-time login. The verified national
// identifier travels sealed inside the state; being unable to unseal it
// is fatal, never something to work around with an empty credential.
func (o *Orchestrator) provision(ctx context.Context, fs state.FlowState) (*Outcome, error) {
	ssn, err := secretbox.Decrypt(o.ssnSealKey, fs.SSNSealed)
	if err != nil {
		logger.From(ctx).Error("sealed national identifier unreadable",
			logger.Layer("auth"), logger.Component("flow"), logger.Err(err))
		return nil, fmt.Errorf("flow: unseal national identifier: %w", err)
	}
	return o.complete(ctx, fs, repository.CompleteLogin{
		NewUser: &repository.NewUser{
			SSNDigest: o.ssnDigest(ssn),
			SSNSealed: fs.SSNSealed,
			TIN:       fs.TIN,
		},
		IdentityProvider: fs.IdentityProvider,
		ExternalSubject:  fs.ExternalSubject,
		TIN:              fs.TIN,
	})
}

func (o *Orchestrator) complete(ctx context.Context, fs state.FlowState, p repository.CompleteLogin) (*Outcome, error) {
	now := time.Now()
	p.Issued = now
	p.Expires = now.Add(o.cfg.TokenTTL)
	p.Scope = append([]string{}, o.cfg.Scopes...)
	p.IDToken = fs.IDTokenSealed
	if p.TIN == "" {
		p.TIN = fs.TIN
	}

	out, err := o.store.CompleteLogin(ctx, p)
	if err != nil {
		return nil, err
	}

	log := logger.From(ctx).With(logger.Layer("auth"), logger.Component("flow"))
	log.Info("login completed",
		logger.Actor(out.Token.Actor),
		logger.Subject(out.Token.Subject),
		logger.Provider(fs.IdentityProvider))
	metrics.ObserveLogin(true, "")

	o.notifyRelations(ctx, out)

	return &Outcome{
		RedirectURL: successURL(fs.ReturnURL),
		Token:       out.Token,
	}, nil
}

func (o *Orchestrator) fail(returnURL string, code Code) *Outcome {
	metrics.ObserveLogin(false, string(code))
	return &Outcome{RedirectURL: failureURL(returnURL, code)}
}

// notifyRelations fires the downstream notification on its own
// goroutine, detached from the request lifecycle. It runs after the
// login transaction committed, so no failure here can undo the session.
func (o *Orchestrator) notifyRelations(ctx context.Context, out *repository.CompletedLogin) {
	if o.notifier == nil {
		return
	}
	var rel relations.Relation
	switch {
	case out.Company != nil:
		rel.TIN = out.Company.TIN
	case out.User.SSNSealed != "":
		ssn, err := secretbox.Decrypt(o.ssnSealKey, out.User.SSNSealed)
		if err != nil {
			logger.From(ctx).Error("sealed national identifier unreadable",
				logger.Layer("auth"), logger.Component("flow"), logger.Err(err))
			return
		}
		rel.SSN = ssn
	default:
		return
	}

	nctx := context.WithoutCancel(ctx)
	go o.notifier.Notify(nctx, out.Token.Opaque, rel)
}

// remoteLogout best-effort: unseals the broker id_token and asks the
// broker to drop its session. Failures are logged, never propagated.
func (o *Orchestrator) remoteLogout(ctx context.Context, sealed string) {
	log := logger.From(ctx).With(logger.Layer("auth"), logger.Component("flow"))
	if sealed == "" {
		return
	}
	raw, err := secretbox.Decrypt(o.idSealKey, sealed)
	if err != nil {
		log.Error("sealed id_token unreadable", logger.Err(err))
		return
	}
	start := time.Now()
	err = o.idp.Logout(ctx, raw)
	metrics.ObserveIdP("logout", time.Since(start))
	if err != nil {
		log.Warn("remote logout failed", logger.Err(err))
	}
}

// ssnDigest is the deterministic keyed digest stored next to the sealed
// national identifier, used for lookups and the uniqueness constraint.
func (o *Orchestrator) ssnDigest(ssn string) string {
	mac := hmac.New(sha256.New, o.ssnLookupKey)
	mac.Write([]byte(ssn))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
