package flow

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gridfuel/authgate/internal/auth/relations"
	"github.com/gridfuel/authgate/internal/auth/state"
	"github.com/gridfuel/authgate/internal/domain"
	"github.com/gridfuel/authgate/internal/domain/repository"
	"github.com/gridfuel/authgate/internal/oidc"
	"github.com/gridfuel/authgate/internal/security/keys"
)

// ---------- doubles ----------

type fakeIdP struct {
	mu          sync.Mutex
	token       *oidc.Token
	fetchErr    error
	authCalls   []authCall
	logoutCalls []string
	logoutErr   error
}

type authCall struct {
	state       string
	callbackURI string
	requestSSN  bool
}

func (f *fakeIdP) AuthorizationURL(st, callbackURI string, requestSSN bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls = append(f.authCalls, authCall{st, callbackURI, requestSSN})
	return "https://broker.test/authorize?state=" + url.QueryEscape(st) +
		"&redirect_uri=" + url.QueryEscape(callbackURI) +
		fmt.Sprintf("&ssn=%v", requestSSN)
}

func (f *fakeIdP) FetchToken(ctx context.Context, code, redirectURI string) (*oidc.Token, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	t := *f.token
	return &t, nil
}

func (f *fakeIdP) Logout(ctx context.Context, rawIDToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls = append(f.logoutCalls, rawIDToken)
	return f.logoutErr
}

type fakeStore struct {
	mu        sync.Mutex
	seq       int
	usersBy   map[string]*domain.User // ssn digest -> user
	links     map[string]string       // provider|extSubject -> user subject
	companies map[string]*domain.Company
	tokens    map[string]*domain.Token
	logins    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		usersBy:   map[string]*domain.User{},
		links:     map[string]string{},
		companies: map[string]*domain.Company{},
		tokens:    map[string]*domain.Token{},
	}
}

func (s *fakeStore) UserByExternalIdentity(ctx context.Context, provider, extSubject string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subject, ok := s.links[provider+"|"+extSubject]
	if !ok {
		return nil, repository.ErrNotFound
	}
	for _, u := range s.usersBy {
		if u.Subject == subject {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeStore) CompanyByTIN(ctx context.Context, tin string) (*domain.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.companies[tin]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (s *fakeStore) CompleteLogin(ctx context.Context, p repository.CompleteLogin) (*repository.CompletedLogin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var user *domain.User
	switch {
	case p.User != nil:
		user = p.User
	case p.NewUser != nil:
		if existing, ok := s.usersBy[p.NewUser.SSNDigest]; ok {
			user = existing
		} else {
			s.seq++
			user = &domain.User{
				Subject:   fmt.Sprintf("user-%d", s.seq),
				SSNDigest: p.NewUser.SSNDigest,
				SSNSealed: p.NewUser.SSNSealed,
				TIN:       p.NewUser.TIN,
				CreatedAt: time.Now(),
			}
			s.usersBy[user.SSNDigest] = user
		}
		s.links[p.IdentityProvider+"|"+p.ExternalSubject] = user.Subject
	default:
		return nil, errors.New("no user")
	}

	var company *domain.Company
	if p.TIN != "" {
		if c, ok := s.companies[p.TIN]; ok {
			company = c
		} else {
			s.seq++
			company = &domain.Company{ID: fmt.Sprintf("company-%d", s.seq), TIN: p.TIN, CreatedAt: time.Now()}
			s.companies[p.TIN] = company
		}
	}

	s.logins++
	s.seq++
	tok := &domain.Token{
		Opaque:      fmt.Sprintf("opaque-%d", s.seq),
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
	s.tokens[tok.Opaque] = tok
	return &repository.CompletedLogin{Token: tok, User: user, Company: company}, nil
}

func (s *fakeStore) TokenByOpaque(ctx context.Context, opaque string) (*domain.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[opaque]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) DeleteToken(ctx context.Context, opaque string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, opaque)
	return nil
}

type fakeNotifier struct {
	ch chan relations.Relation
}

func (n *fakeNotifier) Notify(ctx context.Context, bearer string, rel relations.Relation) {
	n.ch <- rel
}

// ---------- fixture ----------

type fixture struct {
	orch  *Orchestrator
	idp   *fakeIdP
	store *fakeStore
	codec *state.Codec
	notes *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ring, err := keys.NewRing(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	codec := state.NewCodec(ring.Derive(keys.UseStateSign), 15*time.Minute)
	idp := &fakeIdP{}
	store := newFakeStore()
	notes := &fakeNotifier{ch: make(chan relations.Relation, 1)}

	orch := New(Deps{
		IdP:      idp,
		Store:    store,
		Codec:    codec,
		Keys:     ring,
		Notifier: notes,
		Config: Config{
			LoginCallbackURL:  "https://gw.test/auth/callback",
			VerifyCallbackURL: "https://gw.test/auth/verify",
			TokenTTL:          time.Hour,
			Scopes:            []string{"meteringpoints.read"},
		},
	})
	return &fixture{orch: orch, idp: idp, store: store, codec: codec, notes: notes}
}

func (f *fixture) encode(t *testing.T, fs state.FlowState) string {
	t.Helper()
	raw, err := f.codec.Encode(fs)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return raw
}

func baseState() state.FlowState {
	return state.FlowState{
		ReturnURL:   "https://app.test/home?tab=usage",
		FrontendURL: "https://app.test",
	}
}

func companyToken() *oidc.Token {
	return &oidc.Token{
		Subject:    "ext-sub-42",
		Provider:   "mitid",
		TIN:        "39315041",
		IDTokenRaw: "raw-id-token",
		Issued:     time.Now(),
		Expires:    time.Now().Add(time.Hour),
	}
}

func queryOf(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u.Query()
}

// ---------- tests ----------

func TestStartLogin(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	redirect, err := f.orch.StartLogin("https://app.test/home", "https://app.test")
	if err != nil {
		t.Fatalf("StartLogin: %v", err)
	}
	if !strings.HasPrefix(redirect, "https://broker.test/authorize") {
		t.Fatalf("redirect = %q", redirect)
	}
	call := f.idp.authCalls[0]
	if call.requestSSN {
		t.Fatal("initial round trip must not request the national identifier")
	}
	if call.callbackURI != "https://gw.test/auth/callback" {
		t.Fatalf("callback = %q", call.callbackURI)
	}
	fs, err := f.codec.Decode(call.state)
	if err != nil {
		t.Fatalf("state not decodable: %v", err)
	}
	if fs.ReturnURL != "https://app.test/home" || fs.TermsAccepted {
		t.Fatalf("fresh state = %+v", fs)
	}
}

func TestCallbackRejectsBadState(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.idp.token = companyToken()

	_, err := f.orch.HandleCallback(context.Background(), PurposeLogin, CallbackParams{State: "garbage", Code: "c0de"})
	if !errors.Is(err, ErrBadState) {
		t.Fatalf("err = %v, want ErrBadState", err)
	}
	if len(f.idp.authCalls) != 0 || f.store.logins != 0 {
		t.Fatal("bad state must abort before any side effect")
	}
}

func TestCallbackIdPErrorMapping(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name     string
		errParam string
		desc     string
		want     string
	}{
		{"aborted mitid", "idp_error", "mitid_user_aborted", "E1"},
		{"aborted generic", "idp_error", "user_aborted", "E1"},
		{"other error", "idp_error", "internal_error", "E0"},
		// Algunos brokers mandan sólo error_description; igual es un fallo.
		{"description only aborted", "", "mitid_user_aborted", "E1"},
		{"description only other", "", "server_error", "E0"},
		{"error only aborted", "user_aborted", "", "E1"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			raw := f.encode(t, baseState())

			out, err := f.orch.HandleCallback(context.Background(), PurposeLogin, CallbackParams{
				State: raw, Error: tc.errParam, ErrorDescription: tc.desc,
			})
			if err != nil {
				t.Fatalf("HandleCallback: %v", err)
			}
			q := queryOf(t, out.RedirectURL)
			if q.Get("success") != "0" || q.Get("error_code") != tc.want {
				t.Fatalf("query = %v, want error_code %s", q, tc.want)
			}
			if q.Get("tab") != "usage" {
				t.Fatal("pre-existing query parameters must survive the merge")
			}
			if f.store.logins != 0 {
				t.Fatal("failed flow must not write")
			}
		})
	}
}

func TestCallbackExchangeFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.idp.fetchErr = oidc.ErrTokenFetch
	raw := f.encode(t, baseState())

	out, err := f.orch.HandleCallback(context.Background(), PurposeLogin, CallbackParams{State: raw, Code: "c0de"})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	q := queryOf(t, out.RedirectURL)
	if q.Get("success") != "0" || q.Get("error_code") != "E505" {
		t.Fatalf("query = %v", q)
	}
	if f.store.logins != 0 {
		t.Fatal("exchange failure must not write")
	}
}

func TestCallbackRejectsIndividualOnLogin(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.idp.token = &oidc.Token{Subject: "ext-1", Provider: "mitid", SSN: "0101701234", IDTokenRaw: "raw"}
	raw := f.encode(t, baseState())

	out, err := f.orch.HandleCallback(context.Background(), PurposeLogin, CallbackParams{State: raw, Code: "c0de"})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if q := queryOf(t, out.RedirectURL); q.Get("error_code") != "E504" {
		t.Fatalf("query = %v, want E504", q)
	}
}

func TestCallbackUnknownIdentityReentersForVerification(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.idp.token = companyToken()
	raw := f.encode(t, baseState())

	out, err := f.orch.HandleCallback(context.Background(), PurposeLogin, CallbackParams{State: raw, Code: "c0de"})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if !strings.HasPrefix(out.RedirectURL, "https://broker.test/authorize") {
		t.Fatalf("redirect = %q", out.RedirectURL)
	}
	call := f.idp.authCalls[len(f.idp.authCalls)-1]
	if !call.requestSSN {
		t.Fatal("second round trip must request the national identifier")
	}
	if call.callbackURI != "https://gw.test/auth/verify" {
		t.Fatalf("callback = %q", call.callbackURI)
	}
	fs, err := f.codec.Decode(call.state)
	if err != nil {
		t.Fatalf("re-encoded state not decodable: %v", err)
	}
	if fs.TIN != "39315041" || fs.IdentityProvider != "mitid" || fs.ExternalSubject != "ext-sub-42" {
		t.Fatalf("state = %+v", fs)
	}
	if fs.IDTokenSealed == "" {
		t.Fatal("state must carry the sealed id_token")
	}
	if fs.IDTokenSealed == "raw-id-token" {
		t.Fatal("id_token must not travel in the clear")
	}
}

func TestVerifyCallbackRedirectsToTerms(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tok := companyToken()
	tok.SSN = "0101701234"
	f.idp.token = tok

	fs := baseState()
	fs.TIN = "39315041"
	raw := f.encode(t, fs)

	out, err := f.orch.HandleCallback(context.Background(), PurposeVerify, CallbackParams{State: raw, Code: "c0de"})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if !strings.HasPrefix(out.RedirectURL, "https://app.test/terms?") {
		t.Fatalf("redirect = %q, want the frontend terms page", out.RedirectURL)
	}
	encoded := queryOf(t, out.RedirectURL).Get("state")
	got, err := f.codec.Decode(encoded)
	if err != nil {
		t.Fatalf("terms state not decodable: %v", err)
	}
	if got.TIN != "39315041" || got.TermsAccepted {
		t.Fatalf("terms state = %+v", got)
	}
	if got.SSNSealed == "" || got.SSNSealed == "0101701234" {
		t.Fatalf("national identifier must travel sealed, got %q", got.SSNSealed)
	}
	if f.store.logins != 0 {
		t.Fatal("nothing may be provisioned before terms acceptance")
	}
}

func TestVerifyCallbackWithTermsAcceptedProvisions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tok := companyToken()
	tok.SSN = "0101701234"
	f.idp.token = tok

	fs := baseState()
	fs.TermsAccepted = true
	raw := f.encode(t, fs)

	out, err := f.orch.HandleCallback(context.Background(), PurposeVerify, CallbackParams{State: raw, Code: "c0de"})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	q := queryOf(t, out.RedirectURL)
	if q.Get("success") != "1" || q.Get("tab") != "usage" {
		t.Fatalf("query = %v", q)
	}
	if out.Token == nil {
		t.Fatal("completed login must issue a session")
	}
	if out.Token.SubjectType != domain.SubjectCompany {
		t.Fatalf("subject_type = %s", out.Token.SubjectType)
	}
	if len(f.store.usersBy) != 1 || len(f.store.companies) != 1 {
		t.Fatalf("users=%d companies=%d, want exactly one of each", len(f.store.usersBy), len(f.store.companies))
	}
	if _, ok := f.store.companies["39315041"]; !ok {
		t.Fatal("company not keyed by tax id")
	}

	select {
	case rel := <-f.notes.ch:
		if rel.TIN != "39315041" || rel.SSN != "" {
			t.Fatalf("relation = %+v", rel)
		}
	case <-time.After(time.Second):
		t.Fatal("relation notification never sent")
	}
}

func TestAcceptTermsResumesProvisioning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tok := companyToken()
	tok.SSN = "0101701234"
	f.idp.token = tok

	// Primer tramo: verify callback manda a terms.
	raw := f.encode(t, baseState())
	out, err := f.orch.HandleCallback(context.Background(), PurposeVerify, CallbackParams{State: raw, Code: "c0de"})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	termsState := queryOf(t, out.RedirectURL).Get("state")

	// Segundo tramo: el frontend confirma la aceptación.
	out, err = f.orch.AcceptTerms(context.Background(), termsState)
	if err != nil {
		t.Fatalf("AcceptTerms: %v", err)
	}
	if q := queryOf(t, out.RedirectURL); q.Get("success") != "1" {
		t.Fatalf("query = %v", q)
	}
	if out.Token == nil {
		t.Fatal("no session issued")
	}
	if len(f.store.usersBy) != 1 {
		t.Fatalf("users = %d", len(f.store.usersBy))
	}
	<-f.notes.ch
}

func TestAcceptTermsWithoutVerificationReenters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Estado sin identidad verificada: no hay nada que provisionar.
	raw := f.encode(t, baseState())
	out, err := f.orch.AcceptTerms(context.Background(), raw)
	if err != nil {
		t.Fatalf("AcceptTerms: %v", err)
	}
	call := f.idp.authCalls[len(f.idp.authCalls)-1]
	if !call.requestSSN {
		t.Fatal("resume without verified identity must re-enter verification")
	}
	if out.Token != nil {
		t.Fatal("no session may be issued")
	}
	fs, err := f.codec.Decode(call.state)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !fs.TermsAccepted {
		t.Fatal("acceptance must be recorded in the re-encoded state")
	}
}

func TestReturningUserCompletesDirectly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.idp.token = companyToken()

	// Identidad ya vinculada en el directorio.
	f.store.usersBy["known-digest"] = &domain.User{Subject: "user-known", SSNDigest: "known-digest", TIN: "39315041"}
	f.store.links["mitid|ext-sub-42"] = "user-known"
	f.store.companies["39315041"] = &domain.Company{ID: "company-known", TIN: "39315041"}

	raw := f.encode(t, baseState())
	out, err := f.orch.HandleCallback(context.Background(), PurposeLogin, CallbackParams{State: raw, Code: "c0de"})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if q := queryOf(t, out.RedirectURL); q.Get("success") != "1" {
		t.Fatalf("query = %v", q)
	}
	if out.Token == nil || out.Token.Actor != "user-known" {
		t.Fatalf("token = %+v", out.Token)
	}
	if out.Token.Subject != "company-known" {
		t.Fatalf("subject = %s, want the company id", out.Token.Subject)
	}
	if len(f.store.usersBy) != 1 || len(f.store.companies) != 1 {
		t.Fatal("returning login must not create rows")
	}
	if f.store.logins != 1 {
		t.Fatalf("login records = %d, want 1", f.store.logins)
	}
	<-f.notes.ch
}

func TestLogoutIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.orch.Logout(context.Background(), "never-issued"); err != nil {
		t.Fatalf("Logout unknown: %v", err)
	}
	if err := f.orch.Logout(context.Background(), ""); err != nil {
		t.Fatalf("Logout empty: %v", err)
	}
	if len(f.idp.logoutCalls) != 0 {
		t.Fatal("no remote logout without a session")
	}
}

func TestLogoutDeletesSessionAndCallsBroker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tok := companyToken()
	tok.SSN = "0101701234"
	f.idp.token = tok

	fs := baseState()
	fs.TermsAccepted = true
	raw := f.encode(t, fs)
	out, err := f.orch.HandleCallback(context.Background(), PurposeVerify, CallbackParams{State: raw, Code: "c0de"})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	<-f.notes.ch

	if err := f.orch.Logout(context.Background(), out.Token.Opaque); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := f.store.TokenByOpaque(context.Background(), out.Token.Opaque); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("session not deleted")
	}
	if len(f.idp.logoutCalls) != 1 || f.idp.logoutCalls[0] != "raw-id-token" {
		t.Fatalf("broker logout calls = %v", f.idp.logoutCalls)
	}

	// Segunda vez: nada que borrar, mismo resultado.
	if err := f.orch.Logout(context.Background(), out.Token.Opaque); err != nil {
		t.Fatalf("Logout twice: %v", err)
	}
}

func TestLogoutSurvivesBrokerFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tok := companyToken()
	tok.SSN = "0101701234"
	f.idp.token = tok
	f.idp.logoutErr = errors.New("broker down")

	fs := baseState()
	fs.TermsAccepted = true
	raw := f.encode(t, fs)
	out, err := f.orch.HandleCallback(context.Background(), PurposeVerify, CallbackParams{State: raw, Code: "c0de"})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	<-f.notes.ch

	if err := f.orch.Logout(context.Background(), out.Token.Opaque); err != nil {
		t.Fatalf("local logout must succeed, got %v", err)
	}
	if _, err := f.store.TokenByOpaque(context.Background(), out.Token.Opaque); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("session not deleted")
	}
}

func TestInvalidateLogsOutBrokerSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.idp.token = companyToken()

	// Llegar hasta la re-entrada de verificación para capturar un estado
	// con id_token sellado.
	raw := f.encode(t, baseState())
	_, err := f.orch.HandleCallback(context.Background(), PurposeLogin, CallbackParams{State: raw, Code: "c0de"})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	captured := f.idp.authCalls[len(f.idp.authCalls)-1].state

	if err := f.orch.Invalidate(context.Background(), captured); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if len(f.idp.logoutCalls) != 1 || f.idp.logoutCalls[0] != "raw-id-token" {
		t.Fatalf("broker logout calls = %v", f.idp.logoutCalls)
	}
	if f.store.logins != 0 {
		t.Fatal("invalidate must never issue a session")
	}
}

func TestInvalidateRequiresBrokerSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Estado fresco, anterior a cualquier ida al broker.
	raw := f.encode(t, baseState())
	if err := f.orch.Invalidate(context.Background(), raw); !errors.Is(err, ErrNoBrokerSession) {
		t.Fatalf("err = %v, want ErrNoBrokerSession", err)
	}
	if len(f.idp.logoutCalls) != 0 {
		t.Fatal("no broker logout without a captured session")
	}
}

func TestInvalidateRejectsBadState(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.orch.Invalidate(context.Background(), "garbage"); !errors.Is(err, ErrBadState) {
		t.Fatalf("err = %v, want ErrBadState", err)
	}
}
