package connect

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"vaultbot/internal/auth0"
	"vaultbot/internal/tokenstore"
	"vaultbot/pkg/connections"
	"vaultbot/pkg/logger"
	"vaultbot/pkg/middleware"
)

type fakeVault struct {
	connects  []auth0.ConnectRequest
	completes []auth0.CompleteRequest
	account   auth0.ConnectedAccount
	n         int
}

func (f *fakeVault) Connect(_ context.Context, r auth0.ConnectRequest) (auth0.ConnectTicket, error) {
	f.connects = append(f.connects, r)
	f.n++
	return auth0.ConnectTicket{
		ConnectURI:  "https://tenant.example/connect?ticket=t",
		AuthSession: "sess-" + string(rune('0'+f.n)),
		ExpiresIn:   300,
	}, nil
}

func (f *fakeVault) Complete(_ context.Context, r auth0.CompleteRequest) (auth0.ConnectedAccount, error) {
	f.completes = append(f.completes, r)
	return f.account, nil
}

type fixture struct {
	svc      *Service
	vault    *fakeVault
	resolver *tokenstore.Resolver
	now      time.Time
}

func newFixture(t *testing.T, login *oauth2.Config) *fixture {
	t.Helper()
	reg, err := connections.New(connections.Defaults(), nil)
	require.NoError(t, err)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	res := tokenstore.NewResolver(tokenstore.NewMemoryStore(), reg, nil,
		tokenstore.WithClock(func() time.Time { return now }))
	v := &fakeVault{account: auth0.ConnectedAccount{
		AccessToken:  "provider-at",
		RefreshToken: "provider-rt",
		Scopes:       []string{"https://www.googleapis.com/auth/gmail.readonly"},
		ExpiresAt:    now.Add(time.Hour),
	}}
	svc := NewService(v, res, reg, NewMemorySessions(), login, Config{
		PopupRedirectURI: "http://app.test/connect/callback",
		AppOrigin:        "http://app.test",
	}, logger.Nop())
	svc.now = func() time.Time { return now }
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, vault: v, resolver: res, now: now}
}

var gmail = []string{"openid", "https://www.googleapis.com/auth/gmail.readonly"}

func TestStartCompleteMakesGrantResolvable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	before, err := f.svc.LinkedAccounts(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, before)

	tk, err := f.svc.Start(ctx, "u1", StartRequest{Connection: "google", Scopes: gmail})
	require.NoError(t, err)
	assert.Len(t, tk.State, 43)
	assert.Equal(t, "google-oauth2", f.vault.connects[0].Connection)
	assert.Equal(t, tk.State, f.vault.connects[0].State)

	c, err := f.svc.Complete(ctx, "u1", CompleteRequest{
		AuthSession: tk.AuthSession, ConnectCode: "code", State: tk.State,
		RedirectURI: "http://app.test/connect/callback",
	})
	require.NoError(t, err)
	assert.Equal(t, "google", c.Connection)
	assert.ElementsMatch(t, gmail, c.Scopes)

	res, err := f.resolver.Resolve(ctx, "u1", "google", gmail)
	require.NoError(t, err)
	assert.True(t, res.Authorized())
	assert.Equal(t, "provider-at", res.Token)

	after, err := f.svc.LinkedAccounts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "Google", after[0].DisplayName)
	assert.Contains(t, after[0].Descriptions, "Read your email messages")
}

func TestCompleteIsSingleUse(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tk, err := f.svc.Start(ctx, "u1", StartRequest{Connection: "google", Scopes: gmail})
	require.NoError(t, err)

	req := CompleteRequest{AuthSession: tk.AuthSession, ConnectCode: "code", State: tk.State}
	_, err = f.svc.Complete(ctx, "u1", req)
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, "u1", req)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Len(t, f.vault.completes, 1)
}

func TestCompleteRejectsStaleState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tk, err := f.svc.Start(ctx, "u1", StartRequest{Connection: "google", Scopes: gmail})
	require.NoError(t, err)

	later := f.now.Add(5*time.Minute + time.Second)
	f.svc.now = func() time.Time { return later }
	_, err = f.svc.Complete(ctx, "u1", CompleteRequest{AuthSession: tk.AuthSession, ConnectCode: "code", State: tk.State})
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Empty(t, f.vault.completes)
}

func TestCompleteRejectsStateMismatchAndBurnsSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tk, err := f.svc.Start(ctx, "u1", StartRequest{Connection: "google", Scopes: gmail})
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, "u1", CompleteRequest{AuthSession: tk.AuthSession, ConnectCode: "code", State: "forged"})
	assert.ErrorIs(t, err, ErrStateMismatch)

	_, err = f.svc.Complete(ctx, "u1", CompleteRequest{AuthSession: tk.AuthSession, ConnectCode: "code", State: tk.State})
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Empty(t, f.vault.completes)
}

func TestCompleteRejectsOtherUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tk, err := f.svc.Start(ctx, "u1", StartRequest{Connection: "google", Scopes: gmail})
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, "intruder", CompleteRequest{AuthSession: tk.AuthSession, ConnectCode: "code", State: tk.State})
	assert.ErrorIs(t, err, ErrWrongOwner)
	assert.ErrorIs(t, f.svc.Cancel(ctx, "intruder", tk.AuthSession), ErrWrongOwner)
	assert.Empty(t, f.vault.completes)

	// the owner's session survives both attempts
	c, err := f.svc.Complete(ctx, "u1", CompleteRequest{AuthSession: tk.AuthSession, ConnectCode: "code", State: tk.State})
	require.NoError(t, err)
	assert.Equal(t, "google", c.Connection)
}

type stubRefresher struct{ calls []string }

func (s *stubRefresher) Refresh(_ context.Context, conn connections.Connection, refreshToken string) (*oauth2.Token, error) {
	s.calls = append(s.calls, conn.Name+":"+refreshToken)
	return &oauth2.Token{AccessToken: "fresh-at", Expiry: time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)}, nil
}

func TestCompleteWithoutAccessTokenResolvesThroughRefresh(t *testing.T) {
	reg, err := connections.New(connections.Defaults(), nil)
	require.NoError(t, err)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ref := &stubRefresher{}
	res := tokenstore.NewResolver(tokenstore.NewMemoryStore(), reg, ref,
		tokenstore.WithClock(func() time.Time { return now }))
	v := &fakeVault{account: auth0.ConnectedAccount{
		RefreshToken: "provider-rt",
		Scopes:       []string{"https://www.googleapis.com/auth/gmail.readonly"},
	}}
	svc := NewService(v, res, reg, NewMemorySessions(), nil, Config{PopupRedirectURI: "http://app.test/connect/callback"}, logger.Nop())
	svc.now = func() time.Time { return now }
	t.Cleanup(svc.Close)
	ctx := context.Background()

	tk, err := svc.Start(ctx, "u1", StartRequest{Connection: "google", Scopes: gmail})
	require.NoError(t, err)
	_, err = svc.Complete(ctx, "u1", CompleteRequest{AuthSession: tk.AuthSession, ConnectCode: "code", State: tk.State})
	require.NoError(t, err)

	got, err := res.Resolve(ctx, "u1", "google", gmail)
	require.NoError(t, err)
	require.True(t, got.Authorized())
	assert.Equal(t, "fresh-at", got.Token)
	assert.Equal(t, []string{"google:provider-rt"}, ref.calls)
}

func TestCompleteWithoutAnyTokenNeedsAuth(t *testing.T) {
	f := newFixture(t, nil)
	f.vault.account = auth0.ConnectedAccount{Scopes: []string{"https://www.googleapis.com/auth/gmail.readonly"}}
	ctx := context.Background()

	tk, err := f.svc.Start(ctx, "u1", StartRequest{Connection: "google", Scopes: gmail})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, "u1", CompleteRequest{AuthSession: tk.AuthSession, ConnectCode: "code", State: tk.State})
	require.NoError(t, err)

	got, err := f.resolver.Resolve(ctx, "u1", "google", gmail)
	require.NoError(t, err)
	assert.False(t, got.Authorized())
	require.NotNil(t, got.NeedsAuth)
	assert.Empty(t, got.Token)
}

func TestDerivedConnectionStoresUnderRoot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	xbox := []string{"XboxLive.signin", "XboxLive.offline_access"}
	f.vault.account.Scopes = xbox

	tk, err := f.svc.Start(ctx, "u1", StartRequest{Connection: "xbox", Scopes: xbox})
	require.NoError(t, err)
	assert.Equal(t, "windowslive", f.vault.connects[0].Connection)

	_, err = f.svc.Complete(ctx, "u1", CompleteRequest{AuthSession: tk.AuthSession, ConnectCode: "c", State: tk.State})
	require.NoError(t, err)

	res, err := f.resolver.Resolve(ctx, "u1", "microsoft", xbox)
	require.NoError(t, err)
	assert.True(t, res.Authorized())
}

func TestStartKeepsPreviouslyGrantedScopes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.resolver.Store(ctx, tokenstore.Credential{
		UserID: "u1", Connection: "microsoft", AccessToken: "ms", Scopes: []string{"User.Read"},
	}))

	_, err := f.svc.Start(ctx, "u1", StartRequest{Connection: "xbox", Scopes: []string{"XboxLive.signin"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"XboxLive.signin", "User.Read"}, f.vault.connects[0].Scopes)
}

func TestCancelDropsSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tk, err := f.svc.Start(ctx, "u1", StartRequest{Connection: "google", Scopes: gmail})
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, "u1", tk.AuthSession))
	_, err = f.svc.Complete(ctx, "u1", CompleteRequest{AuthSession: tk.AuthSession, ConnectCode: "c", State: tk.State})
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestRevokeClearsLinkedAccounts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.resolver.Store(ctx, tokenstore.Credential{UserID: "u1", Connection: "google", AccessToken: "a", Scopes: gmail}))
	list, err := f.svc.LinkedAccounts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, f.svc.Revoke(ctx, "u1", "google"))
	list, err = f.svc.LinkedAccounts(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRedirectLoginRoundTrip(t *testing.T) {
	var gotVerifier string
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotVerifier = r.Form.Get("code_verifier")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tenant-at","refresh_token":"tenant-rt","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	login := &oauth2.Config{
		ClientID: "cid", ClientSecret: "sec",
		Endpoint:    oauth2.Endpoint{AuthURL: "https://tenant.example/authorize", TokenURL: tokenSrv.URL, AuthStyle: oauth2.AuthStyleInParams},
		RedirectURL: "http://app.test/auth/connect/callback",
	}
	f := newFixture(t, login)
	ctx := context.Background()

	raw, err := f.svc.LoginURL(ctx, "u1", "salesforce", nil, "https://evil.example/")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "salesforce", q.Get("connection"))
	assert.Equal(t, "u1", q.Get("subject"))
	assert.Equal(t, "connect", q.Get("link_transaction"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.ElementsMatch(t, []string{"api", "refresh_token"}, strings.Fields(q.Get("connection_scope")))

	c, returnTo, err := f.svc.FinishLogin(ctx, "the-code", q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "/", returnTo)
	assert.Equal(t, "salesforce", c.Connection)
	assert.NotEmpty(t, gotVerifier)

	granted, err := f.resolver.Granted(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, granted, 2)

	_, _, err = f.svc.FinishLogin(ctx, "the-code", q.Get("state"))
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestFinishLoginRejectsMalformedState(t *testing.T) {
	f := newFixture(t, &oauth2.Config{})
	_, _, err := f.svc.FinishLogin(context.Background(), "code", "no-dot")
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestHTTPCompleteStateMismatchIsForbidden(t *testing.T) {
	f := newFixture(t, nil)
	tk, err := f.svc.Start(context.Background(), "u1", StartRequest{Connection: "google", Scopes: gmail})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(middleware.WithActor(req.Context(), "u1")))
		})
	})
	RegisterAPI(r, f.svc)

	body, _ := json.Marshal(map[string]string{"auth_session": tk.AuthSession, "connect_code": "c", "state": "nope"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/connect/complete", bytes.NewReader(body)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"state_mismatch"`)
}

func TestRelayPagePostsToAppOrigin(t *testing.T) {
	f := newFixture(t, nil)
	r := chi.NewRouter()
	RegisterPublic(r, f.svc)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/connect/callback", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "app.test")
	assert.Contains(t, rec.Body.String(), "window.opener.postMessage(msg, origin)")
}
