package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultbot/pkg/connections"
)

const gmailScope = "https://www.googleapis.com/auth/gmail.readonly"

type fixture struct {
	store    Store
	resolver *Resolver
	now      time.Time
	refreshN *int32
	xboxN    *int32
}

// tokenServer answers refresh requests with status and body.
func tokenServer(t *testing.T, status int, body map[string]any, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func xboxServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		var body struct {
			Properties struct{ RpsTicket string }
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Properties.RpsTicket != "d=ms-live" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"Token": "user-token", "NotAfter": time.Now().Add(14 * 24 * time.Hour)})
	})
	mux.HandleFunc("/xsts", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Token":         "xsts-token",
			"NotAfter":      time.Now().Add(16 * time.Hour),
			"DisplayClaims": map[string]any{"xui": []map[string]any{{"uhs": "uhs-1"}}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newFixture(t *testing.T, refreshStatus int, refreshBody map[string]any) fixture {
	t.Helper()
	var refreshN, xboxN int32
	tokSrv := tokenServer(t, refreshStatus, refreshBody, &refreshN)
	xbSrv := xboxServer(t, &xboxN)

	conns := connections.Defaults()
	for i := range conns {
		if conns[i].TokenURL != "" {
			conns[i].TokenURL = tokSrv.URL
		}
	}
	reg, err := connections.New(conns, nil)
	require.NoError(t, err)

	x := NewXboxExchanger(xbSrv.Client())
	x.UserAuthURL = xbSrv.URL + "/user"
	x.XSTSAuthURL = xbSrv.URL + "/xsts"

	now := time.Now().UTC()
	store := NewMemoryStore()
	r := NewResolver(store, reg, OAuth2Refresher{ClientID: "cid", ClientSecret: "secret", HTTPClient: tokSrv.Client()},
		WithExchanger(x), WithClock(func() time.Time { return now }))
	return fixture{store: store, resolver: r, now: now, refreshN: &refreshN, xboxN: &xboxN}
}

func okRefresh() map[string]any {
	return map[string]any{"access_token": "fresh", "token_type": "Bearer", "expires_in": 3600, "refresh_token": "rotated"}
}

func TestResolveWithoutCredentialNeedsAuth(t *testing.T) {
	f := newFixture(t, http.StatusOK, okRefresh())
	res, err := f.resolver.Resolve(context.Background(), "u1", "google", []string{gmailScope})
	require.NoError(t, err)
	require.NotNil(t, res.NeedsAuth)
	assert.Equal(t, "google", res.NeedsAuth.Connection)
	assert.Equal(t, []string{gmailScope}, res.NeedsAuth.MissingScopes)
}

func TestResolveInsufficientScopeReportsMissing(t *testing.T) {
	f := newFixture(t, http.StatusOK, okRefresh())
	ctx := context.Background()
	require.NoError(t, f.store.PutCredential(ctx, Credential{UserID: "u1", Connection: "google", AccessToken: "a", Scopes: []string{"openid"}, ExpiresAt: f.now.Add(time.Hour)}))

	res, err := f.resolver.Resolve(ctx, "u1", "google", []string{"openid", gmailScope})
	require.NoError(t, err)
	require.NotNil(t, res.NeedsAuth)
	assert.Equal(t, []string{gmailScope}, res.NeedsAuth.MissingScopes)
}

func TestResolveFastPathDoesNotRefresh(t *testing.T) {
	f := newFixture(t, http.StatusOK, okRefresh())
	ctx := context.Background()
	require.NoError(t, f.store.PutCredential(ctx, Credential{UserID: "u1", Connection: "google", AccessToken: "cached", RefreshToken: "r", Scopes: []string{gmailScope}, ExpiresAt: f.now.Add(time.Hour)}))

	res, err := f.resolver.Resolve(ctx, "u1", "google", []string{gmailScope})
	require.NoError(t, err)
	assert.True(t, res.Authorized())
	assert.Equal(t, "cached", res.Token)
	assert.Zero(t, atomic.LoadInt32(f.refreshN))
}

func TestResolveWithinMarginRefreshesInPlace(t *testing.T) {
	f := newFixture(t, http.StatusOK, okRefresh())
	ctx := context.Background()
	require.NoError(t, f.store.PutCredential(ctx, Credential{UserID: "u1", Connection: "google", AccessToken: "stale", RefreshToken: "r", Scopes: []string{gmailScope}, ExpiresAt: f.now.Add(10 * time.Second)}))

	res, err := f.resolver.Resolve(ctx, "u1", "google", []string{gmailScope})
	require.NoError(t, err)
	assert.Equal(t, "fresh", res.Token)

	c, err := f.store.GetCredential(ctx, "u1", "google")
	require.NoError(t, err)
	assert.Equal(t, "fresh", c.AccessToken)
	assert.Equal(t, "rotated", c.RefreshToken)
	assert.True(t, c.ExpiresAt.After(f.now.Add(time.Minute)))
}

func TestResolveEmptyAccessTokenGoesThroughRefresh(t *testing.T) {
	f := newFixture(t, http.StatusOK, okRefresh())
	ctx := context.Background()
	require.NoError(t, f.store.PutCredential(ctx, Credential{UserID: "u1", Connection: "google", RefreshToken: "r", Scopes: []string{gmailScope}}))

	res, err := f.resolver.Resolve(ctx, "u1", "google", []string{gmailScope})
	require.NoError(t, err)
	assert.True(t, res.Authorized())
	assert.Equal(t, "fresh", res.Token)
	assert.EqualValues(t, 1, atomic.LoadInt32(f.refreshN))
}

func TestResolveEmptyAccessTokenWithoutRefreshNeedsAuth(t *testing.T) {
	f := newFixture(t, http.StatusOK, okRefresh())
	ctx := context.Background()
	require.NoError(t, f.store.PutCredential(ctx, Credential{UserID: "u1", Connection: "google", Scopes: []string{gmailScope}}))

	res, err := f.resolver.Resolve(ctx, "u1", "google", []string{gmailScope})
	require.NoError(t, err)
	require.NotNil(t, res.NeedsAuth)
	assert.Empty(t, res.Token)
	assert.Zero(t, atomic.LoadInt32(f.refreshN))
}

func TestResolveRejectedRefreshNeedsAuth(t *testing.T) {
	f := newFixture(t, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
	ctx := context.Background()
	require.NoError(t, f.store.PutCredential(ctx, Credential{UserID: "u1", Connection: "google", AccessToken: "stale", RefreshToken: "revoked", Scopes: []string{gmailScope}, ExpiresAt: f.now.Add(-time.Hour)}))

	res, err := f.resolver.Resolve(ctx, "u1", "google", []string{gmailScope})
	require.NoError(t, err)
	require.NotNil(t, res.NeedsAuth)
}

func TestResolveUpstreamFailureIsTransportError(t *testing.T) {
	f := newFixture(t, http.StatusServiceUnavailable, map[string]any{"error": "temporarily_unavailable"})
	ctx := context.Background()
	require.NoError(t, f.store.PutCredential(ctx, Credential{UserID: "u1", Connection: "google", AccessToken: "stale", RefreshToken: "r", Scopes: []string{gmailScope}, ExpiresAt: f.now.Add(-time.Hour)}))

	_, err := f.resolver.Resolve(ctx, "u1", "google", []string{gmailScope})
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "google", te.Connection)
}

var xboxScopes = []string{"XboxLive.signin", "XboxLive.offline_access"}

func TestXboxExpiredDerivedIsRederivedFromValidRoot(t *testing.T) {
	f := newFixture(t, http.StatusOK, okRefresh())
	ctx := context.Background()
	require.NoError(t, f.store.PutCredential(ctx, Credential{UserID: "u1", Connection: "microsoft", AccessToken: "ms-live", Scopes: xboxScopes, ExpiresAt: f.now.Add(time.Hour)}))
	require.NoError(t, f.store.PutDerived(ctx, DerivedCredential{UserID: "u1", Connection: "xbox", Token: "old-xsts", ExpiresAt: f.now.Add(-time.Minute)}))

	res, err := f.resolver.Resolve(ctx, "u1", "xbox", xboxScopes)
	require.NoError(t, err)
	require.True(t, res.Authorized())
	assert.Equal(t, "xsts-token", res.Token)
	assert.Equal(t, "uhs-1", res.UserHash)
	assert.Equal(t, int32(1), atomic.LoadInt32(f.xboxN))

	d, err := f.store.GetDerived(ctx, "u1", "xbox")
	require.NoError(t, err)
	assert.Equal(t, "xsts-token", d.Token)

	// Second call is served from the cached derived credential.
	_, err = f.resolver.Resolve(ctx, "u1", "xbox", xboxScopes)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(f.xboxN))
}

func TestXboxExpiredRootWithoutRefreshNeedsAuth(t *testing.T) {
	f := newFixture(t, http.StatusOK, okRefresh())
	ctx := context.Background()
	require.NoError(t, f.store.PutCredential(ctx, Credential{UserID: "u1", Connection: "microsoft", AccessToken: "ms-live", Scopes: xboxScopes, ExpiresAt: f.now.Add(-time.Hour)}))
	require.NoError(t, f.store.PutDerived(ctx, DerivedCredential{UserID: "u1", Connection: "xbox", Token: "old-xsts", ExpiresAt: f.now.Add(-time.Minute)}))

	res, err := f.resolver.Resolve(ctx, "u1", "xbox", xboxScopes)
	require.NoError(t, err)
	require.NotNil(t, res.NeedsAuth)
	assert.Equal(t, "xbox", res.NeedsAuth.Connection)
	assert.Zero(t, atomic.LoadInt32(f.xboxN))
}

func TestXboxExpiredRootIsRefreshedBeforeDeriving(t *testing.T) {
	f := newFixture(t, http.StatusOK, map[string]any{"access_token": "ms-live", "token_type": "Bearer", "expires_in": 3600})
	ctx := context.Background()
	require.NoError(t, f.store.PutCredential(ctx, Credential{UserID: "u1", Connection: "microsoft", AccessToken: "ms-old", RefreshToken: "r", Scopes: xboxScopes, ExpiresAt: f.now.Add(-time.Hour)}))

	res, err := f.resolver.Resolve(ctx, "u1", "xbox", xboxScopes)
	require.NoError(t, err)
	assert.Equal(t, "xsts-token", res.Token)
	assert.Equal(t, int32(1), atomic.LoadInt32(f.refreshN))
}

func TestStoreRecordsScopesAndDropsDerived(t *testing.T) {
	f := newFixture(t, http.StatusOK, okRefresh())
	ctx := context.Background()
	require.NoError(t, f.store.PutDerived(ctx, DerivedCredential{UserID: "u1", Connection: "xbox", Token: "x", ExpiresAt: f.now.Add(time.Hour)}))

	require.NoError(t, f.resolver.Store(ctx, Credential{UserID: "u1", Connection: "microsoft", AccessToken: "ms", Scopes: xboxScopes}))
	require.NoError(t, f.resolver.Store(ctx, Credential{UserID: "u1", Connection: "microsoft", AccessToken: "ms", Scopes: xboxScopes}))

	_, err := f.store.GetDerived(ctx, "u1", "xbox")
	assert.ErrorIs(t, err, ErrNotFound)

	granted, err := f.resolver.Granted(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, granted, 2)
}

func TestRevokeDeletesRootAndDerived(t *testing.T) {
	f := newFixture(t, http.StatusOK, okRefresh())
	ctx := context.Background()
	require.NoError(t, f.store.PutCredential(ctx, Credential{UserID: "u1", Connection: "microsoft", AccessToken: "ms"}))
	require.NoError(t, f.store.PutDerived(ctx, DerivedCredential{UserID: "u1", Connection: "xbox", Token: "x", ExpiresAt: f.now.Add(time.Hour)}))
	require.NoError(t, f.store.RecordGrantedScopes(ctx, "u1", "microsoft", []string{"User.Read"}, f.now))

	require.NoError(t, f.resolver.Revoke(ctx, "u1", "xbox"))
	granted, err := f.resolver.Granted(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, granted)
	_, err = f.store.GetCredential(ctx, "u1", "microsoft")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.store.GetDerived(ctx, "u1", "xbox")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPurgeExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	require.NoError(t, s.PutCredential(ctx, Credential{UserID: "a", Connection: "google", AccessToken: "x", ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, s.PutCredential(ctx, Credential{UserID: "b", Connection: "google", AccessToken: "x", RefreshToken: "r", ExpiresAt: now.Add(-time.Hour)}))

	n, err := s.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.GetCredential(ctx, "b", "google")
	assert.NoError(t, err)
}

func TestXboxPostRejectsUnencodableBody(t *testing.T) {
	var calls int32
	srv := xboxServer(t, &calls)
	x := NewXboxExchanger(srv.Client())

	_, err := x.post(context.Background(), srv.URL+"/user", map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xbox request body")
	assert.Zero(t, atomic.LoadInt32(&calls))
}
