package linking

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultbot/internal/identity"
	"vaultbot/internal/linkstore"
	"vaultbot/pkg/config"
	"vaultbot/pkg/logger"
	"vaultbot/pkg/middleware"
)

type fakeVerifier map[string]Claims

func (f fakeVerifier) Verify(_ context.Context, raw string) (Claims, error) {
	c, ok := f[raw]
	if !ok {
		return Claims{}, ErrInvalidAssertion
	}
	return c, nil
}

var merchant = Claims{Sub: "merchant|123", Email: "a@b.com", Name: "Ada"}

type harness struct {
	router http.Handler
	links  linkstore.Store
	dir    *identity.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	links := linkstore.NewMemoryStore()
	dir := identity.NewMemory()
	v := fakeVerifier{
		"good":     merchant,
		"no-email": {Sub: "merchant|9"},
	}
	r := chi.NewRouter()
	RegisterHTTP(r, config.Config{Env: "dev"}, NewWebhooks(v, links, dir, logger.Nop()), nil)
	return &harness{router: r, links: links, dir: dir}
}

func (h *harness) call(t *testing.T, path, assertion string, hdr map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"assertion": assertion, "intent": "checkout"})
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	out := map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestCheckReportsNotFound(t *testing.T) {
	h := newHarness(t)
	rec, out := h.call(t, "/account/check", "good", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{
		"account_found":    false,
		"merchant_user_id": "merchant|123",
		"merchant_email":   "a@b.com",
	}, out)
}

func TestCheckAfterLinkUsesDatabaseLink(t *testing.T) {
	h := newHarness(t)
	_, err := h.links.Upsert(context.Background(), "auth0|999", "merchant|123", "")
	require.NoError(t, err)

	_, out := h.call(t, "/account/check", "good", nil)
	assert.Equal(t, map[string]any{
		"account_found": true,
		"user_id":       "auth0|999",
		"match_method":  "database_link",
	}, out)
}

func TestCheckPrefersLinkOverEmailMatch(t *testing.T) {
	h := newHarness(t)
	h.dir.Add(identity.User{ID: "auth0|email", Email: "a@b.com"})
	_, err := h.links.Upsert(context.Background(), "auth0|linked", "merchant|123", "")
	require.NoError(t, err)

	_, out := h.call(t, "/account/check", "good", nil)
	assert.Equal(t, "auth0|linked", out["user_id"])
	assert.Equal(t, MatchDatabaseLink, out["match_method"])
}

func TestCheckFallsBackToEmailLookup(t *testing.T) {
	h := newHarness(t)
	h.dir.Add(identity.User{ID: "auth0|email", Email: "A@B.com"})

	_, out := h.call(t, "/account/check", "good", nil)
	assert.Equal(t, "auth0|email", out["user_id"])
	assert.Equal(t, MatchEmailLookup, out["match_method"])
}

func TestCreateIsIdempotentWithoutSession(t *testing.T) {
	h := newHarness(t)
	rec, first := h.call(t, "/account/create", "good", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, first["account_created"])

	_, second := h.call(t, "/account/create", "good", nil)
	assert.Equal(t, first["user_id"], second["user_id"])
	assert.Equal(t, false, second["account_created"])
	assert.Equal(t, 1, h.dir.Count())

	_, check := h.call(t, "/account/check", "good", nil)
	assert.Equal(t, first["user_id"], check["user_id"])
	assert.Equal(t, MatchDatabaseLink, check["match_method"])
}

func TestCreateReusesIdentityWithSameEmail(t *testing.T) {
	h := newHarness(t)
	existing := h.dir.Add(identity.User{Email: "a@b.com"})

	_, out := h.call(t, "/account/create", "good", nil)
	assert.Equal(t, existing.ID, out["user_id"])
	assert.Equal(t, false, out["account_created"])
	assert.Equal(t, 1, h.dir.Count())
}

func TestCreateLinksSessionUser(t *testing.T) {
	h := newHarness(t)
	_, out := h.call(t, "/account/create", "good", map[string]string{middleware.DevUserHeader: "auth0|session"})
	assert.Equal(t, "auth0|session", out["user_id"])
	assert.Equal(t, 0, h.dir.Count())

	l, err := h.links.FindByChatbotUser(context.Background(), "auth0|session")
	require.NoError(t, err)
	assert.Equal(t, "merchant|123", l.MerchantUserID)
}

func TestGetReturnsProfile(t *testing.T) {
	h := newHarness(t)
	u := h.dir.Add(identity.User{Email: "a@b.com", Name: "Ada L", EmailVerified: true})
	_, err := h.links.Upsert(context.Background(), u.ID, "merchant|123", "")
	require.NoError(t, err)

	rec, out := h.call(t, "/account/get", "good", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, u.ID, out["user_id"])
	assert.Equal(t, "Ada L", out["name"])
	assert.Equal(t, true, out["email_verified"])
	assert.NotContains(t, out, "degraded")
}

func TestGetDegradesWhenProfileUnavailable(t *testing.T) {
	h := newHarness(t)
	u := h.dir.Add(identity.User{Email: "a@b.com", Name: "Ada L"})
	_, err := h.links.Upsert(context.Background(), u.ID, "merchant|123", "")
	require.NoError(t, err)
	h.dir.FailGet = true

	rec, out := h.call(t, "/account/get", "good", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["degraded"])
	assert.Equal(t, u.ID, out["user_id"])
	assert.Equal(t, "Ada", out["name"])
	assert.Equal(t, "merchant|123", out["merchant_user_id"])
}

func TestGetWithoutLinkIsNotFound(t *testing.T) {
	h := newHarness(t)
	rec, out := h.call(t, "/account/get", "good", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "account_not_found", out["error"])
	assert.NotEmpty(t, out["error_description"])
}

func TestInvalidAssertionsAreRejected(t *testing.T) {
	h := newHarness(t)
	for _, raw := range []string{"forged", "no-email", ""} {
		rec, out := h.call(t, "/account/check", raw, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, raw)
		assert.Contains(t, []any{"invalid_assertion", "invalid_request"}, out["error"], raw)
	}
}

func TestGetRecordsSilentRefresh(t *testing.T) {
	links := linkstore.NewMemoryStore()
	dir := identity.NewMemory()
	u := dir.Add(identity.User{Email: "a@b.com", Name: "Ada L"})
	ctx := context.Background()
	_, err := links.Upsert(ctx, u.ID, merchant.Sub, "rt-1")
	require.NoError(t, err)
	after := time.Now().UTC()

	h := NewWebhooks(fakeVerifier{}, links, dir, logger.Nop())
	_, err = h.Get(ctx, merchant, "rt-2")
	require.NoError(t, err)

	l, err := links.FindByChatbotUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "rt-2", l.RefreshToken)
	assert.False(t, l.LastRefreshedAt.Before(after))

	n, err := links.PurgeOlderThan(ctx, after)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCheckByLinkKeepsRefreshToken(t *testing.T) {
	links := linkstore.NewMemoryStore()
	ctx := context.Background()
	_, err := links.Upsert(ctx, "auth0|999", merchant.Sub, "rt-1")
	require.NoError(t, err)
	after := time.Now().UTC()

	h := NewWebhooks(fakeVerifier{}, links, identity.NewMemory(), logger.Nop())
	out, err := h.Check(ctx, merchant)
	require.NoError(t, err)
	assert.Equal(t, MatchDatabaseLink, out.MatchMethod)

	l, err := links.FindByChatbotUser(ctx, "auth0|999")
	require.NoError(t, err)
	assert.Equal(t, "rt-1", l.RefreshToken)
	assert.False(t, l.LastRefreshedAt.Before(after))
}
