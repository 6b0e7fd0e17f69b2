package provider_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/idcreds/internal/provider"
	"git.sr.ht/~jakintosh/idcreds/internal/testutil"
	"git.sr.ht/~jakintosh/idcreds/pkg/clock"
	"git.sr.ht/~jakintosh/idcreds/pkg/credentials"
	"git.sr.ht/~jakintosh/idcreds/pkg/idtoken"
	"git.sr.ht/~jakintosh/idcreds/pkg/idtokentest"
)

func TestDiscover_Unreachable(t *testing.T) {
	t.Parallel()
	server := idtokentest.NewServer(idtokentest.SharedKeys(), testutil.TestClientID)
	domain := server.Domain()
	client := server.Client()
	server.Close()

	_, err := provider.Discover(context.Background(), provider.Config{
		Domain:   domain,
		ClientID: testutil.TestClientID,
	}, provider.WithHTTPClient(client))
	if !errors.Is(err, provider.ErrDiscovery) {
		t.Fatalf("expected ErrDiscovery, got %v", err)
	}
}

func TestAuthorize_URL(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)

	auth, err := env.Provider.Authorize(provider.AuthorizeOptions{
		Audience:   "https://api.example.com",
		MaxAge:     idtoken.Seconds(600),
		Parameters: map[string]string{"prompt": "login"},
	})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	authURL, err := url.Parse(auth.URL)
	if err != nil {
		t.Fatalf("invalid authorize URL: %v", err)
	}
	if !strings.HasSuffix(authURL.Path, idtokentest.AuthorizePath) {
		t.Errorf("path = %q", authURL.Path)
	}

	q := authURL.Query()
	expect := map[string]string{
		"response_type":         "code",
		"client_id":             testutil.TestClientID,
		"redirect_uri":          testutil.TestRedirectURL,
		"state":                 auth.State,
		"nonce":                 auth.Nonce,
		"code_challenge_method": "S256",
		"audience":              "https://api.example.com",
		"max_age":               "600",
		"prompt":                "login",
		"scope":                 "openid profile offline_access",
	}
	for k, v := range expect {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}

	// the verifier never leaves the device
	if q.Get("code_challenge") == "" || q.Get("code_challenge") == auth.CodeVerifier {
		t.Errorf("code_challenge = %q", q.Get("code_challenge"))
	}
	if strings.Contains(auth.URL, auth.CodeVerifier) {
		t.Error("authorize URL leaks the code verifier")
	}
}

func TestAuthorize_ScopeAlwaysHasOpenID(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)

	auth, err := env.Provider.Authorize(provider.AuthorizeOptions{Scope: "email"})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if auth.Scope != "openid email" {
		t.Errorf("scope = %q, want %q", auth.Scope, "openid email")
	}
}

func TestAuthorize_UniqueSecrets(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)

	a, _ := env.Provider.Authorize(provider.AuthorizeOptions{})
	b, _ := env.Provider.Authorize(provider.AuthorizeOptions{})
	if a.State == b.State || a.Nonce == b.Nonce || a.CodeVerifier == b.CodeVerifier {
		t.Error("authorizations share secrets")
	}
}

func TestCheckState(t *testing.T) {
	t.Parallel()
	auth := &provider.Authorization{State: "expected"}

	if err := auth.CheckState("expected"); err != nil {
		t.Errorf("CheckState failed: %v", err)
	}
	if err := auth.CheckState("forged"); !errors.Is(err, provider.ErrStateMismatch) {
		t.Errorf("expected ErrStateMismatch, got %v", err)
	}
	if err := auth.CheckState(""); !errors.Is(err, provider.ErrStateMismatch) {
		t.Errorf("expected ErrStateMismatch for empty state, got %v", err)
	}
}

func TestExchange_Success(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)

	before := time.Now().Unix()
	creds := env.Login(t, provider.AuthorizeOptions{MaxAge: idtoken.Seconds(60)})

	if creds.IDToken == "" || creds.AccessToken == "" || creds.RefreshToken == "" {
		t.Errorf("incomplete credentials: %+v", creds)
	}
	if creds.TokenType != "Bearer" {
		t.Errorf("token type = %q", creds.TokenType)
	}
	if creds.ExpiresAt < before+3600 || creds.ExpiresAt > time.Now().Unix()+3600 {
		t.Errorf("ExpiresAt = %d, want about now+3600", creds.ExpiresAt)
	}
	if creds.Scope != "openid profile offline_access" {
		t.Errorf("scope = %q", creds.Scope)
	}
}

func TestExchange_WrongVerifier(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)

	auth, err := env.Provider.Authorize(provider.AuthorizeOptions{})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	code := env.FollowAuthorize(t, auth)

	// PKCE check fails at the server
	auth.CodeVerifier = "not-the-verifier-not-the-verifier-not-the-verifier"
	_, err = env.Provider.Exchange(context.Background(), code, auth)
	var respErr *provider.ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("expected *ResponseError, got %T: %v", err, err)
	}
	if respErr.Code != "invalid_grant" || respErr.StatusCode != 400 {
		t.Errorf("response error = %+v", respErr)
	}
	if !errors.Is(err, provider.ErrTokenRequest) {
		t.Error("ResponseError should match ErrTokenRequest")
	}
}

func TestExchange_CodeIsSingleUse(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)

	auth, _ := env.Provider.Authorize(provider.AuthorizeOptions{})
	code := env.FollowAuthorize(t, auth)

	if _, err := env.Provider.Exchange(context.Background(), code, auth); err != nil {
		t.Fatalf("first Exchange failed: %v", err)
	}
	if _, err := env.Provider.Exchange(context.Background(), code, auth); !errors.Is(err, provider.ErrTokenRequest) {
		t.Errorf("expected ErrTokenRequest on code reuse, got %v", err)
	}
}

func TestExchange_NonceMismatch(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)

	auth, _ := env.Provider.Authorize(provider.AuthorizeOptions{})
	code := env.FollowAuthorize(t, auth)

	// the ID token carries the nonce sent on authorize
	auth.Nonce = "replayed"
	_, err := env.Provider.Exchange(context.Background(), code, auth)
	if !errors.Is(err, provider.ErrTokenResponse) {
		t.Fatalf("expected ErrTokenResponse, got %v", err)
	}
	if !errors.Is(err, idtoken.ErrInvalidNonceClaim) {
		t.Errorf("expected invalid_nonce_claim, got %v", err)
	}
}

func TestRefreshToken_Success(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	refreshToken := env.Server.IssueRefreshToken("user|alice", "openid offline_access")

	creds, err := env.Provider.RefreshToken(context.Background(), credentials.RefreshRequest{
		RefreshToken: refreshToken,
		Scope:        "openid read:messages",
	})
	if err != nil {
		t.Fatalf("RefreshToken failed: %v", err)
	}
	if creds.IDToken == "" || creds.AccessToken == "" {
		t.Errorf("incomplete credentials: %+v", creds)
	}
	if creds.RefreshToken == "" || creds.RefreshToken == refreshToken {
		t.Errorf("refresh token not rotated: %q", creds.RefreshToken)
	}
	if creds.Scope != "openid read:messages" {
		t.Errorf("scope = %q", creds.Scope)
	}
	if env.Server.RefreshRequests() != 1 {
		t.Errorf("refresh requests = %d, want 1", env.Server.RefreshRequests())
	}
}

func TestRefreshToken_NonRotatingKeepsToken(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	env.Server.NonRotating = true
	refreshToken := env.Server.IssueRefreshToken("user|alice", "openid offline_access")
	req := credentials.RefreshRequest{RefreshToken: refreshToken}

	// the response has no refresh_token, so the presented one carries over
	creds, err := env.Provider.RefreshToken(context.Background(), req)
	if err != nil {
		t.Fatalf("RefreshToken failed: %v", err)
	}
	if creds.RefreshToken != refreshToken {
		t.Errorf("refresh token = %q, want the presented %q", creds.RefreshToken, refreshToken)
	}

	// and can be redeemed again
	if _, err := env.Provider.RefreshToken(context.Background(), req); err != nil {
		t.Fatalf("second RefreshToken failed: %v", err)
	}
}

func TestManager_NonRotatingStaysRenewable(t *testing.T) {
	t.Parallel()
	clk := clock.NewFixed(time.Now())
	env := testutil.SetupTestEnv(t, credentials.WithClock(clk))
	env.Server.NonRotating = true
	refreshToken := env.Server.IssueRefreshToken("user|alice", "openid offline_access")
	testutil.StoreCredentials(t, env.Storage, env.Manager.StorageKey(), &credentials.Credentials{
		AccessToken:  "stale",
		TokenType:    "Bearer",
		ExpiresAt:    clk.Now().Unix() - 1,
		RefreshToken: refreshToken,
	})

	ctx := context.Background()
	if _, err := env.Manager.GetCredentials(ctx, credentials.GetOptions{}); err != nil {
		t.Fatalf("first GetCredentials failed: %v", err)
	}

	// long after the renewed access token expired, the slot still renews
	clk.Advance(2 * time.Hour)
	if ok, err := env.Manager.HasValidCredentials(ctx, 0); err != nil || !ok {
		t.Fatalf("HasValidCredentials = (%v, %v), want true", ok, err)
	}
	renewed, err := env.Manager.GetCredentials(ctx, credentials.GetOptions{})
	if err != nil {
		t.Fatalf("second GetCredentials failed: %v", err)
	}
	if renewed.RefreshToken != refreshToken {
		t.Errorf("refresh token = %q, want %q", renewed.RefreshToken, refreshToken)
	}
	if env.Server.RefreshRequests() != 2 {
		t.Errorf("refresh requests = %d, want 2", env.Server.RefreshRequests())
	}
}

func TestRefreshToken_Reused(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	refreshToken := env.Server.IssueRefreshToken("user|alice", "openid")
	req := credentials.RefreshRequest{RefreshToken: refreshToken}

	if _, err := env.Provider.RefreshToken(context.Background(), req); err != nil {
		t.Fatalf("first RefreshToken failed: %v", err)
	}

	// second redemption of a rotated token is rejected
	_, err := env.Provider.RefreshToken(context.Background(), req)
	var respErr *provider.ResponseError
	if !errors.As(err, &respErr) || respErr.Code != "invalid_grant" {
		t.Fatalf("expected invalid_grant, got %v", err)
	}
	if respErr.Description == "" {
		t.Error("expected error_description to be surfaced")
	}
}

func TestRefreshToken_ServerRejects(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	refreshToken := env.Server.IssueRefreshToken("user|alice", "openid")
	env.Server.FailRefresh("access_denied")

	_, err := env.Provider.RefreshToken(context.Background(), credentials.RefreshRequest{RefreshToken: refreshToken})
	var respErr *provider.ResponseError
	if !errors.As(err, &respErr) || respErr.Code != "access_denied" {
		t.Fatalf("expected access_denied, got %v", err)
	}
}

func TestRefreshToken_RejectsForeignIDToken(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	refreshToken := env.Server.IssueRefreshToken("user|alice", "openid")

	// server signs with keys it doesn't publish
	rogue, err := idtokentest.NewKeys()
	if err != nil {
		t.Fatalf("NewKeys failed: %v", err)
	}
	env.Server.PublishKeys(env.Server.Keys.JWKS())
	env.Server.Keys = rogue

	_, err = env.Provider.RefreshToken(context.Background(), credentials.RefreshRequest{RefreshToken: refreshToken})
	if !errors.Is(err, provider.ErrTokenResponse) || !errors.Is(err, idtoken.ErrKeyRetrieval) {
		t.Fatalf("expected ErrTokenResponse wrapping key_retrieval_error, got %v", err)
	}
}

func TestManager_RefreshesThroughProvider(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	creds := env.Login(t, provider.AuthorizeOptions{})

	// store as already expired
	creds.ExpiresAt = time.Now().Unix() - 1
	testutil.StoreCredentials(t, env.Storage, env.Manager.StorageKey(), creds)

	renewed, err := env.Manager.GetCredentials(context.Background(), credentials.GetOptions{})
	if err != nil {
		t.Fatalf("GetCredentials failed: %v", err)
	}
	if renewed.AccessToken == creds.AccessToken || renewed.RefreshToken == creds.RefreshToken {
		t.Error("credentials were not renewed")
	}

	// the consumed refresh token can't be redeemed again
	_, err = env.Provider.RefreshToken(context.Background(), credentials.RefreshRequest{RefreshToken: creds.RefreshToken})
	if !errors.Is(err, provider.ErrTokenRequest) {
		t.Errorf("expected ErrTokenRequest for consumed token, got %v", err)
	}
}

func TestManager_ProviderRejectionClears(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	testutil.StoreCredentials(t, env.Storage, env.Manager.StorageKey(), &credentials.Credentials{
		AccessToken:  "stale",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Unix() - 1,
		RefreshToken: "never-issued",
	})

	_, err := env.Manager.GetCredentials(context.Background(), credentials.GetOptions{})
	var respErr *provider.ResponseError
	if !errors.As(err, &respErr) || respErr.Code != "invalid_grant" {
		t.Fatalf("expected invalid_grant, got %v", err)
	}
	if ok, _ := env.Manager.HasValidCredentials(context.Background(), 0); ok {
		t.Error("credentials should be cleared after rejection")
	}
}
