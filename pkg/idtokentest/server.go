package idtokentest

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"git.sr.ht/~jakintosh/idcreds/pkg/clock"
)

const (
	DiscoveryPath = "/.well-known/openid-configuration"
	JWKSPath      = "/.well-known/jwks.json"
	AuthorizePath = "/authorize"
	TokenPath     = "/oauth/token"
)

// Server is an in-process OIDC authorization server for tests. It serves
// discovery, JWKS, an auto-approving authorize endpoint, and a token
// endpoint with single-use, rotating refresh tokens.
type Server struct {
	Keys     *Keys
	ClientID string

	AccessTokenLifetime time.Duration
	Clock               clock.Clock
	// NonRotating keeps refresh tokens valid across redemptions and leaves
	// refresh_token out of refresh responses.
	NonRotating bool

	httpServer *httptest.Server

	mu            sync.Mutex
	jwks          *jose.JSONWebKeySet
	codes         map[string]authorizationGrant
	refreshTokens map[string]refreshGrant
	refreshError  string

	discoveryRequests atomic.Int64
	jwksRequests      atomic.Int64
	tokenRequests     atomic.Int64
	refreshRequests   atomic.Int64
}

type authorizationGrant struct {
	redirectURI   string
	codeChallenge string
	nonce         string
	scope         string
	subject       string
}

type refreshGrant struct {
	subject string
	scope   string
}

// TokenResponse is the body of a successful token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ErrorResponse is the body of a failed token endpoint response.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// NewServer creates and starts a TLS server for keys and clientID. Callers
// must Close it.
func NewServer(keys *Keys, clientID string) *Server {
	s := New(keys, clientID)
	s.httpServer = httptest.NewTLSServer(s.Router())
	return s
}

// New creates a server without starting it; see Start and StartOn.
func New(keys *Keys, clientID string) *Server {
	return &Server{
		Keys:                keys,
		ClientID:            clientID,
		AccessTokenLifetime: time.Hour,
		Clock:               clock.System(),
		codes:               make(map[string]authorizationGrant),
		refreshTokens:       make(map[string]refreshGrant),
	}
}

// Start serves on a random loopback port.
func (s *Server) Start() {
	s.httpServer = httptest.NewTLSServer(s.Router())
}

// StartOn serves on an existing listener.
func (s *Server) StartOn(listener net.Listener) {
	s.httpServer = httptest.NewUnstartedServer(s.Router())
	s.httpServer.Listener.Close()
	s.httpServer.Listener = listener
	s.httpServer.StartTLS()
}

func (s *Server) Close() {
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

// URL is the server's base URL, e.g. https://127.0.0.1:61234.
func (s *Server) URL() string { return s.httpServer.URL }

// Domain is the issuer domain (host:port) of the server.
func (s *Server) Domain() string {
	return strings.TrimPrefix(s.httpServer.URL, "https://")
}

// Issuer is the iss value of tokens minted by the server.
func (s *Server) Issuer() string {
	return fmt.Sprintf("https://%s/", s.Domain())
}

// Client returns an HTTP client that trusts the server's certificate.
func (s *Server) Client() *http.Client { return s.httpServer.Client() }

// CertificateDER is the server's self-signed TLS certificate.
func (s *Server) CertificateDER() []byte { return s.httpServer.Certificate().Raw }

func (s *Server) DiscoveryRequests() int64 { return s.discoveryRequests.Load() }
func (s *Server) JWKSRequests() int64      { return s.jwksRequests.Load() }
func (s *Server) TokenRequests() int64     { return s.tokenRequests.Load() }
func (s *Server) RefreshRequests() int64   { return s.refreshRequests.Load() }

// Requests is the total number of requests the server has handled.
func (s *Server) Requests() int64 {
	return s.DiscoveryRequests() + s.JWKSRequests() + s.TokenRequests()
}

// PublishKeys replaces the served JWKS, e.g. to simulate key rotation.
func (s *Server) PublishKeys(jwks jose.JSONWebKeySet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jwks = &jwks
}

// FailRefresh makes every refresh_token grant fail with the given OAuth
// error code. An empty code restores normal behavior.
func (s *Server) FailRefresh(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshError = code
}

// IssueRefreshToken seeds a valid refresh token for subject.
func (s *Server) IssueRefreshToken(subject string, scope string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueRefreshTokenLocked(subject, scope)
}

func (s *Server) issueRefreshTokenLocked(subject string, scope string) string {
	token := uuid.NewString()
	s.refreshTokens[token] = refreshGrant{subject: subject, scope: scope}
	return token
}

// IDToken mints an RS256 ID token for subject that validates against the
// server's domain and client.
func (s *Server) IDToken(subject string, extra Claims) (string, error) {
	claims := DefaultClaims(s.Domain(), s.ClientID, s.Clock.Now()).With("sub", subject)
	for k, v := range extra {
		claims[k] = v
	}
	return s.Keys.SignRS256(claims)
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(DiscoveryPath, s.handleDiscovery).Methods(http.MethodGet)
	r.HandleFunc(JWKSPath, s.handleJWKS).Methods(http.MethodGet)
	r.HandleFunc(AuthorizePath, s.handleAuthorize).Methods(http.MethodGet)
	r.HandleFunc(TokenPath, s.handleToken).Methods(http.MethodPost)
	return r
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	s.discoveryRequests.Add(1)
	base := s.URL()
	returnJson(map[string]any{
		"issuer":                                s.Issuer(),
		"authorization_endpoint":                base + AuthorizePath,
		"token_endpoint":                        base + TokenPath,
		"jwks_uri":                              base + JWKSPath,
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256", "HS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	}, w)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	s.jwksRequests.Add(1)
	s.mu.Lock()
	jwks := s.jwks
	s.mu.Unlock()
	if jwks == nil {
		published := s.Keys.JWKS()
		jwks = &published
	}
	returnJson(jwks, w)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("response_type") != "code" || q.Get("client_id") != s.ClientID {
		logApiErr(r, "unsupported response_type or unknown client_id")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		logApiErr(r, "missing S256 code challenge")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Scheme == "" {
		logApiErr(r, "invalid redirect_uri")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	subject := q.Get("login_hint")
	if subject == "" {
		subject = "user|alice"
	}

	code := uuid.NewString()
	s.mu.Lock()
	s.codes[code] = authorizationGrant{
		redirectURI:   redirect.String(),
		codeChallenge: q.Get("code_challenge"),
		nonce:         q.Get("nonce"),
		scope:         q.Get("scope"),
		subject:       subject,
	}
	s.mu.Unlock()

	params := redirect.Query()
	params.Set("code", code)
	if state := q.Get("state"); state != "" {
		params.Set("state", state)
	}
	redirect.RawQuery = params.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusSeeOther)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.tokenRequests.Add(1)
	if err := r.ParseForm(); err != nil {
		returnError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if clientID := clientIDFrom(r); clientID != s.ClientID {
		returnError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.exchangeCode(w, r)
	case "refresh_token":
		s.refreshRequests.Add(1)
		s.refresh(w, r)
	default:
		returnError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (s *Server) exchangeCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")

	// codes are consumed on first use, valid or not
	s.mu.Lock()
	grant, ok := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()

	if !ok {
		returnError(w, http.StatusBadRequest, "invalid_grant", "unknown authorization code")
		return
	}
	if r.PostForm.Get("redirect_uri") != grant.redirectURI {
		returnError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if !verifyChallenge(r.PostForm.Get("code_verifier"), grant.codeChallenge) {
		returnError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	extra := Claims{"auth_time": s.Clock.Now().Unix()}
	if grant.nonce != "" {
		extra["nonce"] = grant.nonce
	}
	s.issueTokens(w, grant.subject, grant.scope, extra)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	token := r.PostForm.Get("refresh_token")

	s.mu.Lock()
	failure := s.refreshError
	grant, ok := s.refreshTokens[token]
	// refresh tokens are single use unless the server doesn't rotate
	if !s.NonRotating {
		delete(s.refreshTokens, token)
	}
	s.mu.Unlock()

	if failure != "" {
		returnError(w, http.StatusBadRequest, failure, "refresh rejected by test server")
		return
	}
	if !ok {
		returnError(w, http.StatusBadRequest, "invalid_grant", "unknown or already used refresh token")
		return
	}

	scope := grant.scope
	if requested := r.PostForm.Get("scope"); requested != "" {
		scope = requested
	}
	if s.NonRotating {
		s.issueAccessTokens(w, grant.subject, scope, nil, false)
		return
	}
	s.issueTokens(w, grant.subject, scope, nil)
}

func (s *Server) issueTokens(w http.ResponseWriter, subject string, scope string, extra Claims) {
	s.issueAccessTokens(w, subject, scope, extra, true)
}

func (s *Server) issueAccessTokens(
	w http.ResponseWriter,
	subject string,
	scope string,
	extra Claims,
	withRefreshToken bool,
) {
	idToken, err := s.IDToken(subject, extra)
	if err != nil {
		log.Printf("idtokentest: couldn't mint id token: %v\n", err)
		returnError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	refreshToken := ""
	if withRefreshToken {
		s.mu.Lock()
		refreshToken = s.issueRefreshTokenLocked(subject, scope)
		s.mu.Unlock()
	}

	returnJson(&TokenResponse{
		AccessToken:  uuid.NewString(),
		IDToken:      idToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.AccessTokenLifetime / time.Second),
		RefreshToken: refreshToken,
		Scope:        scope,
	}, w)
}

func clientIDFrom(r *http.Request) string {
	if user, _, ok := r.BasicAuth(); ok {
		if unescaped, err := url.QueryUnescape(user); err == nil {
			return unescaped
		}
		return user
	}
	return r.PostForm.Get("client_id")
}

func verifyChallenge(verifier string, challenge string) bool {
	if verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func returnJson(data any, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
}

func returnError(w http.ResponseWriter, status int, code string, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func logApiErr(r *http.Request, msg string) {
	log.Printf("%s %s: %s\n", r.Method, r.RequestURI, msg)
}

// ExpiresAt is the absolute expiry a token response issued now would carry.
func (s *Server) ExpiresAt() int64 {
	return s.Clock.Now().Add(s.AccessTokenLifetime).Unix()
}
