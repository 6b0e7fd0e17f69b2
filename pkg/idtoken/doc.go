// Package idtoken verifies OpenID Connect ID tokens received by a native
// client from its authorization server.
//
// Verification is a single pipeline with three stages:
//
//   - Decode: split the compact JWT and parse header and payload
//   - Signature: enforce the algorithm policy and check RS256 signatures
//     against the issuer's published JWKS
//   - Claims: validate iss, sub, aud, exp, iat, nonce, azp, and auth_time
//
// # Usage
//
//	verifier := idtoken.NewVerifier(
//	    idtoken.WithTimeout(5*time.Second),
//	    idtoken.WithLogger(logger),
//	)
//
//	err := verifier.VerifyToken(ctx, rawIDToken, idtoken.Options{
//	    Domain:   "tenant.example.com",
//	    ClientID: "client123",
//	    Nonce:    nonce,
//	    MaxAge:   idtoken.Seconds(3600),
//	})
//	if err != nil {
//	    // never trust any claim of a rejected token
//	    return err
//	}
//
// # Algorithm Policy
//
// Only RS256 and HS256 are accepted. RS256 keys are discovered through
// https://{domain}/.well-known/openid-configuration and selected by kid.
// HS256 tokens skip signature verification: they are only delivered over the
// authenticated authorization code + PKCE exchange, and a public client has
// no safe place for the shared secret.
//
// # Error Handling
//
// Every rejection is a *VerificationError carrying one Kind. Kinds are error
// values themselves:
//
//	switch {
//	case errors.Is(err, idtoken.ErrKeyRetrieval):
//	    // issuer keys unavailable or kid unknown
//	case errors.Is(err, idtoken.ErrInvalidSignature):
//	    // forged or tampered token
//	case errors.Is(err, idtoken.ErrInvalidExpiresAtClaim):
//	    // expired beyond leeway
//	}
//
// Claims are checked in a fixed order, so the same token always fails with
// the same Kind.
package idtoken
