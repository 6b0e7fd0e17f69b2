package idtoken

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"git.sr.ht/~jakintosh/idcreds/pkg/clock"
)

// DefaultLeeway is the clock skew, in seconds, tolerated by time-based claim
// checks when Options.Leeway is nil.
const DefaultLeeway = 60

// Options are the expectations an ID token is validated against.
type Options struct {
	// Domain is the issuer domain; iss must equal "https://{Domain}/".
	Domain string
	// ClientID is the audience this client expects, and the required azp
	// of multi-audience tokens.
	ClientID string
	// Nonce, when non-empty, must match the nonce claim exactly.
	Nonce string
	// MaxAge, in seconds, requires an auth_time claim no older than MaxAge.
	MaxAge *int
	// Leeway, in seconds, defaults to DefaultLeeway.
	Leeway *int
	// Clock supplies the current time. Nil falls back to the Verifier's clock.
	Clock clock.Clock
}

// Seconds returns a pointer to n, for Options.MaxAge and Options.Leeway.
func Seconds(n int) *int { return &n }

func (o *Options) leeway() int64 {
	if o.Leeway == nil {
		return DefaultLeeway
	}
	return int64(*o.Leeway)
}

func (o *Options) expectedIssuer() string {
	return fmt.Sprintf("https://%s/", o.Domain)
}

// ValidateClaims checks the OIDC-mandated claims of a verified payload. The
// rules run in a fixed order and the first failure is returned:
// iss, sub, aud, exp, iat, nonce, azp, auth_time.
func ValidateClaims(claims Claims, opts Options) error {
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	now := clock.EpochSeconds(opts.Clock)
	leeway := opts.leeway()

	// issuer
	iss, ok := stringClaim(claims, "iss")
	if !ok {
		return newError(ErrMissingIssuerClaim, "Issuer (iss) claim must be a string present in the ID token")
	}
	if expected := opts.expectedIssuer(); iss != expected {
		return newError(ErrInvalidIssuerClaim,
			"Issuer (iss) claim mismatch in the ID token; expected %q, found %q", expected, iss)
	}

	// subject
	if _, ok := stringClaim(claims, "sub"); !ok {
		return newError(ErrMissingSubjectClaim, "Subject (sub) claim must be a string present in the ID token")
	}

	// audience
	audiences, isArray, ok := audienceClaim(claims)
	if !ok {
		return newError(ErrMissingAudienceClaim,
			"Audience (aud) claim must be a string or array of strings present in the ID token")
	}
	if isArray && !slices.Contains(audiences, opts.ClientID) {
		return newError(ErrInvalidAudienceClaim,
			"Audience (aud) claim mismatch in the ID token; expected %q but was not one of %q",
			opts.ClientID, strings.Join(audiences, ", "))
	}
	if !isArray && audiences[0] != opts.ClientID {
		return newError(ErrInvalidAudienceClaim,
			"Audience (aud) claim mismatch in the ID token; expected %q but found %q",
			opts.ClientID, audiences[0])
	}

	// expiration
	exp, ok := numberClaim(claims, "exp")
	if !ok {
		return newError(ErrMissingExpiresAtClaim,
			"Expiration Time (exp) claim must be a number present in the ID token")
	}
	if float64(now) > exp+float64(leeway) {
		return newError(ErrInvalidExpiresAtClaim,
			"Expiration Time (exp) claim error in the ID token; current time (%d) is after expiration time (%d)",
			now, int64(exp+float64(leeway)))
	}

	// issued at; a future iat is accepted
	if _, ok := numberClaim(claims, "iat"); !ok {
		return newError(ErrMissingIssuedAtClaim,
			"Issued At (iat) claim must be a number present in the ID token")
	}

	// nonce
	if opts.Nonce != "" {
		nonce, ok := stringClaim(claims, "nonce")
		if !ok {
			return newError(ErrMissingNonceClaim,
				"Nonce (nonce) claim must be a string present in the ID token")
		}
		if nonce != opts.Nonce {
			return newError(ErrInvalidNonceClaim,
				"Nonce (nonce) claim mismatch in the ID token; expected %q, found %q", opts.Nonce, nonce)
		}
	}

	// authorized party
	if isArray && len(audiences) > 1 {
		azp, ok := stringClaim(claims, "azp")
		if !ok {
			return newError(ErrMissingAuthorizedPartyClaim,
				"Authorized Party (azp) claim must be a string present in the ID token when Audience (aud) claim has multiple values")
		}
		if azp != opts.ClientID {
			return newError(ErrInvalidAuthorizedPartyClaim,
				"Authorized Party (azp) claim mismatch in the ID token; expected %q, found %q", opts.ClientID, azp)
		}
	}

	// authentication time
	if opts.MaxAge != nil {
		authTime, ok := numberClaim(claims, "auth_time")
		if !ok {
			return newError(ErrMissingAuthorizationTimeClaim,
				"Authentication Time (auth_time) claim must be a number present in the ID token when Max Age (max_age) is specified")
		}
		authValidUntil := authTime + float64(*opts.MaxAge) + float64(leeway)
		if float64(now) > authValidUntil {
			return newError(ErrInvalidAuthorizationTimeClaim,
				"Authentication Time (auth_time) claim in the ID token indicates that too much time has passed since the last end-user authentication. Current time (%d) is after last auth at (%d)",
				now, int64(authValidUntil))
		}
	}

	return nil
}

func stringClaim(claims Claims, name string) (string, bool) {
	value, ok := claims[name].(string)
	return value, ok
}

// numberClaim accepts json.Number (from Decode) as well as native numeric
// types for hand-built payloads.
func numberClaim(claims Claims, name string) (float64, bool) {
	switch value := claims[name].(type) {
	case json.Number:
		f, err := value.Float64()
		return f, err == nil
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	default:
		return 0, false
	}
}

func audienceClaim(claims Claims) (audiences []string, isArray bool, ok bool) {
	switch value := claims["aud"].(type) {
	case string:
		return []string{value}, false, true
	case []string:
		return value, true, true
	case []any:
		audiences = make([]string, 0, len(value))
		for _, entry := range value {
			s, isString := entry.(string)
			if !isString {
				return nil, true, false
			}
			audiences = append(audiences, s)
		}
		return audiences, true, true
	default:
		return nil, false, false
	}
}
