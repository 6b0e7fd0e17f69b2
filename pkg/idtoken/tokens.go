package idtoken

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	AlgorithmRS256 = "RS256"
	AlgorithmHS256 = "HS256"
)

// Header is the JOSE header of a compact JWT. Members that aren't JSON
// strings read as empty.
type Header struct {
	Algorithm string
	KeyID     string
	Type      string

	// alg as it appeared in the header, for error messages
	rawAlgorithm any
}

func headerFromFields(fields map[string]any) Header {
	text := func(name string) string {
		s, _ := fields[name].(string)
		return s
	}
	return Header{
		Algorithm:    text("alg"),
		KeyID:        text("kid"),
		Type:         text("typ"),
		rawAlgorithm: fields["alg"],
	}
}

// Claims is the decoded JWT payload. Numeric claims decode as json.Number.
type Claims map[string]any

// Token is a compact JWT split into its parts, decoded but not verified.
type Token struct {
	Header  Header
	Payload Claims

	raw          string
	encHeader    string
	encClaims    string
	encSignature string
}

// Raw returns the compact serialization the token was decoded from.
func (t *Token) Raw() string { return t.raw }

// Decode splits a compact JWT into header and payload without verifying it.
// It fails with ErrTokenDecoding unless the string has three dot-separated
// segments whose first two are base64url JSON objects.
func Decode(tokenStr string) (*Token, error) {
	encHeader, encClaims, encSignature, err := validateStructure(tokenStr)
	if err != nil {
		return nil, newError(ErrTokenDecoding, "ID token could not be decoded: %v", err)
	}

	fields := map[string]any{}
	if err := decodeJWTSection(encHeader, &fields); err != nil {
		return nil, newError(ErrTokenDecoding, "ID token header could not be decoded: %v", err)
	}
	header := headerFromFields(fields)

	claims := Claims{}
	if err := decodeJWTSection(encClaims, &claims); err != nil {
		return nil, newError(ErrTokenDecoding, "ID token payload could not be decoded: %v", err)
	}

	return &Token{
		Header:       header,
		Payload:      claims,
		raw:          tokenStr,
		encHeader:    encHeader,
		encClaims:    encClaims,
		encSignature: encSignature,
	}, nil
}

func validateStructure(tokenStr string) (
	header string,
	claims string,
	signature string,
	err error,
) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		err = fmt.Errorf("JWT expected three parts, found %d", len(parts))
		return
	}
	if parts[0] == "" || parts[1] == "" {
		err = fmt.Errorf("JWT header and payload must not be empty")
		return
	}
	header = parts[0]
	claims = parts[1]
	signature = parts[2]
	return
}

func decodeSegment(str string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(str, "="))
}

func decodeJWTSection[T any](str string, value *T) error {
	data, err := decodeSegment(str)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding: %v", err)
	}
	// object check first: json.Unmarshal accepts null into a map or struct
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("not a JSON object")
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	if err := decoder.Decode(value); err != nil {
		return fmt.Errorf("not valid JSON: %v", err)
	}
	if decoder.More() {
		return fmt.Errorf("not valid JSON: trailing data")
	}
	return nil
}
