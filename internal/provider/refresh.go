package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"git.sr.ht/~jakintosh/idcreds/pkg/credentials"
)

const maxResponseBytes = 1 << 20

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// RefreshToken redeems a refresh token at the token endpoint. A returned ID
// token is verified before the credentials are handed back. When the
// response carries no refresh token the presented one is kept. Server-side
// rejections are *ResponseError; everything else wraps ErrTokenRequest or
// ErrTokenResponse.
func (p *Provider) RefreshToken(
	ctx context.Context,
	req credentials.RefreshRequest,
) (
	*credentials.Credentials,
	error,
) {
	form := url.Values{}
	for k, v := range req.Parameters {
		form.Set(k, v)
	}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", p.cfg.ClientID)
	form.Set("refresh_token", req.RefreshToken)
	if req.Scope != "" {
		form.Set("scope", req.Scope)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	p.logger.Debug("posting refresh token",
		zap.String("token_endpoint", p.tokenURL),
		zap.String("client_id", p.cfg.ClientID),
	)
	res, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRequest, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: couldn't read body: %v", ErrTokenResponse, err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, decodeErrorResponse(res, body)
	}

	resp := credentials.TokenResponse{}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenResponse, err)
	}
	// servers that don't rotate omit refresh_token; the presented one stays valid
	if resp.RefreshToken == "" {
		resp.RefreshToken = req.RefreshToken
	}

	if resp.IDToken != "" {
		if err := p.verifier.VerifyToken(ctx, resp.IDToken, p.verifyOptions("", nil)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTokenResponse, err)
		}
	}

	creds, err := credentials.FromTokenResponse(resp, p.clock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenResponse, err)
	}
	return creds, nil
}

func decodeErrorResponse(res *http.Response, body []byte) error {
	respErr := &ResponseError{StatusCode: res.StatusCode}

	mediaType, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type"))
	decoded := errorResponse{}
	if mediaType == "application/json" && json.Unmarshal(body, &decoded) == nil && decoded.Error != "" {
		respErr.Code = decoded.Error
		respErr.Description = decoded.ErrorDescription
		return respErr
	}

	respErr.Code = "unknown_error"
	respErr.Description = http.StatusText(res.StatusCode)
	return respErr
}
