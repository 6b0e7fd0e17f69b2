package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// HTTPResult captures HTTP response details for test assertions
type HTTPResult struct {
	Code    int
	Error   error
	Headers http.Header
	Body    []byte
}

// ExpectStatus validates the HTTP status code and fails the test if it doesn't match
func ExpectStatus(
	t *testing.T,
	expected int,
	result HTTPResult,
) {
	t.Helper()
	if result.Error != nil {
		t.Fatalf("request error: %v", result.Error)
	}
	if result.Code != expected {
		t.Fatalf("expected status %d, got %d. Body: %s", expected, result.Code, string(result.Body))
	}
}

// ExpectRedirect validates a 303 response and returns its parsed Location
func ExpectRedirect(
	t *testing.T,
	result HTTPResult,
) *url.URL {
	t.Helper()
	if result.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect (303), got %d. Body: %s", result.Code, string(result.Body))
	}
	location, err := url.Parse(result.Headers.Get("Location"))
	if err != nil || location.String() == "" {
		t.Fatalf("expected Location header in redirect, got %q", result.Headers.Get("Location"))
	}
	return location
}

// ExpectOAuthError validates a token endpoint error body.
func ExpectOAuthError(
	t *testing.T,
	expectedStatus int,
	expectedCode string,
	result HTTPResult,
) {
	t.Helper()
	if result.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d. Body: %s", expectedStatus, result.Code, string(result.Body))
	}
	body := struct {
		Error string `json:"error"`
	}{}
	if err := json.Unmarshal(result.Body, &body); err != nil {
		t.Fatalf("error body is not JSON: %v\n%s", err, result.Body)
	}
	if body.Error != expectedCode {
		t.Fatalf("expected OAuth error %q, got %q", expectedCode, body.Error)
	}
}

// Get performs a GET against router and optionally decodes a JSON response
func Get(
	router http.Handler,
	url string,
	response any,
) HTTPResult {
	req := httptest.NewRequest(http.MethodGet, url, nil)
	return serve(router, req, response)
}

// PostForm performs a form-urlencoded POST against router
func PostForm(
	router http.Handler,
	urlPath string,
	values url.Values,
	response any,
) HTTPResult {
	req := httptest.NewRequest(http.MethodPost, urlPath, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return serve(router, req, response)
}

func serve(
	router http.Handler,
	req *http.Request,
	response any,
) HTTPResult {
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	result := HTTPResult{Code: res.Code, Headers: res.Header(), Body: res.Body.Bytes()}
	if response != nil && res.Code < 300 && res.Body.Len() > 0 {
		if err := json.Unmarshal(res.Body.Bytes(), response); err != nil {
			result.Error = fmt.Errorf("failed to decode JSON: %v\n%s", err, res.Body.String())
		}
	}
	return result
}
