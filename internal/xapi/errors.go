package xapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/dghubble/go-twitter/twitter"

	"github.com/mikequentel/xclient/internal/apierror"
	"github.com/mikequentel/xclient/internal/model"
	"github.com/mikequentel/xclient/internal/ratelimit"
)

func translateError(resp *http.Response, body []byte, op string) error {
	msg := diagnoseHTTPError(resp, body, op)
	code := apiCode(body)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		if code != 0 {
			msg = fmt.Sprintf("%s (code %d)", msg, code)
		}
		return &apierror.AuthenticationError{Message: msg}
	case http.StatusTooManyRequests:
		reset, _ := strconv.ParseInt(strings.TrimSpace(resp.Header.Get(ratelimit.HeaderReset)), 10, 64)
		return &apierror.RateLimitError{Message: msg, ResetAt: reset}
	}
	return &apierror.ResponseError{Message: msg, Code: code}
}

// apiCode returns the first v1.1 error code, or the v2 problem status.
func apiCode(body []byte) int {
	var v1 twitter.APIError
	if json.Unmarshal(body, &v1) == nil && len(v1.Errors) > 0 && v1.Errors[0].Code != 0 {
		return v1.Errors[0].Code
	}
	var p model.Problem
	if json.Unmarshal(body, &p) == nil {
		return p.Status
	}
	return 0
}

// diagnoseHTTPError builds a readable message from a v2 problem body, a v1.1
// error list or, failing both, the raw body.
func diagnoseHTTPError(resp *http.Response, body []byte, op string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: HTTP %d", op, resp.StatusCode)

	var p model.Problem
	var v1 twitter.APIError
	switch {
	case json.Unmarshal(body, &p) == nil && (p.Title != "" || p.Detail != ""):
		fmt.Fprintf(&b, " %s", p.Title)
		if p.Detail != "" {
			fmt.Fprintf(&b, ": %s", p.Detail)
		}
	case json.Unmarshal(body, &v1) == nil && len(v1.Errors) > 0:
		msgs := make([]string, 0, len(v1.Errors))
		for _, e := range v1.Errors {
			msgs = append(msgs, e.Message)
		}
		fmt.Fprintf(&b, " %s", strings.Join(msgs, "; "))
	default:
		if s := strings.TrimSpace(string(body)); s != "" {
			fmt.Fprintf(&b, " %s", truncateRunes(s, 300))
		}
	}
	if lvl := resp.Header.Get("X-Access-Level"); lvl != "" {
		fmt.Fprintf(&b, " (access level %s)", lvl)
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
