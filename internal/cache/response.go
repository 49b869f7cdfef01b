package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// StoredRequest is the part of a request kept with a cached response.
type StoredRequest struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Header http.Header `json:"header"`
}

// StoredResponse is the cached artifact. It exposes the same read surface
// as a live response.
type StoredResponse struct {
	Method             string         `json:"method"`
	StatusCode         int            `json:"status_code"`
	Reason             string         `json:"reason"`
	URL                string         `json:"url"`
	Proto              string         `json:"proto"`
	ProtoMajor         int            `json:"proto_major"`
	ProtoMinor         int            `json:"proto_minor"`
	Header             http.Header    `json:"header"`
	Body               []byte         `json:"body"`
	Cookies            []*http.Cookie `json:"cookies"`
	ContentDisposition string         `json:"content_disposition"`
	CreatedAt          time.Time      `json:"created_at"`
	// Expires is zero for entries that never expire.
	Expires time.Time     `json:"expires"`
	Request StoredRequest `json:"request"`
	// History lists the requests that were redirected on the way to this
	// response, oldest first.
	History []StoredRequest `json:"history"`
}

// StatusError is returned by RaiseForStatus for 4xx and 5xx responses.
type StatusError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *StatusError) Error() string {
	kind := "Client Error"
	if e.StatusCode >= 500 {
		kind = "Server Error"
	}
	return fmt.Sprintf("%d %s: %s for url: %s", e.StatusCode, kind, e.Status, e.URL)
}

// hop-by-hop headers are never stored.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func cloneHeadersForCache(h http.Header) http.Header {
	out := http.Header{}
	for k, vals := range h {
		if _, ok := hopByHop[http.CanonicalHeaderKey(k)]; ok {
			continue
		}
		for _, v := range vals {
			out.Add(k, v)
		}
	}
	return out
}

// NewStoredResponse converts res into a StoredResponse expiring at expires
// (zero means never). The body is read fully and restored on res so the
// caller can still consume it.
func NewStoredResponse(res *http.Response, expires, now time.Time) (*StoredResponse, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		_ = res.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		res.Body = io.NopCloser(bytes.NewReader(body))
	}
	if body == nil {
		body = []byte{}
	}

	s := &StoredResponse{
		StatusCode:         res.StatusCode,
		Reason:             reasonPhrase(res),
		Proto:              res.Proto,
		ProtoMajor:         res.ProtoMajor,
		ProtoMinor:         res.ProtoMinor,
		Header:             cloneHeadersForCache(res.Header),
		Body:               body,
		Cookies:            res.Cookies(),
		ContentDisposition: res.Header.Get("Content-Disposition"),
		CreatedAt:          now.UTC(),
		Expires:            expires.UTC(),
	}
	if expires.IsZero() {
		s.Expires = time.Time{}
	}
	if req := res.Request; req != nil {
		s.Method = req.Method
		s.URL = req.URL.String()
		s.Request = storedRequest(req)
		s.History = redirectHistory(req)
	}
	return s, nil
}

func storedRequest(r *http.Request) StoredRequest {
	return StoredRequest{Method: r.Method, URL: r.URL.String(), Header: r.Header.Clone()}
}

// redirectHistory walks the Request.Response chain net/http builds while
// following redirects.
func redirectHistory(final *http.Request) []StoredRequest {
	var history []StoredRequest
	for r := final; r.Response != nil && r.Response.Request != nil; r = r.Response.Request {
		history = append([]StoredRequest{storedRequest(r.Response.Request)}, history...)
	}
	return history
}

func reasonPhrase(res *http.Response) string {
	prefix := strconv.Itoa(res.StatusCode) + " "
	if reason, ok := strings.CutPrefix(res.Status, prefix); ok {
		return reason
	}
	return http.StatusText(res.StatusCode)
}

// IsExpired reports whether the entry has an expiration and now is past it.
func (s *StoredResponse) IsExpired(now time.Time) bool {
	return !s.Expires.IsZero() && now.After(s.Expires)
}

// TTL returns the time left before expiry. ok is false for entries that
// never expire.
func (s *StoredResponse) TTL(now time.Time) (ttl time.Duration, ok bool) {
	if s.Expires.IsZero() {
		return 0, false
	}
	if d := s.Expires.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}

// Text returns the body as a string.
func (s *StoredResponse) Text() string { return string(s.Body) }

// JSON decodes the body into v.
func (s *StoredResponse) JSON(v any) error {
	return sonic.ConfigStd.Unmarshal(s.Body, v)
}

// Status returns the status line, e.g. "200 OK".
func (s *StoredResponse) Status() string {
	return fmt.Sprintf("%d %s", s.StatusCode, s.Reason)
}

// RaiseForStatus returns a *StatusError when the status is 400 or above.
func (s *StoredResponse) RaiseForStatus() error {
	if s.StatusCode < 400 {
		return nil
	}
	return &StatusError{StatusCode: s.StatusCode, Status: s.Reason, URL: s.URL}
}

// HTTPResponse rebuilds a live response for req from the cached entry.
func (s *StoredResponse) HTTPResponse(req *http.Request) *http.Response {
	res := &http.Response{
		Status:        s.Status(),
		StatusCode:    s.StatusCode,
		Proto:         s.Proto,
		ProtoMajor:    s.ProtoMajor,
		ProtoMinor:    s.ProtoMinor,
		Header:        s.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
	if res.Header == nil {
		res.Header = http.Header{}
	}
	if res.Proto == "" {
		res.Proto, res.ProtoMajor, res.ProtoMinor = "HTTP/1.1", 1, 1
	}
	return res
}
