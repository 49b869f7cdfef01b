// Package cachekey builds deterministic cache keys (request fingerprints).
package cachekey

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// Request is everything that identifies a request for caching purposes.
// Params, Data and JSON hold query parameters, form fields and top-level
// JSON body fields. Body is only hashed when none of Data and JSON is set.
type Request struct {
	Method string
	URL    string
	Params map[string]any
	Data   map[string]any
	JSON   map[string]any
	Body   []byte
	Header http.Header
}

// Options controls which parts of a request participate in the key.
type Options struct {
	// IncludeHeaders adds request headers to the key when they differ
	// from DefaultHeaders.
	IncludeHeaders bool
	// IgnoredParams are removed from params, form data, top-level JSON
	// fields and headers before hashing.
	IgnoredParams []string
	// DefaultHeaders is the header set the transport sends on its own.
	DefaultHeaders http.Header
}

// CreateKey returns the hex encoded SHA-256 fingerprint of req.
//
// Query parameters embedded in the URL are merged into Params, so a query
// string and a separately supplied parameter map with the same content
// produce the same key. Values are stringified before encoding, so 1 and
// "1" collide.
func CreateKey(req Request, opts Options) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", req.URL, err)
	}

	params := make(map[string]any, len(req.Params))
	for k, v := range u.Query() {
		if len(v) == 1 {
			params[k] = v[0]
		} else {
			params[k] = v
		}
	}
	for k, v := range req.Params {
		params[k] = v
	}

	ignored := make(map[string]struct{}, len(opts.IgnoredParams))
	for _, p := range opts.IgnoredParams {
		ignored[p] = struct{}{}
	}

	var body, headers []byte
	if len(req.Data) == 0 && len(req.JSON) == 0 {
		body = req.Body
	}
	if opts.IncludeHeaders && len(req.Header) > 0 && !headersEqual(req.Header, opts.DefaultHeaders) {
		headers = encodeHeaders(req.Header, ignored)
	}

	h := sha256.New()
	writePart(h, []byte(strings.ToUpper(req.Method)))
	writePart(h, []byte(normalize(u)))
	writePart(h, encodeMapping(params, ignored))
	writePart(h, encodeMapping(req.Data, ignored))
	writePart(h, encodeMapping(req.JSON, ignored))
	writePart(h, body)
	writePart(h, headers)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writePart writes a length-prefixed part so that bytes cannot move from
// one part of the key into the next.
func writePart(h hash.Hash, part []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(part)))
	h.Write(n[:])
	h.Write(part)
}

// NormalizeURL returns the canonical form of raw used for hashing: scheme
// and host lower-cased, default ports removed, an empty or "/" path
// dropped, and query and fragment removed.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	return normalize(u), nil
}

func normalize(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if h, port, err := net.SplitHostPort(host); err == nil {
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			host = h
			if strings.Contains(h, ":") {
				host = "[" + h + "]"
			}
		}
	}
	path := u.EscapedPath()
	if path == "/" {
		path = ""
	}
	var b strings.Builder
	if scheme != "" {
		b.WriteString(scheme)
		b.WriteString("://")
	}
	if u.User != nil {
		b.WriteString(u.User.String())
		b.WriteString("@")
	}
	b.WriteString(host)
	b.WriteString(path)
	return b.String()
}

// encodeMapping encodes m as sorted, query-escaped key=value pairs joined
// by '&'. Absent and empty mappings both encode as no bytes.
func encodeMapping(m map[string]any, ignored map[string]struct{}) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		if _, skip := ignored[k]; skip {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b bytes.Buffer
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		for j, v := range stringValues(m[k]) {
			if j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.Bytes()
}

func stringValues(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, stringify(e))
		}
		return out
	default:
		return []string{stringify(v)}
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case fmt.Stringer:
		return t.String()
	}
	// Nested values: canonical JSON with sorted object keys.
	if b, err := sonic.ConfigStd.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}

func encodeHeaders(h http.Header, ignored map[string]struct{}) []byte {
	names := make([]string, 0, len(h))
	for k := range h {
		if _, skip := ignored[k]; skip {
			continue
		}
		if _, skip := ignored[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		return http.CanonicalHeaderKey(names[i]) < http.CanonicalHeaderKey(names[j])
	})

	var b bytes.Buffer
	for _, k := range names {
		b.WriteString(url.QueryEscape(http.CanonicalHeaderKey(k)))
		for _, v := range h[k] {
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func headersEqual(a, b http.Header) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv := b.Values(k)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
	}
	return true
}

// FromHTTPRequest extracts the key-relevant parts of r. Form encoded bodies
// become Data, JSON object bodies become JSON and anything else is kept as
// raw Body bytes. The request body is restored so r can still be sent.
func FromHTTPRequest(r *http.Request) (Request, error) {
	req := Request{
		Method: r.Method,
		URL:    r.URL.String(),
		Header: r.Header,
	}
	if r.Body == nil || r.Body == http.NoBody {
		return req, nil
	}

	body, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return req, fmt.Errorf("failed to read request body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	if len(body) == 0 {
		return req, nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err == nil {
			req.Data = make(map[string]any, len(values))
			for k, v := range values {
				if len(v) == 1 {
					req.Data[k] = v[0]
				} else {
					req.Data[k] = v
				}
			}
			return req, nil
		}
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var obj map[string]any
		if err := sonic.Unmarshal(body, &obj); err == nil && obj != nil {
			req.JSON = obj
			return req, nil
		}
	}
	req.Body = body
	return req, nil
}
