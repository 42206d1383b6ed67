package edge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Entry is a whole origin response held by the edge tier.
type Entry struct {
	StatusCode int           `msgpack:"status"`
	Header     http.Header   `msgpack:"header"`
	Body       []byte        `msgpack:"body"`
	CachedAt   time.Time     `msgpack:"cached_at"`
	MaxAge     time.Duration `msgpack:"max_age"`
}

// ExpiresAt returns when the entry stops being served.
func (e *Entry) ExpiresAt() time.Time {
	return e.CachedAt.Add(e.MaxAge)
}

// FreshAt reports whether the entry may still be served at now.
func (e *Entry) FreshAt(now time.Time) bool {
	return now.Before(e.ExpiresAt())
}

// SharedMaxAge returns the directive attached to populated responses.
func SharedMaxAge(ttl time.Duration) string {
	return "public, s-maxage=" + strconv.FormatInt(int64(ttl/time.Second), 10)
}

// ShouldStore reports whether a response may be kept: 2xx, not marked
// no-store or private, and no larger than maxBody bytes.
func ShouldStore(statusCode int, header http.Header, size, maxBody int64) bool {
	if statusCode < 200 || statusCode >= 300 {
		return false
	}
	cc := strings.ToLower(header.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return false
	}
	return size <= maxBody
}

// ErrBodyTooLarge is returned by ResponseToEntry for bodies over the limit.
var ErrBodyTooLarge = errors.New("response body exceeds the edge limit")

type readCloser struct {
	io.Reader
	io.Closer
}

// ResponseToEntry reads resp into an Entry and restores the body so the
// caller can still send it. Bodies over maxBody bytes (when maxBody > 0) are
// not buffered past the limit: ErrBodyTooLarge is returned and resp.Body
// still yields the complete body.
func ResponseToEntry(resp *http.Response, cachedAt time.Time, maxAge time.Duration, maxBody int64) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	var reader io.Reader = resp.Body
	if maxBody > 0 {
		reader = io.LimitReader(resp.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if maxBody > 0 && int64(len(body)) > maxBody {
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return nil, ErrBodyTooLarge
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	removeHopHeaders(header)

	return &Entry{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		CachedAt:   cachedAt,
		MaxAge:     maxAge,
	}, nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (e *Entry) Clone() *Entry {
	out := *e
	out.Header = e.Header.Clone()
	out.Body = bytes.Clone(e.Body)
	return &out
}

// NotModified reports whether req's validators match the entry, in which
// case a 304 can be sent instead of the body.
func (e *Entry) NotModified(req *http.Request) bool {
	if inm := req.Header.Get("If-None-Match"); inm != "" {
		etag := e.Header.Get("ETag")
		if etag == "" {
			return false
		}
		for _, candidate := range strings.Split(inm, ",") {
			candidate = strings.TrimSpace(candidate)
			if candidate == "*" || strings.TrimPrefix(candidate, "W/") == strings.TrimPrefix(etag, "W/") {
				return true
			}
		}
		return false
	}

	ims := req.Header.Get("If-Modified-Since")
	lm := e.Header.Get("Last-Modified")
	if ims == "" || lm == "" {
		return false
	}
	since, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	modified, err := http.ParseTime(lm)
	if err != nil {
		return false
	}
	return !modified.After(since)
}

// hopHeaders describe the connection to the origin and are never replayed.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
