// Package testutil provides a configurable fake profile source for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for one mocked profile path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockSource serves profile documents over HTTP. Paths without a configured
// response get a generated JSON profile for the last path segment.
type MockSource struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount      int
	PathCounts        map[string]int
	LastRequestHeader http.Header
}

// NewMockSource starts a new mock profile server.
func NewMockSource() *MockSource {
	mock := &MockSource{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		PathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockSource) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockSource) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockSource) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.PathCounts = make(map[string]int)
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockSource) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockSource) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, r, resp)
	})
}

// SetSequence configures responses served in order for a path; the last one
// repeats once the sequence is used up.
func (m *MockSource) SetSequence(path string, responses ...MockResponse) {
	var (
		mu sync.Mutex
		i  int
	)
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[i]
		if i < len(responses)-1 {
			i++
		}
		mu.Unlock()
		writeResponse(w, r, resp)
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockSource) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockSource) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp MockResponse) {
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// defaultHandler answers with a generated profile for the last path segment.
func (m *MockSource) defaultHandler(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	writeResponse(w, r, NewProfileResponse(ProfileJSON(Profile{ScreenName: name, Followers: int64(len(name)) * 10})))
}

func quotaHeaders(remaining, reset string, contentType string) map[string]string {
	return map[string]string{
		"x-rate-limit-remaining": remaining,
		"x-rate-limit-reset":     reset,
		"Content-Type":           contentType,
	}
}

// Profile holds the fields rendered by ProfileJSON and ProfileHTML.
type Profile struct {
	ScreenName string
	Name       string
	Bio        string
	Location   string
	Verified   bool
	Followers  int64
	Following  int64
	Posts      int64
	CreatedAt  string
}

// ProfileJSON renders p in the JSON envelope served by the profile endpoint.
func ProfileJSON(p Profile) string {
	if p.Name == "" {
		p.Name = p.ScreenName
	}
	if p.CreatedAt == "" {
		p.CreatedAt = "Wed Mar 04 10:00:00 +0000 2015"
	}
	doc := map[string]any{
		"data": map[string]any{
			"user": map[string]any{
				"result": map[string]any{
					"__typename":       "User",
					"id":               "VXNlcjo" + p.ScreenName,
					"rest_id":          fmt.Sprintf("%d", 1000+len(p.ScreenName)),
					"is_blue_verified": p.Verified,
					"legacy": map[string]any{
						"created_at":       p.CreatedAt,
						"description":      p.Bio,
						"favourites_count": 12,
						"followers_count":  p.Followers,
						"friends_count":    p.Following,
						"listed_count":     3,
						"location":         p.Location,
						"media_count":      4,
						"name":             p.Name,
						"screen_name":      p.ScreenName,
						"statuses_count":   p.Posts,
					},
				},
			},
		},
	}
	b, _ := json.Marshal(doc)
	return string(b)
}

// ProfileHTML renders p as a server-side profile page.
func ProfileHTML(p Profile) string {
	if p.Name == "" {
		p.Name = p.ScreenName
	}
	var verified string
	if p.Verified {
		verified = `<svg aria-label="Verified account"></svg>`
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><body><main>
<div data-testid="UserName"><div><span>%s</span>%s</div><div><span>@%s</span></div></div>
<div data-testid="UserDescription"><span>%s</span></div>
<div data-testid="UserProfileHeader_Items">
  <span data-testid="UserLocation"><span>%s</span></span>
  <span data-testid="UserJoinDate">Joined %s</span>
</div>
<a href="/%s/following"><span data-testid="followingCount">%d</span> Following</a>
<a href="/%s/verified_followers"><span data-testid="followerCount">%d</span> Followers</a>
</main></body></html>`,
		html.EscapeString(p.Name), verified, html.EscapeString(p.ScreenName),
		html.EscapeString(p.Bio),
		html.EscapeString(p.Location),
		html.EscapeString(p.CreatedAt),
		html.EscapeString(p.ScreenName), p.Following,
		html.EscapeString(p.ScreenName), p.Followers,
	)
}

// NewProfileResponse creates a 200 OK JSON response with healthy quota headers.
func NewProfileResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    quotaHeaders("100", "60", "application/json; charset=utf-8"),
	}
}

// NewPageResponse creates a 200 OK HTML response.
func NewPageResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    quotaHeaders("100", "60", "text/html; charset=utf-8"),
	}
}

// NewRenderFailureResponse creates a 200 OK page the remote app failed to render.
func NewRenderFailureResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `<html><body><div>Something went wrong, but don't fret - let's give it another shot.</div></body></html>`,
		Headers:    quotaHeaders("99", "60", "text/html; charset=utf-8"),
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"errors":[{"message":"User not found."}]}`,
		Headers:    quotaHeaders("99", "60", "application/json; charset=utf-8"),
	}
}

// NewSuspendedResponse creates a 403 Forbidden response.
func NewSuspendedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"errors":[{"message":"User has been suspended."}]}`,
		Headers:    quotaHeaders("99", "60", "application/json; charset=utf-8"),
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"errors":[{"message":"Rate limit exceeded"}]}`,
		Headers:    quotaHeaders("0", "30", "application/json; charset=utf-8"),
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"errors":[{"message":"Internal error"}]}`,
		Headers:    quotaHeaders("95", "60", "application/json; charset=utf-8"),
	}
}
