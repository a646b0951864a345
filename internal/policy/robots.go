package policy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

const maxRobotsBytes = 512 * 1024

type robotsEntry struct {
	data      *robotstxt.RobotsData
	unknown   string
	fetchedAt time.Time
}

// RobotsChecker fetches and caches robots.txt per scheme+host. Lookups that
// cannot reach the host are cached briefly as unknown.
type RobotsChecker struct {
	client     *http.Client
	userAgent  string
	ttl        time.Duration
	unknownTTL time.Duration
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]robotsEntry
}

func NewRobotsChecker(client *http.Client, userAgent string, ttl time.Duration) *RobotsChecker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RobotsChecker{
		client:     client,
		userAgent:  userAgent,
		ttl:        ttl,
		unknownTTL: time.Minute,
		now:        time.Now,
		cache:      map[string]robotsEntry{},
	}
}

func (r *RobotsChecker) Check(ctx context.Context, target *url.URL) (Verdict, string) {
	origin := target.Scheme + "://" + target.Host
	entry, ok := r.cached(origin)
	if !ok {
		entry = r.fetch(ctx, origin)
		r.store(origin, entry)
	}
	if entry.unknown != "" {
		return Unknown, entry.unknown
	}
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}
	if entry.data.TestAgent(path, r.userAgent) {
		return Allowed, "robots.txt allows " + path
	}
	return Blocked, fmt.Sprintf("robots.txt disallows %s for %s", path, r.userAgent)
}

func (r *RobotsChecker) cached(origin string) (robotsEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[origin]
	if !ok {
		return robotsEntry{}, false
	}
	ttl := r.ttl
	if entry.unknown != "" {
		ttl = r.unknownTTL
	}
	if r.now().Sub(entry.fetchedAt) > ttl {
		delete(r.cache, origin)
		return robotsEntry{}, false
	}
	return entry, true
}

func (r *RobotsChecker) store(origin string, entry robotsEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[origin] = entry
}

func (r *RobotsChecker) fetch(ctx context.Context, origin string) robotsEntry {
	entry := robotsEntry{fetchedAt: r.now()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		entry.unknown = err.Error()
		return entry
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		entry.unknown = fmt.Sprintf("robots.txt unreachable: %v", err)
		return entry
	}
	defer resp.Body.Close()
	// A failing origin is indistinguishable from a transient outage.
	if resp.StatusCode >= http.StatusInternalServerError {
		entry.unknown = fmt.Sprintf("robots.txt returned %d", resp.StatusCode)
		return entry
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		entry.unknown = fmt.Sprintf("read robots.txt: %v", err)
		return entry
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		entry.unknown = fmt.Sprintf("parse robots.txt: %v", err)
		return entry
	}
	entry.data = data
	return entry
}
