package reconcile

import (
	"net"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

// IdentityKey derives the grouping key for a locator. Two observations
// with the same key refer to the same physical asset. Normalization:
// credentials stripped from connection strings, hosts lowercased with
// loopback aliases folded, file paths cleaned.
func IdentityKey(locator string) string {
	locator = strings.TrimSpace(locator)

	if strings.Contains(locator, "://") {
		if key, ok := keyFromURL(locator); ok {
			return key
		}
	}
	if key, ok := keyFromKVConn(locator); ok {
		return key
	}
	if host, port, err := net.SplitHostPort(locator); err == nil && !strings.ContainsRune(locator, '/') {
		return "tcp://" + normalizeHost(host) + ":" + port
	}
	if strings.HasPrefix(locator, "/") || strings.HasPrefix(locator, ".") {
		abs := filepath.Clean(locator)
		return "file://" + abs
	}
	return locator
}

func keyFromURL(locator string) (string, bool) {
	u, err := url.Parse(locator)
	if err != nil || u.Host == "" {
		// container:// and friends have an opaque host part.
		if err == nil && u.Scheme != "" && u.Opaque == "" && u.Host == "" && u.Path != "" {
			return u.Scheme + "://" + filepath.Clean(u.Path), true
		}
		return "", false
	}

	if u.Scheme == "container" {
		return "container://" + u.Host, true
	}

	host := normalizeHost(u.Hostname())
	port := u.Port()
	if port == "" {
		port = defaultPortFor(u.Scheme)
	}
	return "tcp://" + host + ":" + port, true
}

var kvHostRe = regexp.MustCompile(`\bhost=(\S+)`)
var kvPortRe = regexp.MustCompile(`\bport=(\S+)`)

// keyFromKVConn handles "host=... port=... dbname=..." connection strings.
func keyFromKVConn(locator string) (string, bool) {
	hostMatch := kvHostRe.FindStringSubmatch(locator)
	if hostMatch == nil {
		return "", false
	}
	port := "5432"
	if portMatch := kvPortRe.FindStringSubmatch(locator); portMatch != nil {
		port = portMatch[1]
	}
	return "tcp://" + normalizeHost(hostMatch[1]) + ":" + port, true
}

func normalizeHost(host string) string {
	host = strings.ToLower(host)
	switch host {
	case "localhost", "::1", "":
		return "127.0.0.1"
	}
	return host
}

func defaultPortFor(scheme string) string {
	switch scheme {
	case "postgres", "postgresql":
		return "5432"
	case "mysql":
		return "3306"
	case "redis":
		return "6379"
	case "mongodb":
		return "27017"
	case "duckdb":
		return "0"
	}
	return "0"
}

// unionFind tracks locator equivalence classes built only from explicit
// cross-method links. Path-halving keeps it near constant time.
type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) find(key string) string {
	if _, ok := u.parent[key]; !ok {
		u.parent[key] = key
	}
	for u.parent[key] != key {
		u.parent[key] = u.parent[u.parent[key]]
		key = u.parent[key]
	}
	return key
}

// union merges two classes, keeping the lexicographically smaller root so
// grouping is deterministic regardless of link order.
func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}
