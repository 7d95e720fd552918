// Package failover implements the CDN failover manager: per-server
// failure-weight tracking, an exponential decay score, and weighted-random
// selection across surviving servers with no permanent exclusion
// (spec.md §4.15).
//
// Grounded on the teacher's compactindexsized cumulative-weight iteration
// idiom (binary search over a running sum, generalized here from "find a
// sorted index" to "pick a weighted random server"), using
// cespare/xxhash/v2 for the per-server key the teacher's compactindexsized
// package already depends on.
package failover

import (
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	logging "github.com/ipfs/go-log/v2"

	"github.com/wowemulation-dev/ngdp-go/internal/ngdperr"
)

var log = logging.Logger("failover")

// decayBase is the per-unit-weight score decay: score = decayBase ^
// total_failure_weight.
const decayBase = 0.9

// Server is one CDN endpoint under failover management.
type Server struct {
	Host string
	Path string

	// Parsed URL parameters retained from the server URL's query string
	// (?maxhosts=N&fallback=1&strict=1).
	MaxHosts int
	Fallback bool
	Strict   bool
}

// ParseServer parses a CDN server URL, stripping a trailing slash from
// its path and retaining its maxhosts/fallback/strict query parameters.
func ParseServer(raw string) (Server, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Server{}, fmt.Errorf("failover: parsing server url: %w", err)
	}
	q := u.Query()

	s := Server{
		Host: u.Host,
		Path: strings.TrimSuffix(u.Path, "/"),
	}
	if v := q.Get("maxhosts"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			s.MaxHosts = n
		}
	}
	s.Fallback = q.Get("fallback") == "1"
	s.Strict = q.Get("strict") == "1"
	return s, nil
}

// Key returns a stable hash identifying this server, used as the map key
// in Manager.
func (s Server) Key() uint64 {
	h := xxhash.New()
	_, _ = h.Write([]byte(s.Host))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(s.Path))
	return h.Sum64()
}

// weightIncrement returns how much total_failure_weight increases for a
// given HTTP status code, per spec.md §4.15.
func weightIncrement(status int) float64 {
	switch status {
	case 500, 502, 503, 504:
		return 5.0
	case 401, 416:
		return 2.5
	case 429:
		return 0.0
	}
	switch {
	case status >= 500 && status < 600:
		return 1.0
	case status >= 100 && status < 500:
		return 0.5
	default:
		return 0.5
	}
}

// Manager tracks total_failure_weight per server and selects among
// surviving servers by weighted random choice. There is no permanent
// exclusion: every server remains eligible, just with a lower score.
type Manager struct {
	mu      sync.Mutex
	servers []Server
	weight  map[uint64]float64
	rng     *rand.Rand
}

// NewManager returns a Manager over the given servers, all starting at
// zero failure weight (score 1.0).
func NewManager(servers []Server) *Manager {
	return &Manager{
		servers: append([]Server(nil), servers...),
		weight:  make(map[uint64]float64, len(servers)),
		rng:     rand.New(rand.NewSource(1)),
	}
}

// WithRand overrides the Manager's random source, for deterministic
// tests.
func (m *Manager) WithRand(r *rand.Rand) *Manager {
	m.rng = r
	return m
}

// NoteResponse records an HTTP status code observed from server,
// incrementing its total_failure_weight by spec.md §4.15's schedule. A
// 429 response adds no weight but the caller is expected to separately
// honor any Retry-After value (ngdperr.RateLimited).
func (m *Manager) NoteResponse(s Server, status int) {
	inc := weightIncrement(status)
	if inc == 0 {
		return
	}
	m.mu.Lock()
	m.weight[s.Key()] += inc
	m.mu.Unlock()
	log.Debugw("failover: recorded response", "host", s.Host, "status", status, "increment", inc)
}

// Score returns a server's current score, 0.9^total_failure_weight.
func (m *Manager) Score(s Server) float64 {
	m.mu.Lock()
	w := m.weight[s.Key()]
	m.mu.Unlock()
	return math.Pow(decayBase, w)
}

// Select picks one server by cumulative-weight random selection over all
// servers' current scores. It returns ngdperr.ErrCdnExhausted if the
// Manager has no servers at all.
func (m *Manager) Select() (Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.servers) == 0 {
		return Server{}, ngdperr.ErrCdnExhausted
	}

	scores := make([]float64, len(m.servers))
	var total float64
	for i, s := range m.servers {
		scores[i] = math.Pow(decayBase, m.weight[s.Key()])
		total += scores[i]
	}

	pick := m.rng.Float64() * total
	var cum float64
	for i, sc := range scores {
		cum += sc
		if pick <= cum {
			return m.servers[i], nil
		}
	}
	return m.servers[len(m.servers)-1], nil
}

// Servers returns the manager's configured server list.
func (m *Manager) Servers() []Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Server(nil), m.servers...)
}
