package services

import (
	"sync"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
)

// MetricsService keeps in-process counters for the portal. It satisfies ports.Metrics on
// its own and is what the status endpoints and tests read from.
type MetricsService struct {
	mu sync.RWMutex

	assignmentWrites   map[domain.AssignmentOp]int
	assignmentFailures map[domain.AssignmentOp]int
	reconcileUpdates   int
	feedWatchers       int
	activeSessions     map[domain.SessionRole]int
	credentialsMinted  map[domain.MediaRole]int
	credentialFailures map[domain.MediaRole]int
}

// MetricsSnapshot is a copy of the counters at one point in time.
type MetricsSnapshot struct {
	AssignmentWrites   map[domain.AssignmentOp]int `json:"assignment_writes"`
	AssignmentFailures map[domain.AssignmentOp]int `json:"assignment_failures"`
	ReconcileUpdates   int                         `json:"reconcile_updates"`
	FeedWatchers       int                         `json:"feed_watchers"`
	ActiveSessions     map[domain.SessionRole]int  `json:"active_sessions"`
	CredentialsMinted  map[domain.MediaRole]int    `json:"credentials_minted"`
	CredentialFailures map[domain.MediaRole]int    `json:"credential_failures"`
}

func NewMetricsService() *MetricsService {
	return &MetricsService{
		assignmentWrites:   make(map[domain.AssignmentOp]int),
		assignmentFailures: make(map[domain.AssignmentOp]int),
		activeSessions:     make(map[domain.SessionRole]int),
		credentialsMinted:  make(map[domain.MediaRole]int),
		credentialFailures: make(map[domain.MediaRole]int),
	}
}

var _ ports.Metrics = (*MetricsService)(nil)

func (m *MetricsService) AssignmentWrites(op domain.AssignmentOp, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignmentWrites[op] += n
}

func (m *MetricsService) AssignmentFailures(op domain.AssignmentOp, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignmentFailures[op] += n
}

func (m *MetricsService) ReconcileUpdates(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileUpdates += n
}

func (m *MetricsService) FeedWatchers(delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedWatchers += delta
}

func (m *MetricsService) SessionOpened(role domain.SessionRole) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeSessions[role]++
}

func (m *MetricsService) SessionClosed(role domain.SessionRole) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeSessions[role] > 0 {
		m.activeSessions[role]--
	}
}

func (m *MetricsService) CredentialMinted(role domain.MediaRole, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.credentialsMinted[role]++
	} else {
		m.credentialFailures[role]++
	}
}

func (m *MetricsService) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		AssignmentWrites:   copyCounts(m.assignmentWrites),
		AssignmentFailures: copyCounts(m.assignmentFailures),
		ReconcileUpdates:   m.reconcileUpdates,
		FeedWatchers:       m.feedWatchers,
		ActiveSessions:     copyCounts(m.activeSessions),
		CredentialsMinted:  copyCounts(m.credentialsMinted),
		CredentialFailures: copyCounts(m.credentialFailures),
	}
}

func copyCounts[K comparable](src map[K]int) map[K]int {
	dst := make(map[K]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// MultiMetrics reports to several sinks, e.g. the in-process counters and Prometheus.
type MultiMetrics []ports.Metrics

func (mm MultiMetrics) AssignmentWrites(op domain.AssignmentOp, n int) {
	for _, m := range mm {
		m.AssignmentWrites(op, n)
	}
}

func (mm MultiMetrics) AssignmentFailures(op domain.AssignmentOp, n int) {
	for _, m := range mm {
		m.AssignmentFailures(op, n)
	}
}

func (mm MultiMetrics) ReconcileUpdates(n int) {
	for _, m := range mm {
		m.ReconcileUpdates(n)
	}
}

func (mm MultiMetrics) FeedWatchers(delta int) {
	for _, m := range mm {
		m.FeedWatchers(delta)
	}
}

func (mm MultiMetrics) SessionOpened(role domain.SessionRole) {
	for _, m := range mm {
		m.SessionOpened(role)
	}
}

func (mm MultiMetrics) SessionClosed(role domain.SessionRole) {
	for _, m := range mm {
		m.SessionClosed(role)
	}
}

func (mm MultiMetrics) CredentialMinted(role domain.MediaRole, ok bool) {
	for _, m := range mm {
		m.CredentialMinted(role, ok)
	}
}
