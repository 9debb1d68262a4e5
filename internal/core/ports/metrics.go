package ports

import "airwave/internal/core/domain"

// Metrics is the subset of instrumentation the core services report to.
type Metrics interface {
	AssignmentWrites(op domain.AssignmentOp, n int)
	AssignmentFailures(op domain.AssignmentOp, n int)
	ReconcileUpdates(n int)
	FeedWatchers(delta int)
	SessionOpened(role domain.SessionRole)
	SessionClosed(role domain.SessionRole)
	CredentialMinted(role domain.MediaRole, ok bool)
}
