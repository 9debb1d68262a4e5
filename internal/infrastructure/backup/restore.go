package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/pkg/backup"

	"go.uber.org/zap"
)

type RestoreOptions struct {
	// OverwriteExisting replaces the mutable fields of documents that already exist.
	// Otherwise they are left alone.
	OverwriteExisting bool
}

type RestoreReport struct {
	Backup           string   `json:"backup"`
	StreamsCreated   int      `json:"streams_created"`
	StreamsReplaced  int      `json:"streams_replaced"`
	StreamsSkipped   int      `json:"streams_skipped"`
	UsersCreated     int      `json:"users_created"`
	UsersReplaced    int      `json:"users_replaced"`
	UsersSkipped     int      `json:"users_skipped"`
	Failed           []string `json:"failed,omitempty"`
	ReconcileAdvised bool     `json:"reconcile_advised"`
}

type Restorer struct {
	backups *backup.Service
	users   ports.UserRepository
	streams ports.StreamRepository
	logger  *zap.SugaredLogger
}

func NewRestorer(
	backups *backup.Service,
	users ports.UserRepository,
	streams ports.StreamRepository,
	logger *zap.SugaredLogger,
) *Restorer {
	return &Restorer{backups: backups, users: users, streams: streams, logger: logger}
}

// Restore writes the documents of the named snapshot back into the store. A document
// that fails is recorded and the rest still run.
func (r *Restorer) Restore(ctx context.Context, name string, opts RestoreOptions) (*RestoreReport, error) {
	var snap Snapshot
	if err := r.backups.Load(ctx, name, &snap); err != nil {
		return nil, err
	}
	if snap.Format != snapshotFormat {
		return nil, fmt.Errorf("backup %s has format %d, want %d: %w", name, snap.Format, snapshotFormat, domain.ErrMalformedDocument)
	}

	r.logger.Infow("starting restore",
		"backup_name", name,
		"taken_at", snap.TakenAt,
		"users", len(snap.Users),
		"streams", len(snap.Streams),
		"overwrite", opts.OverwriteExisting,
	)

	report := &RestoreReport{Backup: name}
	for _, st := range snap.Streams {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome, err := r.restoreStream(ctx, st, opts)
		if err != nil {
			report.Failed = append(report.Failed, fmt.Sprintf("stream %s: %v", st.ID, err))
			continue
		}
		count(outcome, &report.StreamsCreated, &report.StreamsReplaced, &report.StreamsSkipped)
	}
	for _, u := range snap.Users {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome, err := r.restoreUser(ctx, u, opts)
		if err != nil {
			report.Failed = append(report.Failed, fmt.Sprintf("user %s: %v", u.ID, err))
			continue
		}
		count(outcome, &report.UsersCreated, &report.UsersReplaced, &report.UsersSkipped)
	}
	// Skipped or failed documents can leave edges one-sided.
	report.ReconcileAdvised = len(report.Failed) > 0 || report.StreamsSkipped > 0 || report.UsersSkipped > 0

	r.logger.Infow("restore finished",
		"backup_name", name,
		"streams_created", report.StreamsCreated,
		"users_created", report.UsersCreated,
		"failed", len(report.Failed),
	)
	return report, nil
}

// RestoreLatestBefore restores the newest snapshot taken at or before t.
func (r *Restorer) RestoreLatestBefore(ctx context.Context, t time.Time, opts RestoreOptions) (*RestoreReport, error) {
	entries, err := r.backups.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].TakenAt.After(t) {
			return r.Restore(ctx, entries[i].Name, opts)
		}
	}
	return nil, fmt.Errorf("no backup at or before %s: %w", t.Format(time.RFC3339), domain.ErrNotFound)
}

type outcome int

const (
	created outcome = iota
	replaced
	skipped
)

func count(o outcome, createdN, replacedN, skippedN *int) {
	switch o {
	case created:
		*createdN++
	case replaced:
		*replacedN++
	case skipped:
		*skippedN++
	}
}

func (r *Restorer) restoreStream(ctx context.Context, st *domain.Stream, opts RestoreOptions) (outcome, error) {
	err := r.streams.Create(ctx, st.Clone())
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return 0, err
	}
	if !opts.OverwriteExisting {
		return skipped, nil
	}

	_, err = r.streams.Modify(ctx, st.ID, func(cur *domain.Stream) bool {
		cur.Title = st.Title
		cur.Description = st.Description
		cur.IsActive = st.IsActive
		cur.AssignedSubscribers = append([]domain.UserID(nil), st.AssignedSubscribers...)
		return true
	})
	if err != nil {
		return 0, err
	}
	return replaced, nil
}

func (r *Restorer) restoreUser(ctx context.Context, u *domain.User, opts RestoreOptions) (outcome, error) {
	err := r.users.Create(ctx, u.Clone())
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return 0, err
	}
	if !opts.OverwriteExisting {
		return skipped, nil
	}

	_, err = r.users.Modify(ctx, u.ID, func(cur *domain.User) bool {
		cur.Email = u.Email
		cur.PasswordHash = u.PasswordHash
		cur.AssignedStreams = append([]domain.StreamID(nil), u.AssignedStreams...)
		return true
	})
	if err != nil {
		return 0, err
	}
	return replaced, nil
}
