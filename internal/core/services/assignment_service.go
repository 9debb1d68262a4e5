package services

import (
	"context"
	"errors"
	"fmt"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/pkg/retry"
	"airwave/pkg/tracing"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const reconcileLockKey = "reconcile"

type assignmentService struct {
	streams     ports.StreamRepository
	users       ports.UserRepository
	locker      ports.Locker
	metrics     ports.Metrics
	logger      *zap.SugaredLogger
	maxParallel int
	writeRetry  retry.Config
}

// NewAssignmentService builds the synchronizer that keeps Stream.AssignedSubscribers and
// User.AssignedStreams mirrored. maxParallel bounds concurrent per-document writes and
// writeRetries is how many times a failed per-document write is attempted again.
func NewAssignmentService(
	streams ports.StreamRepository,
	users ports.UserRepository,
	locker ports.Locker,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
	maxParallel int,
	writeRetries int,
) ports.AssignmentService {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	writeRetry := retry.DefaultConfig()
	writeRetry.Enabled = writeRetries > 0
	writeRetry.MaxAttempts = writeRetries
	writeRetry.NonRetryableErrors = []error{domain.ErrNotFound, domain.ErrInvalidInput, domain.ErrMalformedDocument}
	return &assignmentService{
		streams:     streams,
		users:       users,
		locker:      locker,
		metrics:     metrics,
		logger:      logger,
		maxParallel: maxParallel,
		writeRetry:  writeRetry,
	}
}

func (s *assignmentService) SetStreamAssignments(ctx context.Context, streamID domain.StreamID, subscriberIDs []domain.UserID) (*domain.SyncReport, error) {
	ctx, span := tracing.TraceAssignment(ctx, "set_assignments", string(streamID))
	defer span.End()

	target := domain.UniqueIDs(subscriberIDs)
	var previous []domain.UserID

	written, err := s.streams.Modify(ctx, streamID, func(st *domain.Stream) bool {
		previous = st.AssignedSubscribers
		if domain.SameIDSet(previous, target) {
			return false
		}
		st.AssignedSubscribers = target
		return true
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	report := &domain.SyncReport{
		StreamID:       streamID,
		Added:          []domain.UserID{},
		Removed:        []domain.UserID{},
		PrimaryWritten: written,
	}
	if !written {
		return report, nil
	}
	report.Added = domain.Difference(target, previous)
	report.Removed = domain.Difference(previous, target)

	items := make([]domain.ItemResult, 0, len(report.Added)+len(report.Removed))
	for _, id := range report.Removed {
		items = append(items, domain.ItemResult{UserID: id, StreamID: streamID, Op: domain.OpRemove})
	}
	for _, id := range report.Added {
		items = append(items, domain.ItemResult{UserID: id, StreamID: streamID, Op: domain.OpAdd})
	}

	report.Results = s.fanOut(ctx, items, func(ctx context.Context, item domain.ItemResult) (bool, error) {
		return s.writeUserEdge(ctx, item.UserID, item.StreamID, item.Op)
	})

	tracing.AddSpanAttributes(ctx, tracing.CountKey.Int(len(items)))
	if err := report.Err(); err != nil {
		tracing.RecordError(ctx, err)
	}

	s.logger.Infow("stream assignments updated",
		"stream_id", streamID,
		"added", len(report.Added),
		"removed", len(report.Removed),
		"failed", len(report.Failed()),
	)
	return report, nil
}

func (s *assignmentService) AssignAll(ctx context.Context, streamID domain.StreamID) (*domain.SyncReport, error) {
	subscribers, err := s.users.List(ctx, domain.UserFilter{Role: domain.RoleSubscriber})
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}

	ids := make([]domain.UserID, len(subscribers))
	for i, u := range subscribers {
		ids[i] = u.ID
	}
	return s.SetStreamAssignments(ctx, streamID, ids)
}

func (s *assignmentService) UnassignAll(ctx context.Context, streamID domain.StreamID) (*domain.SyncReport, error) {
	return s.SetStreamAssignments(ctx, streamID, nil)
}

// Reconcile adds every stream to the users it lists. It never removes anything.
func (s *assignmentService) Reconcile(ctx context.Context) (*domain.ReconcileReport, error) {
	ctx, span := tracing.TraceAssignment(ctx, "reconcile", "")
	defer span.End()

	unlock, acquired, err := s.locker.TryLock(ctx, reconcileLockKey)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire reconcile lock: %w", err)
	}
	if !acquired {
		return nil, domain.ErrReconcileInProgress
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warnw("failed to release reconcile lock", "error", err)
		}
	}()

	streams, err := s.streams.List(ctx, domain.StreamFilter{})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}

	var items []domain.ItemResult
	for _, st := range streams {
		for _, uid := range st.AssignedSubscribers {
			items = append(items, domain.ItemResult{UserID: uid, StreamID: st.ID, Op: domain.OpAdd})
		}
	}

	results := s.fanOut(ctx, items, func(ctx context.Context, item domain.ItemResult) (bool, error) {
		return s.writeUserEdge(ctx, item.UserID, item.StreamID, domain.OpAdd)
	})

	report := &domain.ReconcileReport{StreamsScanned: len(streams), Failed: []domain.ItemResult{}}
	for _, r := range results {
		switch {
		case r.Err != nil:
			report.Failed = append(report.Failed, r)
		case r.Written:
			report.UpdatedCount++
		}
	}
	s.metrics.ReconcileUpdates(report.UpdatedCount)

	s.logger.Infow("reconcile completed",
		"streams", report.StreamsScanned,
		"updated", report.UpdatedCount,
		"failed", len(report.Failed),
	)
	return report, nil
}

// Audit compares both sides of every edge without writing.
func (s *assignmentService) Audit(ctx context.Context) (*domain.AuditReport, error) {
	streams, err := s.streams.List(ctx, domain.StreamFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	users, err := s.users.List(ctx, domain.UserFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	streamByID := make(map[domain.StreamID]*domain.Stream, len(streams))
	for _, st := range streams {
		streamByID[st.ID] = st
	}
	userByID := make(map[domain.UserID]*domain.User, len(users))
	for _, u := range users {
		userByID[u.ID] = u
	}

	report := &domain.AuditReport{
		MissingOnUser:    []domain.Edge{},
		StaleOnUser:      []domain.Edge{},
		DanglingOnStream: []domain.Edge{},
	}
	for _, st := range streams {
		for _, uid := range st.AssignedSubscribers {
			edge := domain.Edge{UserID: uid, StreamID: st.ID}
			u, ok := userByID[uid]
			switch {
			case !ok:
				report.DanglingOnStream = append(report.DanglingOnStream, edge)
			case !u.HasStream(st.ID):
				report.MissingOnUser = append(report.MissingOnUser, edge)
			}
		}
	}
	for _, u := range users {
		for _, sid := range u.AssignedStreams {
			st, ok := streamByID[sid]
			if !ok || !st.HasSubscriber(u.ID) {
				report.StaleOnUser = append(report.StaleOnUser, domain.Edge{UserID: u.ID, StreamID: sid})
			}
		}
	}
	return report, nil
}

func (s *assignmentService) ToggleStreamActive(ctx context.Context, streamID domain.StreamID, active bool) (*domain.Stream, error) {
	stream, err := s.streams.Update(ctx, streamID, domain.StreamUpdate{IsActive: &active})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("stream activity changed", "stream_id", streamID, "active", active)
	return stream, nil
}

// DeleteStream removes the stream, then strips its ID from every user that references it,
// whether or not the stream listed that user.
func (s *assignmentService) DeleteStream(ctx context.Context, streamID domain.StreamID) (*domain.SyncReport, error) {
	ctx, span := tracing.TraceAssignment(ctx, "delete_stream", string(streamID))
	defer span.End()

	stream, err := s.streams.GetByID(ctx, streamID)
	if err != nil {
		return nil, err
	}
	users, err := s.users.List(ctx, domain.UserFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	if err := s.streams.Delete(ctx, streamID); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	referencing := append([]domain.UserID(nil), stream.AssignedSubscribers...)
	for _, u := range users {
		if u.HasStream(streamID) {
			referencing = append(referencing, u.ID)
		}
	}
	referencing = domain.UniqueIDs(referencing)

	items := make([]domain.ItemResult, len(referencing))
	for i, id := range referencing {
		items[i] = domain.ItemResult{UserID: id, StreamID: streamID, Op: domain.OpRemove}
	}

	report := &domain.SyncReport{
		StreamID:       streamID,
		Added:          []domain.UserID{},
		Removed:        referencing,
		PrimaryWritten: true,
	}
	report.Results = s.fanOut(ctx, items, func(ctx context.Context, item domain.ItemResult) (bool, error) {
		return ignoreNotFound(s.writeUserEdge(ctx, item.UserID, item.StreamID, domain.OpRemove))
	})

	s.logger.Infow("stream deleted",
		"stream_id", streamID,
		"subscribers", len(referencing),
		"failed", len(report.Failed()),
	)
	return report, nil
}

// DeleteUser removes the user, then strips its ID from every stream that lists it.
func (s *assignmentService) DeleteUser(ctx context.Context, userID domain.UserID) (*domain.SyncReport, error) {
	ctx, span := tracing.TraceAssignment(ctx, "delete_user", "")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.UserIDKey.String(string(userID)))

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	streams, err := s.streams.List(ctx, domain.StreamFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	if err := s.users.Delete(ctx, userID); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	referencing := append([]domain.StreamID(nil), user.AssignedStreams...)
	for _, st := range streams {
		if st.HasSubscriber(userID) {
			referencing = append(referencing, st.ID)
		}
	}
	referencing = domain.UniqueIDs(referencing)

	items := make([]domain.ItemResult, len(referencing))
	for i, id := range referencing {
		items[i] = domain.ItemResult{UserID: userID, StreamID: id, Op: domain.OpRemove}
	}

	report := &domain.SyncReport{
		UserID:         userID,
		Added:          []domain.UserID{},
		Removed:        []domain.UserID{},
		PrimaryWritten: true,
	}
	report.Results = s.fanOut(ctx, items, func(ctx context.Context, item domain.ItemResult) (bool, error) {
		return ignoreNotFound(s.streams.Modify(ctx, item.StreamID, func(st *domain.Stream) bool {
			next, changed := domain.WithoutID(st.AssignedSubscribers, item.UserID)
			st.AssignedSubscribers = next
			return changed
		}))
	})

	s.logger.Infow("user deleted",
		"user_id", userID,
		"streams", len(referencing),
		"failed", len(report.Failed()),
	)
	return report, nil
}

// writeUserEdge adds or removes streamID on the user's side. It reports whether a write
// happened; an already-consistent user is left untouched.
func (s *assignmentService) writeUserEdge(ctx context.Context, userID domain.UserID, streamID domain.StreamID, op domain.AssignmentOp) (bool, error) {
	return s.users.Modify(ctx, userID, func(u *domain.User) bool {
		var changed bool
		switch op {
		case domain.OpAdd:
			u.AssignedStreams, changed = domain.WithID(u.AssignedStreams, streamID)
		case domain.OpRemove:
			u.AssignedStreams, changed = domain.WithoutID(u.AssignedStreams, streamID)
		}
		return changed
	})
}

// fanOut runs write for every item with bounded parallelism and waits for all of them.
// A failed item never cancels the others.
func (s *assignmentService) fanOut(
	ctx context.Context,
	items []domain.ItemResult,
	write func(context.Context, domain.ItemResult) (bool, error),
) []domain.ItemResult {
	results := make([]domain.ItemResult, len(items))

	var g errgroup.Group
	g.SetLimit(s.maxParallel)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			written, err := retry.RetryWithResult(ctx, s.writeRetry, func() (bool, error) {
				return write(ctx, item)
			})
			item.Written = written
			if err != nil {
				item.Err = err
				item.Error = err.Error()
				s.logger.Warnw("assignment write failed",
					"user_id", item.UserID,
					"stream_id", item.StreamID,
					"op", item.Op,
					"error", err,
				)
			}
			results[i] = item
			return nil
		})
	}
	_ = g.Wait()

	writes := make(map[domain.AssignmentOp]int)
	failures := make(map[domain.AssignmentOp]int)
	for _, r := range results {
		if r.Err != nil {
			failures[r.Op]++
		} else if r.Written {
			writes[r.Op]++
		}
	}
	for op, n := range writes {
		s.metrics.AssignmentWrites(op, n)
	}
	for op, n := range failures {
		s.metrics.AssignmentFailures(op, n)
	}
	return results
}

func ignoreNotFound(written bool, err error) (bool, error) {
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return written, err
}
