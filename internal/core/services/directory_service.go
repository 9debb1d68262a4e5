package services

import (
	"context"
	"fmt"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/pkg/utils"
	"airwave/pkg/validation"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type directoryService struct {
	streams    ports.StreamRepository
	users      ports.UserRepository
	logger     *zap.SugaredLogger
	bcryptCost int
}

func NewDirectoryService(
	streams ports.StreamRepository,
	users ports.UserRepository,
	logger *zap.SugaredLogger,
	bcryptCost int,
) ports.DirectoryService {
	return &directoryService{
		streams:    streams,
		users:      users,
		logger:     logger,
		bcryptCost: bcryptCost,
	}
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
}

func (s *directoryService) CreateStream(ctx context.Context, creator domain.CurrentUser, title, description string) (*domain.Stream, error) {
	if !creator.IsAdmin() {
		return nil, domain.ErrAccessDenied
	}
	title = utils.SanitizeString(title)
	description = utils.SanitizeString(description)
	if err := validation.ValidateStreamTitle(title); err != nil {
		return nil, invalid(err)
	}
	if err := validation.ValidateDescription(description); err != nil {
		return nil, invalid(err)
	}

	id := utils.NewDocumentID()
	stream := &domain.Stream{
		ID:                  domain.StreamID(id),
		Title:               title,
		Description:         description,
		ChannelName:         utils.ChannelName(id),
		IsActive:            false,
		CreatedBy:           creator.ID,
		AssignedSubscribers: []domain.UserID{},
		CreatedAt:           time.Now().UTC(),
	}

	if err := s.streams.Create(ctx, stream); err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	s.logger.Infow("stream created", "stream_id", stream.ID, "created_by", creator.ID)
	return stream, nil
}

func (s *directoryService) UpdateStream(ctx context.Context, id domain.StreamID, title, description *string) (*domain.Stream, error) {
	var patch domain.StreamUpdate
	if title != nil {
		t := utils.SanitizeString(*title)
		if err := validation.ValidateStreamTitle(t); err != nil {
			return nil, invalid(err)
		}
		patch.Title = &t
	}
	if description != nil {
		d := utils.SanitizeString(*description)
		if err := validation.ValidateDescription(d); err != nil {
			return nil, invalid(err)
		}
		patch.Description = &d
	}
	return s.streams.Update(ctx, id, patch)
}

func (s *directoryService) GetStream(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	return s.streams.GetByID(ctx, id)
}

func (s *directoryService) ListStreams(ctx context.Context, filter domain.StreamFilter) ([]*domain.Stream, error) {
	return s.streams.List(ctx, filter)
}

func (s *directoryService) CreateSubscriber(ctx context.Context, email, password string) (*domain.User, error) {
	return s.createUser(ctx, email, password, domain.RoleSubscriber)
}

func (s *directoryService) CreateAdmin(ctx context.Context, email, password string) (*domain.User, error) {
	return s.createUser(ctx, email, password, domain.RoleAdmin)
}

func (s *directoryService) createUser(ctx context.Context, email, password string, role domain.Role) (*domain.User, error) {
	email = utils.NormalizeEmail(email)
	if err := validation.ValidateEmail(email); err != nil {
		return nil, invalid(err)
	}
	if err := validation.ValidatePassword(password); err != nil {
		return nil, invalid(err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &domain.User{
		ID:              domain.UserID(utils.NewDocumentID()),
		Email:           email,
		Role:            role,
		CreatedAt:       time.Now().UTC(),
		AssignedStreams: []domain.StreamID{},
		PasswordHash:    string(hash),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Infow("user created",
		"user_id", user.ID,
		"email", utils.MaskSensitive(user.Email, 3),
		"role", role,
	)
	return user, nil
}

func (s *directoryService) UpdateSubscriberEmail(ctx context.Context, id domain.UserID, email string) (*domain.User, error) {
	email = utils.NormalizeEmail(email)
	if err := validation.ValidateEmail(email); err != nil {
		return nil, invalid(err)
	}

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if user.Role != domain.RoleSubscriber {
		return nil, fmt.Errorf("%w: user %s is not a subscriber", domain.ErrInvalidInput, id)
	}
	return s.users.Update(ctx, id, domain.UserUpdate{Email: &email})
}

func (s *directoryService) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	return s.users.GetByID(ctx, id)
}

func (s *directoryService) ListSubscribers(ctx context.Context) ([]*domain.User, error) {
	return s.users.List(ctx, domain.UserFilter{Role: domain.RoleSubscriber})
}
