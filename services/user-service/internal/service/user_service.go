package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/userevents/libs/db"
	"github.com/md-rashed-zaman/userevents/libs/tracectx"
	"github.com/md-rashed-zaman/userevents/services/user-service/internal/events"
	"github.com/md-rashed-zaman/userevents/services/user-service/internal/model"
	"github.com/md-rashed-zaman/userevents/services/user-service/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNotFound     = errors.New("user not found")
	ErrInvalidPage  = errors.New("invalid page")
	ErrInvalidInput = errors.New("invalid input")
)

// EventPublisher is the outbound side of the event pipeline. Implementations
// may drop events when the broker is unavailable.
type EventPublisher interface {
	Publish(ctx context.Context, kind events.Kind, userID int64, traceID string, data map[string]any) error
}

// UserService owns the write path: every mutation commits its transaction
// before the matching event is handed to the publisher, and a failed
// mutation publishes nothing.
type UserService struct {
	db        db.TxBeginner
	repo      *storage.UserRepository
	publisher EventPublisher
	passwords PasswordEncoder
	logger    *slog.Logger

	queryTimeout time.Duration
}

func NewUserService(pool db.TxBeginner, repo *storage.UserRepository, publisher EventPublisher, passwords PasswordEncoder, logger *slog.Logger) *UserService {
	if passwords == nil {
		passwords = PlainPasswords{}
	}
	return &UserService{
		db:        pool,
		repo:      repo,
		publisher: publisher,
		passwords: passwords,
		logger:    logger,
	}
}

// WithQueryTimeout bounds each use case's store work, from Begin through
// Commit, by d. Publishing is not covered. Zero leaves only the caller's
// deadline in effect.
func (s *UserService) WithQueryTimeout(d time.Duration) *UserService {
	s.queryTimeout = d
	return s
}

func (s *UserService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

func (s *UserService) Create(ctx context.Context, in model.CreateUser) (u model.User, err error) {
	ctx, span := startSpan(ctx, "user.create")
	defer func() { endSpan(span, u.ID, err) }()

	in.Name = strings.TrimSpace(in.Name)
	in.Surname = strings.TrimSpace(in.Surname)
	if in.Name == "" || in.Surname == "" || in.Password == "" {
		return model.User{}, fmt.Errorf("%w: name, surname and password are required", ErrInvalidInput)
	}
	password, err := s.passwords.Encode(in.Password)
	if err != nil {
		return model.User{}, err
	}

	dbCtx, cancel := s.storeContext(ctx)
	defer cancel()
	tx, err := s.db.Begin(dbCtx)
	if err != nil {
		return model.User{}, fmt.Errorf("begin: %w", err)
	}
	defer db.Rollback(dbCtx, tx)

	u, err = s.repo.Insert(dbCtx, tx, model.User{Name: in.Name, Surname: in.Surname, Password: password})
	if err != nil {
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := tx.Commit(dbCtx); err != nil {
		return model.User{}, fmt.Errorf("commit: %w", err)
	}
	s.logger.InfoContext(ctx, "user created", "user_id", u.ID)

	s.publish(ctx, events.UserCreated, u.ID, profile(u))
	return u, nil
}

func (s *UserService) Update(ctx context.Context, id int64, in model.UpdateUser) (u model.User, err error) {
	ctx, span := startSpan(ctx, "user.update")
	span.SetAttributes(attribute.Int64("user.id", id))
	defer func() { endSpan(span, id, err) }()

	if err := validateUpdate(&in); err != nil {
		return model.User{}, err
	}

	dbCtx, cancel := s.storeContext(ctx)
	defer cancel()
	tx, err := s.db.Begin(dbCtx)
	if err != nil {
		return model.User{}, fmt.Errorf("begin: %w", err)
	}
	defer db.Rollback(dbCtx, tx)

	u, ok, err := s.repo.FindByIDForUpdate(dbCtx, tx, id)
	if err != nil {
		return model.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		s.logger.WarnContext(ctx, "user not found for update", "user_id", id)
		return model.User{}, ErrNotFound
	}

	if in.Name != nil {
		u.Name = *in.Name
	}
	if in.Surname != nil {
		u.Surname = *in.Surname
	}
	if in.Password != nil {
		if u.Password, err = s.passwords.Encode(*in.Password); err != nil {
			return model.User{}, err
		}
	}

	u, err = s.repo.Update(dbCtx, tx, u)
	if errors.Is(err, storage.ErrNotFound) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("update user: %w", err)
	}
	if err := tx.Commit(dbCtx); err != nil {
		return model.User{}, fmt.Errorf("commit: %w", err)
	}
	s.logger.InfoContext(ctx, "user updated", "user_id", id)

	s.publish(ctx, events.UserUpdated, u.ID, profile(u))
	return u, nil
}

func (s *UserService) Delete(ctx context.Context, id int64) (err error) {
	ctx, span := startSpan(ctx, "user.delete")
	span.SetAttributes(attribute.Int64("user.id", id))
	defer func() { endSpan(span, id, err) }()

	dbCtx, cancel := s.storeContext(ctx)
	defer cancel()
	tx, err := s.db.Begin(dbCtx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer db.Rollback(dbCtx, tx)

	u, ok, err := s.repo.FindByIDForUpdate(dbCtx, tx, id)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if !ok {
		s.logger.WarnContext(ctx, "user not found for deletion", "user_id", id)
		return ErrNotFound
	}

	err = s.repo.Delete(dbCtx, tx, u)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if err := tx.Commit(dbCtx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.InfoContext(ctx, "user deleted", "user_id", id)

	s.publish(ctx, events.UserDeleted, id, nil)
	return nil
}

func (s *UserService) Get(ctx context.Context, id int64) (u model.User, err error) {
	ctx, span := startSpan(ctx, "user.get")
	span.SetAttributes(attribute.Int64("user.id", id))
	defer func() { endSpan(span, id, err) }()

	dbCtx, cancel := s.storeContext(ctx)
	defer cancel()
	u, ok, err := s.repo.FindByID(dbCtx, s.db, id)
	if err != nil {
		return model.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		s.logger.WarnContext(ctx, "user not found", "user_id", id)
		return model.User{}, ErrNotFound
	}
	s.logger.InfoContext(ctx, "user retrieved", "user_id", id)
	return u, nil
}

func (s *UserService) List(ctx context.Context, page model.Page) (users []model.User, err error) {
	ctx, span := startSpan(ctx, "user.list")
	span.SetAttributes(attribute.Int("page.limit", page.Limit), attribute.Int("page.offset", page.Offset))
	defer func() { endSpan(span, 0, err) }()

	if page.Limit < 1 || page.Limit > model.MaxPageLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidPage, model.MaxPageLimit)
	}
	if page.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", ErrInvalidPage)
	}

	dbCtx, cancel := s.storeContext(ctx)
	defer cancel()
	users, err = s.repo.List(dbCtx, s.db, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	s.logger.InfoContext(ctx, "users listed", "count", len(users))
	return users, nil
}

// publish runs after commit; its failure is logged and never reaches the caller.
func (s *UserService) publish(ctx context.Context, kind events.Kind, userID int64, data map[string]any) {
	traceID := tracectx.OrUnknown(ctx)
	if err := s.publisher.Publish(ctx, kind, userID, traceID, data); err != nil {
		s.logger.ErrorContext(ctx, "event publish failed", "event_type", kind.RoutingKey(), "user_id", userID, "err", err)
	}
}

func validateUpdate(in *model.UpdateUser) error {
	for field, v := range map[string]*string{"name": in.Name, "surname": in.Surname} {
		if v == nil {
			continue
		}
		*v = strings.TrimSpace(*v)
		if *v == "" {
			return fmt.Errorf("%w: %s must not be blank", ErrInvalidInput, field)
		}
	}
	if in.Password != nil && *in.Password == "" {
		return fmt.Errorf("%w: password must not be blank", ErrInvalidInput)
	}
	return nil
}

func profile(u model.User) map[string]any {
	return map[string]any{"name": u.Name, "surname": u.Surname}
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("user-service").Start(ctx, name)
	if id, ok := tracectx.FromContext(ctx); ok {
		span.SetAttributes(attribute.String("app.trace_id", id))
	}
	return ctx, span
}

func endSpan(span trace.Span, userID int64, err error) {
	if userID != 0 {
		span.SetAttributes(attribute.Int64("user.id", userID))
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
