package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/userevents/libs/runtime"
	"github.com/md-rashed-zaman/userevents/libs/tracectx"
	"github.com/md-rashed-zaman/userevents/services/user-service/internal/events"
	"github.com/md-rashed-zaman/userevents/services/user-service/internal/model"
	"github.com/md-rashed-zaman/userevents/services/user-service/internal/storage"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/crypto/bcrypt"
)

var userCols = []string{"id", "name", "surname", "password", "created_at", "updated_at"}

type publishCall struct {
	kind        events.Kind
	userID      int64
	traceID     string
	data        map[string]any
	hasDeadline bool
}

type recordingPublisher struct {
	mu     sync.Mutex
	calls  []publishCall
	err    error
	onCall func()
}

func (p *recordingPublisher) Publish(ctx context.Context, kind events.Kind, userID int64, traceID string, data map[string]any) error {
	if p.onCall != nil {
		p.onCall()
	}
	_, hasDeadline := ctx.Deadline()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{kind: kind, userID: userID, traceID: traceID, data: data, hasDeadline: hasDeadline})
	return p.err
}

type fixture struct {
	mock pgxmock.PgxPoolIface
	pub  *recordingPublisher
	svc  *UserService
	logs *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	var logs bytes.Buffer
	pub := &recordingPublisher{}
	svc := NewUserService(mock, storage.NewUserRepository(), pub, nil, runtime.NewLoggerTo(&logs, "test", "debug"))
	return &fixture{mock: mock, pub: pub, svc: svc, logs: &logs}
}

func ptr(s string) *string { return &s }

func TestCreatePublishesAfterCommit(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("INSERT INTO users").
		WithArgs("Ada", "Lovelace", "secret").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(1), now, now))
	f.mock.ExpectCommit()

	var metAtPublish error = errors.New("publish not called")
	f.pub.onCall = func() { metAtPublish = f.mock.ExpectationsWereMet() }

	ctx := tracectx.With(context.Background(), "abc123")
	u, err := f.svc.Create(ctx, model.CreateUser{Name: " Ada ", Surname: "Lovelace", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ID)
	assert.Equal(t, "Ada", u.Name)
	require.NoError(t, metAtPublish, "commit must happen before publish")

	require.Len(t, f.pub.calls, 1)
	call := f.pub.calls[0]
	assert.Equal(t, events.UserCreated, call.kind)
	assert.Equal(t, int64(1), call.userID)
	assert.Equal(t, "abc123", call.traceID)
	assert.Equal(t, map[string]any{"name": "Ada", "surname": "Lovelace"}, call.data)
	assert.Contains(t, f.logs.String(), `"msg":"user created"`)
}

func TestCreateCommitFailurePublishesNothing(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(1), now, now))
	f.mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))
	f.mock.ExpectRollback()

	_, err := f.svc.Create(context.Background(), model.CreateUser{Name: "Ada", Surname: "Lovelace", Password: "secret"})
	require.Error(t, err)
	assert.Empty(t, f.pub.calls)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateInsertFailureRollsBack(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("INSERT INTO users").WillReturnError(errors.New("disk full"))
	f.mock.ExpectRollback()

	_, err := f.svc.Create(context.Background(), model.CreateUser{Name: "Ada", Surname: "Lovelace", Password: "secret"})
	require.Error(t, err)
	assert.Empty(t, f.pub.calls)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateRejectsBlankFields(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), model.CreateUser{Name: "  ", Surname: "L", Password: "p"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Create(context.Background(), model.CreateUser{Name: "A", Surname: "L"})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateWithoutTraceUsesUnknown(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(2), now, now))
	f.mock.ExpectCommit()

	_, err := f.svc.Create(context.Background(), model.CreateUser{Name: "A", Surname: "B", Password: "p"})
	require.NoError(t, err)
	require.Len(t, f.pub.calls, 1)
	assert.Equal(t, tracectx.Unknown, f.pub.calls[0].traceID)
}

func TestCreatePublishErrorIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("broker unreachable")
	now := time.Now().UTC()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(3), now, now))
	f.mock.ExpectCommit()

	u, err := f.svc.Create(context.Background(), model.CreateUser{Name: "A", Surname: "B", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), u.ID)
	assert.Contains(t, f.logs.String(), `"msg":"event publish failed"`)
	assert.Contains(t, f.logs.String(), `"level":"ERROR"`)
}

func TestUpdateAppliesPartialChange(t *testing.T) {
	f := newFixture(t)
	created := time.Now().UTC().Add(-time.Hour)
	updated := time.Now().UTC()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("FOR UPDATE").
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows(userCols).AddRow(int64(5), "Ada", "Lovelace", "old", created, created))
	f.mock.ExpectQuery("UPDATE users").
		WithArgs(int64(5), "Grace", "Lovelace", "old").
		WillReturnRows(pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(created, updated))
	f.mock.ExpectCommit()

	ctx := tracectx.With(context.Background(), "t-upd")
	u, err := f.svc.Update(ctx, 5, model.UpdateUser{Name: ptr("Grace")})
	require.NoError(t, err)
	assert.Equal(t, "Grace", u.Name)
	assert.Equal(t, updated, u.UpdatedAt)
	require.NoError(t, f.mock.ExpectationsWereMet())

	require.Len(t, f.pub.calls, 1)
	assert.Equal(t, events.UserUpdated, f.pub.calls[0].kind)
	assert.Equal(t, "t-upd", f.pub.calls[0].traceID)
	assert.Equal(t, map[string]any{"name": "Grace", "surname": "Lovelace"}, f.pub.calls[0].data)
}

func TestUpdateNotFoundPublishesNothing(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("FOR UPDATE").WithArgs(int64(99)).WillReturnRows(pgxmock.NewRows(userCols))
	f.mock.ExpectRollback()

	_, err := f.svc.Update(context.Background(), 99, model.UpdateUser{Name: ptr("X")})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, f.pub.calls)
	require.NoError(t, f.mock.ExpectationsWereMet())
	assert.Contains(t, f.logs.String(), `"msg":"user not found for update"`)
}

func TestUpdateRejectsExplicitBlank(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Update(context.Background(), 1, model.UpdateUser{Surname: ptr(" ")})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Update(context.Background(), 1, model.UpdateUser{Password: ptr("")})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeletePublishesWithoutData(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("FOR UPDATE").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows(userCols).AddRow(int64(7), "A", "B", "p", now, now))
	f.mock.ExpectExec("DELETE FROM users").WithArgs(int64(7)).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	f.mock.ExpectCommit()

	require.NoError(t, f.svc.Delete(context.Background(), 7))
	require.NoError(t, f.mock.ExpectationsWereMet())
	require.Len(t, f.pub.calls, 1)
	assert.Equal(t, events.UserDeleted, f.pub.calls[0].kind)
	assert.Nil(t, f.pub.calls[0].data)
}

func TestDeleteNotFoundPublishesNothing(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("FOR UPDATE").WithArgs(int64(8)).WillReturnRows(pgxmock.NewRows(userCols))
	f.mock.ExpectRollback()

	require.ErrorIs(t, f.svc.Delete(context.Background(), 8), ErrNotFound)
	assert.Empty(t, f.pub.calls)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGetAndListNeverPublish(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	f.mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows(userCols).AddRow(int64(1), "A", "B", "p", now, now))
	f.mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows(userCols))
	f.mock.ExpectQuery("ORDER BY id").
		WithArgs(100, 0).
		WillReturnRows(pgxmock.NewRows(userCols).AddRow(int64(1), "A", "B", "p", now, now))

	u, err := f.svc.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "A", u.Name)

	_, err = f.svc.Get(context.Background(), 2)
	require.ErrorIs(t, err, ErrNotFound)

	users, err := f.svc.List(context.Background(), model.Page{Limit: model.DefaultPageLimit})
	require.NoError(t, err)
	assert.Len(t, users, 1)

	assert.Empty(t, f.pub.calls)
	require.NoError(t, f.mock.ExpectationsWereMet())
	assert.Contains(t, f.logs.String(), `"msg":"user not found"`)
	assert.Contains(t, f.logs.String(), `"msg":"users listed"`)
}

// deadlineRecorder notes the deadline each store call was issued with.
type deadlineRecorder struct {
	pgxmock.PgxPoolIface
	deadlines []time.Time
}

func (r *deadlineRecorder) record(ctx context.Context) {
	d, _ := ctx.Deadline()
	r.deadlines = append(r.deadlines, d)
}

func (r *deadlineRecorder) Begin(ctx context.Context) (pgx.Tx, error) {
	r.record(ctx)
	return r.PgxPoolIface.Begin(ctx)
}

func (r *deadlineRecorder) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	r.record(ctx)
	return r.PgxPoolIface.QueryRow(ctx, sql, args...)
}

func TestQueryTimeoutBoundsStoreCallsOnly(t *testing.T) {
	f := newFixture(t)
	rec := &deadlineRecorder{PgxPoolIface: f.mock}
	svc := NewUserService(rec, storage.NewUserRepository(), f.pub, nil, runtime.NewLoggerTo(f.logs, "test", "debug")).
		WithQueryTimeout(2 * time.Second)
	now := time.Now().UTC()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(1), now, now))
	f.mock.ExpectCommit()
	f.mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows(userCols).AddRow(int64(1), "Ada", "Lovelace", "p", now, now))

	start := time.Now()
	_, err := svc.Create(context.Background(), model.CreateUser{Name: "Ada", Surname: "Lovelace", Password: "secret"})
	require.NoError(t, err)
	_, err = svc.Get(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet())

	require.Len(t, rec.deadlines, 2)
	for _, d := range rec.deadlines {
		require.False(t, d.IsZero(), "store call issued without a deadline")
		assert.WithinDuration(t, start.Add(2*time.Second), d, time.Second)
	}
	require.Len(t, f.pub.calls, 1)
	assert.False(t, f.pub.calls[0].hasDeadline)
}

func TestNoQueryTimeoutKeepsCallerContext(t *testing.T) {
	f := newFixture(t)
	rec := &deadlineRecorder{PgxPoolIface: f.mock}
	svc := NewUserService(rec, storage.NewUserRepository(), f.pub, nil, runtime.NewLoggerTo(f.logs, "test", "debug"))

	f.mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows(userCols))

	_, err := svc.Get(context.Background(), 3)
	require.ErrorIs(t, err, ErrNotFound)
	require.Len(t, rec.deadlines, 1)
	assert.True(t, rec.deadlines[0].IsZero())
}

func TestListRejectsOutOfRangePages(t *testing.T) {
	f := newFixture(t)

	for _, page := range []model.Page{{Limit: 0}, {Limit: 101}, {Limit: 10, Offset: -1}} {
		_, err := f.svc.List(context.Background(), page)
		require.ErrorIs(t, err, ErrInvalidPage, "page %+v", page)
	}
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateRecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := newFixture(t)
	now := time.Now().UTC()
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(4), now, now))
	f.mock.ExpectCommit()

	_, err := f.svc.Create(tracectx.With(context.Background(), "span-trace"), model.CreateUser{Name: "A", Surname: "B", Password: "p"})
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "user.create", spans[0].Name())
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "span-trace", attrs["app.trace_id"])
	assert.Equal(t, "4", attrs["user.id"])
}

func TestPasswordEncoders(t *testing.T) {
	plain, err := PasswordEncoderFor("")
	require.NoError(t, err)
	got, err := plain.Encode("secret")
	require.NoError(t, err)
	assert.Equal(t, "secret", got)

	_, err = PasswordEncoderFor("bcrypt")
	require.NoError(t, err)
	hash, err := BcryptPasswords{Cost: bcrypt.MinCost}.Encode("secret")
	require.NoError(t, err)
	assert.NotEqual(t, "secret", hash)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")))

	_, err = PasswordEncoderFor("rot13")
	require.Error(t, err)
}
