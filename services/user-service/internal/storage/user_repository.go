package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/userevents/libs/db"
	"github.com/md-rashed-zaman/userevents/services/user-service/internal/model"
)

// ErrNotFound is returned by writes that matched no row.
var ErrNotFound = errors.New("user not found")

const userColumns = `id, name, surname, password, created_at, updated_at`

// UserRepository maps users onto the users table. Every method runs on the
// Querier it is handed; transaction boundaries belong to the caller.
type UserRepository struct{}

func NewUserRepository() *UserRepository {
	return &UserRepository{}
}

func (r *UserRepository) Insert(ctx context.Context, q db.Querier, u model.User) (model.User, error) {
	err := q.QueryRow(ctx, `
		INSERT INTO users (name, surname, password)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`, u.Name, u.Surname, u.Password).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return model.User{}, err
	}
	return u, nil
}

// FindByID reports a miss as ok=false with a nil error.
func (r *UserRepository) FindByID(ctx context.Context, q db.Querier, id int64) (model.User, bool, error) {
	return r.findOne(ctx, q, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// FindByIDForUpdate is FindByID holding a row lock until the transaction ends.
func (r *UserRepository) FindByIDForUpdate(ctx context.Context, q db.Querier, id int64) (model.User, bool, error) {
	return r.findOne(ctx, q, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
}

func (r *UserRepository) findOne(ctx context.Context, q db.Querier, sql string, id int64) (model.User, bool, error) {
	var u model.User
	err := q.QueryRow(ctx, sql, id).Scan(&u.ID, &u.Name, &u.Surname, &u.Password, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, false, nil
	}
	if err != nil {
		return model.User{}, false, err
	}
	return u, true, nil
}

func (r *UserRepository) List(ctx context.Context, q db.Querier, limit, offset int) ([]model.User, error) {
	rows, err := q.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		ORDER BY id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Surname, &u.Password, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Update writes the mutable columns and refreshes the store-assigned ones.
func (r *UserRepository) Update(ctx context.Context, q db.Querier, u model.User) (model.User, error) {
	err := q.QueryRow(ctx, `
		UPDATE users
		SET name = $2,
			surname = $3,
			password = $4,
			updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at
	`, u.ID, u.Name, u.Surname, u.Password).Scan(&u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, err
	}
	return u, nil
}

func (r *UserRepository) Delete(ctx context.Context, q db.Querier, u model.User) error {
	tag, err := q.Exec(ctx, `DELETE FROM users WHERE id = $1`, u.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
