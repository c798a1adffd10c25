package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

const UsersTable = "users"

// User represents a row in a partition's users table.
type User struct {
	UserID      uuid.UUID  `json:"userId"`
	TenantID    string     `json:"tenantId"`
	Email       string     `json:"email"`
	FullName    string     `json:"fullName"`
	Role        string     `json:"role"`
	GroupID     *string    `json:"groupId,omitempty"`
	Permissions []string   `json:"permissions"`
	IsActive    bool       `json:"isActive"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

var (
	// ErrUserNotFound indicates a missing user record.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserConflict indicates a uniqueness violation (e.g., duplicated email).
	ErrUserConflict = errors.New("user conflict")
	// ErrUserLimitReached indicates the tenant's maxUsers would be exceeded.
	ErrUserLimitReached = errors.New("tenant user limit reached")
)

var userFields = Fields{Columns: map[string]string{
	TenantField: "tenant_id",
	"userId":    "user_id",
	"email":     "lower(email)",
	"role":      "role",
	"groupId":   "group_id",
	"isActive":  "is_active",
}}

const userColumns = `user_id, tenant_id, email, full_name, role, group_id, permissions,
    is_active, last_login_at, created_at, updated_at`

// UserStore exposes persistence helpers for the users table of a tenant partition.
type UserStore struct {
	db    *TenantDB
	scope *ScopeBuilder
}

func NewUserStore(db *TenantDB, scope *ScopeBuilder) *UserStore {
	if db == nil || scope == nil {
		panic("user store requires tenant db and scope builder")
	}
	return &UserStore{db: db, scope: scope}
}

// CreateUserParams captures the fields required to insert a new user record.
type CreateUserParams struct {
	UserID      uuid.UUID `json:"userId"`
	Email       string    `json:"email"`
	FullName    string    `json:"fullName"`
	Role        string    `json:"role"`
	GroupID     *string   `json:"groupId,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
}

// CreateUser inserts a user, refusing when the partition already holds maxUsers
// users. The count and insert share a transaction serialized per tenant.
func (s *UserStore) CreateUser(ctx context.Context, space tenant.Space, params CreateUserParams, maxUsers int) (User, error) {
	if params.UserID == uuid.Nil {
		return User{}, errors.New("user id is required")
	}
	if params.Permissions == nil {
		params.Permissions = []string{}
	}

	countCond, err := s.scope.Where(space.TenantID, nil, userFields)
	if err != nil {
		return User{}, err
	}
	countSQL, countArgs, err := psql.Select("COUNT(*)").From(UsersTable).Where(countCond).ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build count: %w", err)
	}

	var user User
	err = s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "users:"+space.TenantID); err != nil {
			return fmt.Errorf("lock users: %w", err)
		}
		if maxUsers > 0 {
			var count int
			if err := tx.QueryRow(ctx, countSQL, countArgs...).Scan(&count); err != nil {
				return fmt.Errorf("count users: %w", err)
			}
			if count >= maxUsers {
				return ErrUserLimitReached
			}
		}

		row := tx.QueryRow(ctx, fmt.Sprintf(`
            INSERT INTO %s (user_id, tenant_id, email, full_name, role, group_id, permissions)
            VALUES ($1, $2, $3, $4, $5, $6, $7)
            RETURNING %s
        `, UsersTable, userColumns),
			params.UserID, space.TenantID, strings.TrimSpace(params.Email), strings.TrimSpace(params.FullName),
			params.Role, params.GroupID, params.Permissions,
		)
		var err error
		user, err = scanUser(row)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrUserConflict
		}
		return User{}, err
	}
	return user, nil
}

// ListUsersParams captures filters and pagination for ListUsers.
type ListUsersParams struct {
	Page     int
	PageSize int
	Email    *string
}

// ListUsersResult includes the rows and the total count for pagination metadata.
type ListUsersResult struct {
	Users      []User
	TotalItems int
}

// ListUsers returns the partition's users with pagination applied.
func (s *UserStore) ListUsers(ctx context.Context, space tenant.Space, params ListUsersParams) (ListUsersResult, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize <= 0 {
		params.PageSize = 20
	}
	if params.PageSize > 100 {
		params.PageSize = 100
	}

	filter := Predicate{}
	if params.Email != nil && strings.TrimSpace(*params.Email) != "" {
		filter["email"] = strings.ToLower(strings.TrimSpace(*params.Email))
	}
	cond, err := s.scope.Where(space.TenantID, filter, userFields)
	if err != nil {
		return ListUsersResult{}, err
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From(UsersTable).Where(cond).ToSql()
	if err != nil {
		return ListUsersResult{}, fmt.Errorf("build count: %w", err)
	}
	listSQL, listArgs, err := psql.Select(userColumns).From(UsersTable).Where(cond).
		OrderBy("created_at DESC").
		Limit(uint64(params.PageSize)).Offset(uint64((params.Page - 1) * params.PageSize)).ToSql()
	if err != nil {
		return ListUsersResult{}, fmt.Errorf("build list: %w", err)
	}

	result := ListUsersResult{Users: []User{}}
	err = s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, countSQL, countArgs...).Scan(&result.TotalItems); err != nil {
			return fmt.Errorf("count users: %w", err)
		}
		if result.TotalItems == 0 {
			return nil
		}

		rows, err := tx.Query(ctx, listSQL, listArgs...)
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			user, err := scanUser(rows)
			if err != nil {
				return fmt.Errorf("scan user: %w", err)
			}
			result.Users = append(result.Users, user)
		}
		return rows.Err()
	})
	return result, err
}

// GetUserByEmail returns the partition user with the given email (case-insensitive).
func (s *UserStore) GetUserByEmail(ctx context.Context, space tenant.Space, email string) (User, error) {
	return s.getOne(ctx, space, Predicate{"email": strings.ToLower(strings.TrimSpace(email))})
}

// GetUser returns a single user by identifier.
func (s *UserStore) GetUser(ctx context.Context, space tenant.Space, id uuid.UUID) (User, error) {
	return s.getOne(ctx, space, Predicate{"userId": id.String()})
}

func (s *UserStore) getOne(ctx context.Context, space tenant.Space, filter Predicate) (User, error) {
	cond, err := s.scope.Where(space.TenantID, filter, userFields)
	if err != nil {
		return User{}, err
	}
	query, args, err := psql.Select(userColumns).From(UsersTable).Where(cond).Limit(1).ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build get user: %w", err)
	}

	var user User
	err = s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		var err error
		user, err = scanUser(tx.QueryRow(ctx, query, args...))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return user, err
}

// CountUsers returns the number of users in the partition.
func (s *UserStore) CountUsers(ctx context.Context, space tenant.Space) (int, error) {
	cond, err := s.scope.Where(space.TenantID, nil, userFields)
	if err != nil {
		return 0, err
	}
	query, args, err := psql.Select("COUNT(*)").From(UsersTable).Where(cond).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}

	var count int
	err = s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, query, args...).Scan(&count)
	})
	return count, err
}

// TouchLastLogin records a successful login.
func (s *UserStore) TouchLastLogin(ctx context.Context, space tenant.Space, id uuid.UUID, at time.Time) error {
	cond, err := s.scope.Where(space.TenantID, Predicate{"userId": id.String()}, userFields)
	if err != nil {
		return err
	}
	query, args, err := psql.Update(UsersTable).Set("last_login_at", at).Where(cond).ToSql()
	if err != nil {
		return fmt.Errorf("build touch: %w", err)
	}

	return s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("touch last login: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

func scanUser(row pgx.Row) (User, error) {
	var user User
	if err := row.Scan(&user.UserID, &user.TenantID, &user.Email, &user.FullName, &user.Role, &user.GroupID,
		&user.Permissions, &user.IsActive, &user.LastLoginAt, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return User{}, err
	}
	return user, nil
}
