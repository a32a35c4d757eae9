package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/gravitational/trace"

	"github.com/zquestz/nexus/internal/nexuserr"
	"github.com/zquestz/nexus/internal/permission"
)

// User is a row of the users table (spec.md §3).
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	IsAdmin      bool
	Enabled      bool
	CreatedAt    int64
}

// CountUsers returns the total number of rows in users, used by the
// authentication path (spec.md §4.2 step 2) to detect the bootstrap case.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, trace.Wrap(err)
	}
	return n, nil
}

// GetUserByUsername looks up a user by case-insensitive username,
// returning the canonically-cased stored row.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUserByUsername(ctx, s.db, username)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getUserByUsername(ctx context.Context, q queryer, username string) (*User, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_admin, enabled, created_at
		FROM users WHERE lower(username) = lower(?)`, username)

	var u User
	var isAdmin, enabled int
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &isAdmin, &enabled, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nexuserr.New(nexuserr.KindUserNotFound, nexuserr.Params{"username": username})
		}
		return nil, trace.Wrap(err)
	}
	u.IsAdmin = isAdmin != 0
	u.Enabled = enabled != 0
	return &u, nil
}

// countEnabledAdmins returns the number of rows with is_admin=1 AND
// enabled=1, evaluated against the given queryer so callers can run it
// inside an in-flight transaction (spec.md §4.4: "the check is performed
// inside the same transaction as the mutation").
func (s *Store) countEnabledAdmins(ctx context.Context, q queryer) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM users WHERE is_admin = 1 AND enabled = 1").Scan(&n)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return n, nil
}

// CreateUserParams describes a new user row plus its initial permission
// grants (spec.md UserCreate / the Register bootstrap path).
type CreateUserParams struct {
	Username     string
	PasswordHash string
	IsAdmin      bool
	Enabled      bool
	Permissions  []permission.Permission
	CreatedAt    int64
}

// CreateUser inserts a new user and its permission rows in a single
// transaction, failing with KindUsernameExists if the case-folded
// username is already taken.
func (s *Store) CreateUser(ctx context.Context, p CreateUserParams) (*User, error) {
	var created *User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getUserByUsername(ctx, tx, p.Username); err == nil {
			return nexuserr.New(nexuserr.KindUsernameExists, nexuserr.Params{"username": p.Username})
		} else if !isNotFound(err) {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (username, password_hash, is_admin, enabled, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			p.Username, p.PasswordHash, boolInt(p.IsAdmin), boolInt(p.Enabled), p.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return nexuserr.New(nexuserr.KindUsernameExists, nexuserr.Params{"username": p.Username})
			}
			return trace.Wrap(err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return trace.Wrap(err)
		}

		if err := replacePermissions(ctx, tx, id, p.Permissions); err != nil {
			return err
		}

		created = &User{
			ID:           id,
			Username:     p.Username,
			PasswordHash: p.PasswordHash,
			IsAdmin:      p.IsAdmin,
			Enabled:      p.Enabled,
			CreatedAt:    p.CreatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// EditUserParams carries the mutable fields of UserEdit. A nil pointer
// field means "leave unchanged".
type EditUserParams struct {
	PasswordHash *string
	IsAdmin      *bool
	Enabled      *bool
	Permissions  *[]permission.Permission
}

// EditUser applies a partial update to the user named username. Demoting
// or disabling the last enabled admin is rejected inside the same
// transaction as the attempted change (spec.md §4.4).
func (s *Store) EditUser(ctx context.Context, username string, p EditUserParams) (*User, error) {
	var updated *User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		u, err := s.getUserByUsername(ctx, tx, username)
		if err != nil {
			return err
		}

		newIsAdmin := u.IsAdmin
		if p.IsAdmin != nil {
			newIsAdmin = *p.IsAdmin
		}
		newEnabled := u.Enabled
		if p.Enabled != nil {
			newEnabled = *p.Enabled
		}

		losingAdminStatus := u.IsAdmin && u.Enabled && !(newIsAdmin && newEnabled)
		if losingAdminStatus {
			n, err := s.countEnabledAdmins(ctx, tx)
			if err != nil {
				return err
			}
			if n <= 1 {
				if p.IsAdmin != nil && !*p.IsAdmin {
					return nexuserr.New(nexuserr.KindCannotDemoteLastAdmin, nil)
				}
				return nexuserr.New(nexuserr.KindCannotDisableLastAdmin, nil)
			}
		}

		newHash := u.PasswordHash
		if p.PasswordHash != nil {
			newHash = *p.PasswordHash
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET password_hash = ?, is_admin = ?, enabled = ? WHERE id = ?`,
			newHash, boolInt(newIsAdmin), boolInt(newEnabled), u.ID); err != nil {
			return trace.Wrap(err)
		}

		if p.Permissions != nil {
			if err := replacePermissions(ctx, tx, u.ID, *p.Permissions); err != nil {
				return err
			}
		}

		updated = &User{
			ID:           u.ID,
			Username:     u.Username,
			PasswordHash: newHash,
			IsAdmin:      newIsAdmin,
			Enabled:      newEnabled,
			CreatedAt:    u.CreatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteUser removes a user row (cascading to user_permissions) unless
// doing so would leave zero enabled admins (spec.md §4.4).
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		u, err := s.getUserByUsername(ctx, tx, username)
		if err != nil {
			return err
		}

		if u.IsAdmin && u.Enabled {
			n, err := s.countEnabledAdmins(ctx, tx)
			if err != nil {
				return err
			}
			if n <= 1 {
				return nexuserr.New(nexuserr.KindCannotDeleteLastAdmin, nil)
			}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = ?", u.ID); err != nil {
			return trace.Wrap(err)
		}
		return nil
	})
}

// GetUserPermissions returns the permission set stored for userID.
func (s *Store) GetUserPermissions(ctx context.Context, userID int64) (permission.Set, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT permission FROM user_permissions WHERE user_id = ?", userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var perms []permission.Permission
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, trace.Wrap(err)
		}
		perms = append(perms, permission.Permission(name))
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return permission.NewSet(perms), nil
}

func replacePermissions(ctx context.Context, tx *sql.Tx, userID int64, perms []permission.Permission) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM user_permissions WHERE user_id = ?", userID); err != nil {
		return trace.Wrap(err)
	}
	for _, p := range perms {
		if !permission.Valid(string(p)) {
			return nexuserr.New(nexuserr.KindUnknownPermission, nexuserr.Params{"permission": string(p)})
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO user_permissions (user_id, permission) VALUES (?, ?)", userID, string(p)); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isNotFound(err error) bool {
	var e *nexuserr.Error
	return errors.As(err, &e) && e.Kind == nexuserr.KindUserNotFound
}

// isUniqueViolation recognizes the mattn/go-sqlite3 driver's unique
// constraint error without importing the driver's error type, so the
// check keeps working if the driver is swapped.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
