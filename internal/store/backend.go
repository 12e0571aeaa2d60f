// Package store is an in-process City Hall key store.
//
// Values live in an append-only table: every mutation deactivates the
// current row of a key and appends a new one carrying the same id. Rows that
// create or delete a key are flagged FirstLast, which is what lets a key's
// history include the creation and deletion of its direct children.
//
// Environments are root rows whose id equals their parent.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentic-research/cityhall/internal/keystore"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrExists         = errors.New("already exists")
	ErrPermission     = errors.New("permission denied")
	ErrBadCredentials = errors.New("invalid username/password")
	ErrInvalid        = errors.New("invalid request")
)

// Row is one revision of a value.
type Row struct {
	ID        int64
	Parent    int64
	Active    bool
	Name      string
	Override  string
	Author    string
	Datetime  time.Time
	Value     string
	FirstLast bool
	Protect   bool
}

// User is the active record of one account.
type User struct {
	Name       string
	Passhash   string
	DefaultEnv string
}

// Backend is the row-level persistence a Store runs on. Implementations
// must be safe for concurrent use; the Store serializes multi-step writes.
type Backend interface {
	// CreateRoot adds an environment root and returns its id.
	CreateRoot(ctx context.Context, author, env string) (int64, error)
	// EnvRoot returns the id of an environment's root row.
	EnvRoot(ctx context.Context, env string) (int64, error)
	// ChildrenOf returns the active rows under id, in insertion order.
	ChildrenOf(ctx context.Context, id int64) ([]Row, error)
	Create(ctx context.Context, author string, parent int64, name, value, override string) (int64, error)
	Update(ctx context.Context, author string, id int64, value string) error
	SetProtect(ctx context.Context, author string, id int64, protect bool) error
	Delete(ctx context.Context, author string, id int64) error
	// Get returns the active row of id.
	Get(ctx context.Context, id int64) (Row, error)
	// History returns every row of id plus the FirstLast rows of its
	// children, in insertion order.
	History(ctx context.Context, id int64) ([]Row, error)

	CreateUser(ctx context.Context, author, user, passhash string) error
	GetUser(ctx context.Context, user string) (User, error)
	UpdateUser(ctx context.Context, author string, u User) error
	DeleteUser(ctx context.Context, author, user string) error
	// Rights returns RightsNone when no grant exists.
	Rights(ctx context.Context, env, user string) (keystore.Rights, error)
	SetRights(ctx context.Context, author, env, user string, r keystore.Rights) error
	UserRights(ctx context.Context, user string) (map[string]keystore.Rights, error)
	EnvUsers(ctx context.Context, env string) (map[string]keystore.Rights, error)

	Close() error
}
