package store

import (
	"context"
	"sync"
	"time"

	"github.com/agentic-research/cityhall/internal/keystore"
)

type userRow struct {
	User
	Active   bool
	Author   string
	Datetime time.Time
}

type rightsKey struct{ env, user string }

// MemoryBackend keeps every table in process memory. Nothing survives Close.
type MemoryBackend struct {
	mu     sync.RWMutex
	vals   []Row // append-only
	nextID int64
	users  []userRow // append-only
	rights map[rightsKey]keystore.Rights

	now func() time.Time
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		nextID: 1,
		rights: make(map[rightsKey]keystore.Rights),
		now:    time.Now,
	}
}

// active returns the index of id's active row, or -1.
// Must be called with b.mu held.
func (b *MemoryBackend) active(id int64) int {
	for i := len(b.vals) - 1; i >= 0; i-- {
		if b.vals[i].ID == id && b.vals[i].Active {
			return i
		}
	}
	return -1
}

func (b *MemoryBackend) CreateRoot(_ context.Context, author, env string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.vals {
		if r.Active && r.ID == r.Parent && r.Name == env {
			return 0, ErrExists
		}
	}
	id := b.nextID
	b.nextID++
	b.vals = append(b.vals, Row{
		ID: id, Parent: id, Active: true, Name: env,
		Author: author, Datetime: b.now(), FirstLast: true,
	})
	return id, nil
}

func (b *MemoryBackend) EnvRoot(_ context.Context, env string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.vals {
		if r.Active && r.ID == r.Parent && r.Name == env {
			return r.ID, nil
		}
	}
	return 0, ErrNotFound
}

func (b *MemoryBackend) ChildrenOf(_ context.Context, id int64) ([]Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Row
	for _, r := range b.vals {
		if r.Active && r.Parent == id && r.ID != id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (b *MemoryBackend) Create(_ context.Context, author string, parent int64, name, value, override string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.vals = append(b.vals, Row{
		ID: id, Parent: parent, Active: true, Name: name, Override: override,
		Author: author, Datetime: b.now(), Value: value, FirstLast: true,
	})
	return id, nil
}

// revise deactivates id's current row and appends edit(copy) as the new one.
func (b *MemoryBackend) revise(author string, id int64, edit func(*Row)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.active(id)
	if i < 0 {
		return ErrNotFound
	}
	next := b.vals[i]
	b.vals[i].Active = false
	next.Author = author
	next.Datetime = b.now()
	next.FirstLast = false
	edit(&next)
	b.vals = append(b.vals, next)
	return nil
}

func (b *MemoryBackend) Update(_ context.Context, author string, id int64, value string) error {
	return b.revise(author, id, func(r *Row) { r.Value = value })
}

func (b *MemoryBackend) SetProtect(_ context.Context, author string, id int64, protect bool) error {
	b.mu.RLock()
	i := b.active(id)
	same := i >= 0 && b.vals[i].Protect == protect
	b.mu.RUnlock()
	if same {
		return nil
	}
	return b.revise(author, id, func(r *Row) { r.Protect = protect })
}

func (b *MemoryBackend) Delete(_ context.Context, author string, id int64) error {
	return b.revise(author, id, func(r *Row) {
		r.Active = false
		r.FirstLast = true
	})
}

func (b *MemoryBackend) Get(_ context.Context, id int64) (Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i := b.active(id)
	if i < 0 {
		return Row{}, ErrNotFound
	}
	return b.vals[i], nil
}

func (b *MemoryBackend) History(_ context.Context, id int64) ([]Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Row
	for _, r := range b.vals {
		if r.ID == id || (r.Parent == id && r.FirstLast && r.ID != id) {
			out = append(out, r)
		}
	}
	return out, nil
}

// activeUser returns the index of user's active record, or -1.
// Must be called with b.mu held.
func (b *MemoryBackend) activeUser(user string) int {
	for i := len(b.users) - 1; i >= 0; i-- {
		if b.users[i].Active && b.users[i].Name == user {
			return i
		}
	}
	return -1
}

func (b *MemoryBackend) CreateUser(_ context.Context, author, user, passhash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.activeUser(user) >= 0 {
		return ErrExists
	}
	b.users = append(b.users, userRow{
		User:   User{Name: user, Passhash: passhash},
		Active: true, Author: author, Datetime: b.now(),
	})
	return nil
}

func (b *MemoryBackend) GetUser(_ context.Context, user string) (User, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i := b.activeUser(user)
	if i < 0 {
		return User{}, ErrNotFound
	}
	return b.users[i].User, nil
}

func (b *MemoryBackend) UpdateUser(_ context.Context, author string, u User) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.activeUser(u.Name)
	if i < 0 {
		return ErrNotFound
	}
	b.users[i].Active = false
	b.users = append(b.users, userRow{User: u, Active: true, Author: author, Datetime: b.now()})
	return nil
}

func (b *MemoryBackend) DeleteUser(_ context.Context, author, user string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.activeUser(user)
	if i < 0 {
		return ErrNotFound
	}
	b.users[i].Active = false
	b.users = append(b.users, userRow{
		User:   User{Name: user},
		Author: author, Datetime: b.now(),
	})
	for k := range b.rights {
		if k.user == user {
			delete(b.rights, k)
		}
	}
	return nil
}

func (b *MemoryBackend) Rights(_ context.Context, env, user string) (keystore.Rights, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rights[rightsKey{env, user}], nil
}

func (b *MemoryBackend) SetRights(_ context.Context, _, env, user string, r keystore.Rights) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r == keystore.RightsNone {
		delete(b.rights, rightsKey{env, user})
		return nil
	}
	b.rights[rightsKey{env, user}] = r
	return nil
}

func (b *MemoryBackend) UserRights(_ context.Context, user string) (map[string]keystore.Rights, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]keystore.Rights)
	for k, r := range b.rights {
		if k.user == user {
			out[k.env] = r
		}
	}
	return out, nil
}

func (b *MemoryBackend) EnvUsers(_ context.Context, env string) (map[string]keystore.Rights, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]keystore.Rights)
	for k, r := range b.rights {
		if k.env == env {
			out[k.user] = r
		}
	}
	return out, nil
}

// Close is a no-op.
func (b *MemoryBackend) Close() error { return nil }
