package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/agentic-research/cityhall/internal/keystore"
	"github.com/golang/glog"
)

const (
	// AutoEnv is the default environment of every user.
	AutoEnv = "auto"
	// UsersEnv is the environment reserved for account data.
	UsersEnv = "users"
	// AdminUser is seeded by Bootstrap with an empty password.
	AdminUser = "cityhall"
)

// Entry is a child key as seen by one user.
type Entry struct {
	ID       int64
	Name     string
	Override string
	Path     string
	Value    string
	Protect  bool
}

// Store applies City Hall semantics (paths, overrides, rights) on top of a
// Backend.
type Store struct {
	backend Backend
	mu      sync.Mutex // serializes read-modify-write sequences
}

func New(b Backend) *Store {
	return &Store{backend: b}
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Bootstrap seeds the auto and users environments and the admin user when
// they are missing.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, env := range []string{AutoEnv, UsersEnv} {
		if _, err := s.backend.CreateRoot(ctx, AdminUser, env); err != nil && !errors.Is(err, ErrExists) {
			return fmt.Errorf("create %s: %w", env, err)
		}
	}
	if err := s.backend.CreateUser(ctx, AdminUser, AdminUser, ""); err != nil && !errors.Is(err, ErrExists) {
		return fmt.Errorf("create %s user: %w", AdminUser, err)
	}
	for _, env := range []string{AutoEnv, UsersEnv} {
		if err := s.backend.SetRights(ctx, AdminUser, env, AdminUser, keystore.RightsGrant); err != nil {
			return fmt.Errorf("grant %s on %s: %w", AdminUser, env, err)
		}
	}
	return nil
}

// SanitizePath returns path with exactly one leading and one trailing '/'.
func SanitizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return path
}

func splitPath(sanitized string) []string {
	trimmed := strings.Trim(sanitized, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// parentAndName splits a sanitized non-root path.
func parentAndName(sanitized string) (string, string) {
	segs := splitPath(sanitized)
	name := segs[len(segs)-1]
	if len(segs) == 1 {
		return "/", name
	}
	return "/" + strings.Join(segs[:len(segs)-1], "/") + "/", name
}

// resolve walks from env's root to path. Only the last segment honours
// override, since only default keys have children.
func (s *Store) resolve(ctx context.Context, env, path, override string) (int64, error) {
	root, err := s.backend.EnvRoot(ctx, env)
	if err != nil {
		return 0, fmt.Errorf("environment %s: %w", env, err)
	}
	segs := splitPath(SanitizePath(path))
	if len(segs) == 0 {
		if override != "" {
			return 0, fmt.Errorf("root cannot be overridden: %w", ErrInvalid)
		}
		return root, nil
	}
	cur := root
	for i, seg := range segs {
		want := ""
		if i == len(segs)-1 {
			want = override
		}
		children, err := s.backend.ChildrenOf(ctx, cur)
		if err != nil {
			return 0, err
		}
		next := int64(-1)
		for _, c := range children {
			if c.Name == seg && c.Override == want {
				next = c.ID
				break
			}
		}
		if next < 0 {
			return 0, fmt.Errorf("%s%s: %w", env, SanitizePath(path), ErrNotFound)
		}
		cur = next
	}
	return cur, nil
}

func (s *Store) rights(ctx context.Context, user, env string) (keystore.Rights, error) {
	if _, err := s.backend.EnvRoot(ctx, env); err != nil {
		return keystore.RightsNone, fmt.Errorf("environment %s: %w", env, err)
	}
	return s.backend.Rights(ctx, env, user)
}

func (s *Store) require(ctx context.Context, user, env string, need keystore.Rights) (keystore.Rights, error) {
	r, err := s.rights(ctx, user, env)
	if err != nil {
		return r, err
	}
	if r < need {
		return r, fmt.Errorf("%s needs %s rights on %s: %w", user, need, env, ErrPermission)
	}
	return r, nil
}

// Authenticate checks a user's passhash.
func (s *Store) Authenticate(ctx context.Context, user, passhash string) error {
	u, err := s.backend.GetUser(ctx, user)
	if err != nil || u.Passhash != passhash {
		return ErrBadCredentials
	}
	return nil
}

// Children lists the keys under path that user may see.
func (s *Store) Children(ctx context.Context, user, env, path string) ([]Entry, error) {
	r, err := s.require(ctx, user, env, keystore.RightsRead)
	if err != nil {
		return nil, err
	}
	id, err := s.resolve(ctx, env, path, "")
	if err != nil {
		return nil, err
	}
	rows, err := s.backend.ChildrenOf(ctx, id)
	if err != nil {
		return nil, err
	}
	base := SanitizePath(path)
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		if row.Protect && r < keystore.RightsReadProtected {
			continue
		}
		out = append(out, Entry{
			ID:       row.ID,
			Name:     row.Name,
			Override: row.Override,
			Path:     base + row.Name + "/",
			Value:    row.Value,
			Protect:  row.Protect,
		})
	}
	return out, nil
}

// Get reads a value. With override nil, the variant named after user wins
// over the default.
func (s *Store) Get(ctx context.Context, user, env, path string, override *string) (string, bool, error) {
	r, err := s.require(ctx, user, env, keystore.RightsRead)
	if err != nil {
		return "", false, err
	}

	var row Row
	if override != nil || SanitizePath(path) == "/" {
		o := ""
		if override != nil {
			o = *override
		}
		id, err := s.resolve(ctx, env, path, o)
		if err != nil {
			return "", false, err
		}
		if row, err = s.backend.Get(ctx, id); err != nil {
			return "", false, err
		}
	} else {
		parentPath, name := parentAndName(SanitizePath(path))
		parent, err := s.resolve(ctx, env, parentPath, "")
		if err != nil {
			return "", false, err
		}
		children, err := s.backend.ChildrenOf(ctx, parent)
		if err != nil {
			return "", false, err
		}
		found := false
		for _, c := range children {
			if c.Name != name {
				continue
			}
			if c.Override == user {
				row, found = c, true
				break
			}
			if c.Override == "" && !found {
				row, found = c, true
			}
		}
		if !found {
			return "", false, fmt.Errorf("%s%s: %w", env, SanitizePath(path), ErrNotFound)
		}
	}

	if row.Protect && r < keystore.RightsReadProtected {
		return "", false, fmt.Errorf("protected value: %w", ErrPermission)
	}
	return row.Value, row.Protect, nil
}

// Set writes value and/or protect; nil fields are left alone. Writing a
// missing key creates it, and writing an override whose default is missing
// creates an empty default first.
func (s *Store) Set(ctx context.Context, user, env, path, override string, value *string, protect *bool) error {
	if value == nil && protect == nil {
		return fmt.Errorf("expected a value or protect to set: %w", ErrInvalid)
	}
	if _, err := s.require(ctx, user, env, keystore.RightsWrite); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.ensure(ctx, user, env, path, override, value)
	if err != nil {
		return err
	}
	if protect != nil {
		if err := s.backend.SetProtect(ctx, user, id, *protect); err != nil {
			return err
		}
	}
	glog.V(2).Infof("set %s%s [%s] by %s", env, SanitizePath(path), override, user)
	return nil
}

// ensure returns the id of the key, creating it when missing and applying
// value when given. Must be called with s.mu held.
func (s *Store) ensure(ctx context.Context, user, env, path, override string, value *string) (int64, error) {
	sanitized := SanitizePath(path)
	if sanitized == "/" {
		if override != "" {
			return 0, fmt.Errorf("root cannot be overridden: %w", ErrInvalid)
		}
		root, err := s.backend.EnvRoot(ctx, env)
		if err != nil {
			return 0, err
		}
		if value != nil {
			if err := s.backend.Update(ctx, user, root, *value); err != nil {
				return 0, err
			}
		}
		return root, nil
	}

	parentPath, name := parentAndName(sanitized)
	parent, err := s.resolve(ctx, env, parentPath, "")
	if err != nil {
		return 0, fmt.Errorf("parent of %s: %w", sanitized, err)
	}
	children, err := s.backend.ChildrenOf(ctx, parent)
	if err != nil {
		return 0, err
	}

	needDefault := override != ""
	for _, c := range children {
		if c.Name != name {
			continue
		}
		if c.Override == override {
			if value != nil {
				if err := s.backend.Update(ctx, user, c.ID, *value); err != nil {
					return 0, err
				}
			}
			return c.ID, nil
		}
		if c.Override == "" {
			needDefault = false
		}
	}

	if needDefault {
		if _, err := s.backend.Create(ctx, user, parent, name, "", ""); err != nil {
			return 0, err
		}
	}
	v := ""
	if value != nil {
		v = *value
	}
	return s.backend.Create(ctx, user, parent, name, v, override)
}

// Delete removes one override, or with an empty override every variant of
// the key.
func (s *Store) Delete(ctx context.Context, user, env, path, override string) error {
	if _, err := s.require(ctx, user, env, keystore.RightsWrite); err != nil {
		return err
	}
	sanitized := SanitizePath(path)
	if sanitized == "/" {
		return fmt.Errorf("cannot delete the root of %s: %w", env, ErrInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if override != "" {
		id, err := s.resolve(ctx, env, sanitized, override)
		if err != nil {
			return err
		}
		return s.backend.Delete(ctx, user, id)
	}

	parentPath, name := parentAndName(sanitized)
	parent, err := s.resolve(ctx, env, parentPath, "")
	if err != nil {
		return err
	}
	children, err := s.backend.ChildrenOf(ctx, parent)
	if err != nil {
		return err
	}
	deleted := 0
	for _, c := range children {
		if c.Name != name {
			continue
		}
		if err := s.backend.Delete(ctx, user, c.ID); err != nil {
			return err
		}
		deleted++
	}
	if deleted == 0 {
		return fmt.Errorf("%s%s: %w", env, sanitized, ErrNotFound)
	}
	glog.V(2).Infof("deleted %d variant(s) of %s%s by %s", deleted, env, sanitized, user)
	return nil
}

// History returns the revision log of a key and the creation and deletion
// rows of its children.
func (s *Store) History(ctx context.Context, user, env, path, override string) ([]Row, error) {
	if _, err := s.require(ctx, user, env, keystore.RightsReadProtected); err != nil {
		return nil, err
	}
	id, err := s.resolve(ctx, env, path, override)
	if err != nil {
		return nil, err
	}
	return s.backend.History(ctx, id)
}

// CreateEnv adds an environment and gives its creator Grant rights on it.
func (s *Store) CreateEnv(ctx context.Context, user, env string) error {
	if env == "" || strings.ContainsAny(env, "/ \t\r\n") {
		return fmt.Errorf("environment name %q: %w", env, ErrInvalid)
	}
	if _, err := s.backend.CreateRoot(ctx, user, env); err != nil {
		return fmt.Errorf("environment %s: %w", env, err)
	}
	return s.backend.SetRights(ctx, user, env, user, keystore.RightsGrant)
}

func (s *Store) CreateUser(ctx context.Context, author, user, passhash string) error {
	if user == "" {
		return fmt.Errorf("empty user name: %w", ErrInvalid)
	}
	if err := s.backend.CreateUser(ctx, author, user, passhash); err != nil {
		return fmt.Errorf("user %s: %w", user, err)
	}
	return nil
}

// DeleteUser requires Grant rights on every environment the user can reach.
func (s *Store) DeleteUser(ctx context.Context, author, user string) error {
	envs, err := s.backend.UserRights(ctx, user)
	if err != nil {
		return err
	}
	for env, r := range envs {
		if r <= keystore.RightsNone {
			continue
		}
		if _, err := s.require(ctx, author, env, keystore.RightsGrant); err != nil {
			return err
		}
	}
	if err := s.backend.DeleteUser(ctx, author, user); err != nil {
		return fmt.Errorf("user %s: %w", user, err)
	}
	return nil
}

// Grant sets user's rights on env. The author needs Grant rights and cannot
// hand out more than they hold.
func (s *Store) Grant(ctx context.Context, author, env, user string, r keystore.Rights) error {
	if r < keystore.RightsNone || r > keystore.RightsAdmin {
		return fmt.Errorf("rights %d out of range: %w", int(r), ErrInvalid)
	}
	own, err := s.require(ctx, author, env, keystore.RightsGrant)
	if err != nil {
		return err
	}
	if r > own {
		return fmt.Errorf("cannot grant %s with %s rights: %w", r, own, ErrPermission)
	}
	if _, err := s.backend.GetUser(ctx, user); err != nil {
		return fmt.Errorf("user %s: %w", user, err)
	}
	return s.backend.SetRights(ctx, author, env, user, r)
}

// UserRights lists every environment user holds rights on.
func (s *Store) UserRights(ctx context.Context, user string) (map[string]keystore.Rights, error) {
	if _, err := s.backend.GetUser(ctx, user); err != nil {
		return nil, fmt.Errorf("user %s: %w", user, err)
	}
	return s.backend.UserRights(ctx, user)
}

// EnvUsers lists every user holding rights on env.
func (s *Store) EnvUsers(ctx context.Context, author, env string) (map[string]keystore.Rights, error) {
	if _, err := s.require(ctx, author, env, keystore.RightsRead); err != nil {
		return nil, err
	}
	return s.backend.EnvUsers(ctx, env)
}

// DefaultEnv returns the user's default environment, AutoEnv when unset.
func (s *Store) DefaultEnv(ctx context.Context, user string) (string, error) {
	u, err := s.backend.GetUser(ctx, user)
	if err != nil {
		return "", fmt.Errorf("user %s: %w", user, err)
	}
	if u.DefaultEnv == "" {
		return AutoEnv, nil
	}
	return u.DefaultEnv, nil
}

// SetDefaultEnv requires Read rights on env.
func (s *Store) SetDefaultEnv(ctx context.Context, user, env string) error {
	if _, err := s.require(ctx, user, env, keystore.RightsRead); err != nil {
		return err
	}
	u, err := s.backend.GetUser(ctx, user)
	if err != nil {
		return err
	}
	u.DefaultEnv = env
	return s.backend.UpdateUser(ctx, user, u)
}

func (s *Store) UpdatePassword(ctx context.Context, user, passhash string) error {
	u, err := s.backend.GetUser(ctx, user)
	if err != nil {
		return err
	}
	u.Passhash = passhash
	return s.backend.UpdateUser(ctx, user, u)
}
