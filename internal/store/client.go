package store

import (
	"context"
	"sync"

	"github.com/agentic-research/cityhall/internal/keystore"
	"github.com/golang/glog"
	"github.com/google/uuid"
)

// LocalClient serves the keystore.Client contract straight from a Store,
// with no network in between. Store refusals surface as
// *keystore.RemoteError wrapping the store sentinel.
type LocalClient struct {
	store *Store

	mu       sync.Mutex
	sessions map[string]string // token → user
}

var _ keystore.Client = (*LocalClient)(nil)

func NewLocalClient(st *Store) *LocalClient {
	return &LocalClient{store: st, sessions: make(map[string]string)}
}

func remote(op string, err error) error {
	if err == nil {
		return nil
	}
	return &keystore.RemoteError{Op: op, Message: err.Error(), Err: err}
}

// user resolves the session to its user after the pre-dispatch check.
func (c *LocalClient) user(op string, s *keystore.Session) (string, error) {
	if err := keystore.RequireSession(s); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.sessions[s.Token]
	if !ok {
		return "", &keystore.RemoteError{Op: op, Message: "session expired or unknown"}
	}
	return u, nil
}

func (c *LocalClient) Login(ctx context.Context, user, password string) (*keystore.Session, error) {
	if err := c.store.Authenticate(ctx, user, keystore.Passhash(password)); err != nil {
		return nil, remote("login", err)
	}
	env, err := c.store.DefaultEnv(ctx, user)
	if err != nil {
		return nil, remote("login", err)
	}
	token := uuid.NewString()
	c.mu.Lock()
	c.sessions[token] = user
	c.mu.Unlock()
	glog.Infof("logged in as %s", user)
	return &keystore.Session{User: user, Token: token, Environment: env}, nil
}

func (c *LocalClient) Logout(_ context.Context, s *keystore.Session) error {
	if _, err := c.user("logout", s); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.sessions, s.Token)
	c.mu.Unlock()
	*s = keystore.Session{}
	return nil
}

func (c *LocalClient) DefaultEnvironment(ctx context.Context, s *keystore.Session) (string, error) {
	u, err := c.user("default environment", s)
	if err != nil {
		return "", err
	}
	env, err := c.store.DefaultEnv(ctx, u)
	return env, remote("default environment", err)
}

func (c *LocalClient) SetDefaultEnvironment(ctx context.Context, s *keystore.Session, env string) error {
	u, err := c.user("set default environment", s)
	if err != nil {
		return err
	}
	if err := c.store.SetDefaultEnv(ctx, u, env); err != nil {
		return remote("set default environment", err)
	}
	s.Environment = env
	return nil
}

func (c *LocalClient) ReadChildren(ctx context.Context, s *keystore.Session, env, path string) ([]keystore.Child, error) {
	u, err := c.user("read children", s)
	if err != nil {
		return nil, err
	}
	entries, err := c.store.Children(ctx, u, env, path)
	if err != nil {
		return nil, remote("read children", err)
	}
	out := make([]keystore.Child, 0, len(entries))
	for _, e := range entries {
		out = append(out, keystore.Child{
			Name:      e.Name,
			Override:  e.Override,
			Path:      e.Path,
			Value:     e.Value,
			Protected: e.Protect,
		})
	}
	return out, nil
}

func (c *LocalClient) ReadValue(ctx context.Context, s *keystore.Session, env, path string, override *string) (keystore.Value, error) {
	u, err := c.user("read value", s)
	if err != nil {
		return keystore.Value{}, err
	}
	v, p, err := c.store.Get(ctx, u, env, path, override)
	if err != nil {
		return keystore.Value{}, remote("read value", err)
	}
	return keystore.Value{Value: v, Protected: p}, nil
}

func (c *LocalClient) WriteValue(ctx context.Context, s *keystore.Session, env, path, override string, up keystore.Update) error {
	u, err := c.user("write value", s)
	if err != nil {
		return err
	}
	return remote("write value", c.store.Set(ctx, u, env, path, override, up.Value, up.Protected))
}

func (c *LocalClient) DeleteKey(ctx context.Context, s *keystore.Session, env, path, override string) error {
	u, err := c.user("delete key", s)
	if err != nil {
		return err
	}
	return remote("delete key", c.store.Delete(ctx, u, env, path, override))
}

func (c *LocalClient) ReadHistory(ctx context.Context, s *keystore.Session, env, path, override string) ([]keystore.Revision, error) {
	u, err := c.user("read history", s)
	if err != nil {
		return nil, err
	}
	rows, err := c.store.History(ctx, u, env, path, override)
	if err != nil {
		return nil, remote("read history", err)
	}
	out := make([]keystore.Revision, 0, len(rows))
	for _, r := range rows {
		out = append(out, keystore.Revision{
			ID:        r.ID,
			Name:      r.Name,
			Parent:    r.Parent,
			Value:     r.Value,
			Protected: r.Protect,
			Override:  r.Override,
			Datetime:  r.Datetime,
			Author:    r.Author,
			Active:    r.Active,
		})
	}
	return out, nil
}

func (c *LocalClient) CreateEnvironment(ctx context.Context, s *keystore.Session, env string) error {
	u, err := c.user("create environment", s)
	if err != nil {
		return err
	}
	return remote("create environment", c.store.CreateEnv(ctx, u, env))
}

func (c *LocalClient) ViewUsers(ctx context.Context, s *keystore.Session, env string) (map[string]keystore.Rights, error) {
	u, err := c.user("view users", s)
	if err != nil {
		return nil, err
	}
	m, err := c.store.EnvUsers(ctx, u, env)
	if err != nil {
		return nil, remote("view users", err)
	}
	return m, nil
}

func (c *LocalClient) ReadUser(ctx context.Context, s *keystore.Session, user string) (map[string]keystore.Rights, error) {
	if _, err := c.user("read user", s); err != nil {
		return nil, err
	}
	m, err := c.store.UserRights(ctx, user)
	if err != nil {
		return nil, remote("read user", err)
	}
	return m, nil
}

func (c *LocalClient) CreateUser(ctx context.Context, s *keystore.Session, user, password string) error {
	u, err := c.user("create user", s)
	if err != nil {
		return err
	}
	return remote("create user", c.store.CreateUser(ctx, u, user, keystore.Passhash(password)))
}

func (c *LocalClient) DeleteUser(ctx context.Context, s *keystore.Session, user string) error {
	u, err := c.user("delete user", s)
	if err != nil {
		return err
	}
	return remote("delete user", c.store.DeleteUser(ctx, u, user))
}

func (c *LocalClient) GrantUser(ctx context.Context, s *keystore.Session, user, env string, rights keystore.Rights) error {
	u, err := c.user("grant", s)
	if err != nil {
		return err
	}
	return remote("grant", c.store.Grant(ctx, u, env, user, rights))
}

func (c *LocalClient) UpdatePassword(ctx context.Context, s *keystore.Session, password string) error {
	u, err := c.user("update password", s)
	if err != nil {
		return err
	}
	return remote("update password", c.store.UpdatePassword(ctx, u, keystore.Passhash(password)))
}
