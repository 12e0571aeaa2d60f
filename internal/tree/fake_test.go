package tree

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/agentic-research/cityhall/internal/keystore"
)

type write struct {
	env, path, override string
	update              keystore.Update
}

// fakeClient is a scripted key store. Paths are normalized to "/a/b/".
type fakeClient struct {
	mu       sync.Mutex
	children map[string][]keystore.Child // env+path
	values   map[string]keystore.Value   // env+path+"|"+override
	history  map[string][]keystore.Revision
	fail     map[string]error // op or op+":"+env+path
	calls    map[string]int
	writes   []write
	deletes  []write

	// gate, when set, blocks ReadChildren until it is closed; started
	// receives once per blocked call.
	gate    chan struct{}
	started chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		children: map[string][]keystore.Child{},
		values:   map[string]keystore.Value{},
		history:  map[string][]keystore.Revision{},
		fail:     map[string]error{},
		calls:    map[string]int{},
	}
}

func session() *keystore.Session {
	return &keystore.Session{User: "cityhall", Token: "t", Environment: "auto"}
}

func norm(path string) string {
	p := strings.Trim(path, "/")
	if p == "" {
		return "/"
	}
	return "/" + p + "/"
}

func parentOf(path string) (string, string) {
	p := strings.Trim(path, "/")
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "/", p
	}
	return "/" + p[:i] + "/", p[i+1:]
}

// add seeds a key variant and lists it under its parent. Callers outside
// the client's own methods must not race with it.
func (f *fakeClient) add(env, path, override, value string, protected bool) {
	path = norm(path)
	parent, name := parentOf(path)
	f.children[env+parent] = append(f.children[env+parent], keystore.Child{
		Name: name, Override: override, Path: path, Value: value, Protected: protected,
	})
	f.values[env+path+"|"+override] = keystore.Value{Value: value, Protected: protected}
}

func (f *fakeClient) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeClient) enter(op, env, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if err := f.fail[op+":"+env+norm(path)]; err != nil {
		return err
	}
	return f.fail[op]
}

func (f *fakeClient) Login(ctx context.Context, user, password string) (*keystore.Session, error) {
	return &keystore.Session{User: user, Token: "t"}, nil
}

func (f *fakeClient) Logout(ctx context.Context, s *keystore.Session) error {
	*s = keystore.Session{}
	return nil
}

func (f *fakeClient) DefaultEnvironment(ctx context.Context, s *keystore.Session) (string, error) {
	return "auto", nil
}

func (f *fakeClient) SetDefaultEnvironment(ctx context.Context, s *keystore.Session, env string) error {
	return nil
}

func (f *fakeClient) ReadChildren(ctx context.Context, s *keystore.Session, env, path string) ([]keystore.Child, error) {
	if err := keystore.RequireSession(s); err != nil {
		return nil, err
	}
	err := f.enter("read_children", env, path)
	if f.gate != nil {
		if f.started != nil {
			f.started <- struct{}{}
		}
		<-f.gate
	}
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]keystore.Child(nil), f.children[env+norm(path)]...), nil
}

func (f *fakeClient) ReadValue(ctx context.Context, s *keystore.Session, env, path string, override *string) (keystore.Value, error) {
	if err := f.enter("read_value", env, path); err != nil {
		return keystore.Value{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[env+norm(path)+"|"+*override]
	if !ok {
		return keystore.Value{}, &keystore.RemoteError{Op: "read_value", Message: "not found"}
	}
	return v, nil
}

func (f *fakeClient) WriteValue(ctx context.Context, s *keystore.Session, env, path, override string, u keystore.Update) error {
	if err := f.enter("write_value", env, path); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, write{env, path, override, u})
	k := env + norm(path) + "|" + override
	v, exists := f.values[k]
	if u.Value != nil {
		v.Value = *u.Value
	}
	if u.Protected != nil {
		v.Protected = *u.Protected
	}
	if !exists {
		f.add(env, path, override, v.Value, v.Protected)
		return nil
	}
	f.values[k] = v
	return nil
}

func (f *fakeClient) DeleteKey(ctx context.Context, s *keystore.Session, env, path, override string) error {
	if err := f.enter("delete_key", env, path); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, write{env: env, path: path, override: override})
	return nil
}

func (f *fakeClient) ReadHistory(ctx context.Context, s *keystore.Session, env, path, override string) ([]keystore.Revision, error) {
	if err := f.enter("read_history", env, path); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[env+norm(path)+"|"+override], nil
}

func (f *fakeClient) CreateEnvironment(ctx context.Context, s *keystore.Session, env string) error {
	return errors.New("unsupported")
}

func (f *fakeClient) ViewUsers(ctx context.Context, s *keystore.Session, env string) (map[string]keystore.Rights, error) {
	return nil, errors.New("unsupported")
}

func (f *fakeClient) ReadUser(ctx context.Context, s *keystore.Session, user string) (map[string]keystore.Rights, error) {
	if err := f.enter("read_user", "", ""); err != nil {
		return nil, err
	}
	return map[string]keystore.Rights{
		"users": keystore.RightsGrant,
		"auto":  keystore.RightsGrant,
		"gone":  keystore.RightsNone,
	}, nil
}

func (f *fakeClient) CreateUser(ctx context.Context, s *keystore.Session, user, password string) error {
	return errors.New("unsupported")
}

func (f *fakeClient) DeleteUser(ctx context.Context, s *keystore.Session, user string) error {
	return errors.New("unsupported")
}

func (f *fakeClient) GrantUser(ctx context.Context, s *keystore.Session, user, env string, rights keystore.Rights) error {
	return errors.New("unsupported")
}

func (f *fakeClient) UpdatePassword(ctx context.Context, s *keystore.Session, password string) error {
	return errors.New("unsupported")
}
