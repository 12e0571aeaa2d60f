// Package keystore defines the client contract for a City Hall key store.
//
// Every call takes an explicit *Session. A nil or logged-out session fails
// with ErrNotAuthenticated before anything is sent.
package keystore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"
)

// Rights is a permission level on one environment.
type Rights int

const (
	RightsNone Rights = iota
	RightsRead
	RightsReadProtected
	RightsWrite
	RightsGrant
	RightsAdmin
)

var rightsNames = [...]string{"none", "read", "read-protected", "write", "grant", "admin"}

func (r Rights) String() string {
	if r < 0 || int(r) >= len(rightsNames) {
		return fmt.Sprintf("rights(%d)", int(r))
	}
	return rightsNames[r]
}

// ParseRights accepts either a level name or its number.
func ParseRights(s string) (Rights, error) {
	for i, name := range rightsNames {
		if s == name || s == fmt.Sprint(i) {
			return Rights(i), nil
		}
	}
	return RightsNone, fmt.Errorf("unknown rights %q", s)
}

// Session is the authenticated context of one login. It is created by
// Client.Login and mutated only by Logout and SetDefaultEnvironment.
type Session struct {
	User        string
	Token       string
	Environment string // default environment
}

// Authenticated reports whether calls may be dispatched with s.
func (s *Session) Authenticated() bool {
	return s != nil && s.Token != ""
}

// RequireSession is the pre-dispatch check every Client method runs first.
func RequireSession(s *Session) error {
	if !s.Authenticated() {
		return ErrNotAuthenticated
	}
	return nil
}

// Child is one entry returned by ReadChildren.
type Child struct {
	Name      string
	Override  string
	Path      string
	Value     string
	Protected bool
}

// Value is the stored value of a key and its protect flag.
type Value struct {
	Value     string
	Protected bool
}

// Update is a partial write. A nil field is left unchanged by the store,
// so only the fields that actually changed must be set.
type Update struct {
	Value     *string
	Protected *bool
}

// Empty reports whether u would change nothing.
func (u Update) Empty() bool {
	return u.Value == nil && u.Protected == nil
}

// Revision is one immutable row of a key's history log. ID is stable for a
// logical key across renames and moves.
type Revision struct {
	ID        int64
	Name      string
	Parent    int64
	Value     string
	Protected bool
	Override  string
	Datetime  time.Time
	Author    string
	Active    bool
}

// Client is the set of operations a key store offers.
type Client interface {
	Login(ctx context.Context, user, password string) (*Session, error)
	Logout(ctx context.Context, s *Session) error
	DefaultEnvironment(ctx context.Context, s *Session) (string, error)
	SetDefaultEnvironment(ctx context.Context, s *Session, env string) error

	ReadChildren(ctx context.Context, s *Session, env, path string) ([]Child, error)
	// ReadValue reads one variant when override is non-nil, otherwise the
	// value the store resolves for the session user.
	ReadValue(ctx context.Context, s *Session, env, path string, override *string) (Value, error)
	WriteValue(ctx context.Context, s *Session, env, path, override string, u Update) error
	DeleteKey(ctx context.Context, s *Session, env, path, override string) error
	ReadHistory(ctx context.Context, s *Session, env, path, override string) ([]Revision, error)

	CreateEnvironment(ctx context.Context, s *Session, env string) error
	ViewUsers(ctx context.Context, s *Session, env string) (map[string]Rights, error)
	ReadUser(ctx context.Context, s *Session, user string) (map[string]Rights, error)
	CreateUser(ctx context.Context, s *Session, user, password string) error
	DeleteUser(ctx context.Context, s *Session, user string) error
	GrantUser(ctx context.Context, s *Session, user, env string, rights Rights) error
	UpdatePassword(ctx context.Context, s *Session, password string) error
}

// Passhash is the digest sent in place of a cleartext password.
// An empty password has an empty hash.
func Passhash(password string) string {
	if password == "" {
		return ""
	}
	sum := md5.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}
