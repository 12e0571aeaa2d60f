package keystore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/agentic-research/cityhall/api"
	"github.com/golang/glog"
)

// HTTPClient talks to a City Hall server over its REST API.
type HTTPClient struct {
	base *url.URL
	http *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a client for the server rooted at baseURL. A nil hc
// gets a fresh http.Client with a cookie jar, since the server tracks the
// session by cookie as well as by token.
func NewHTTPClient(baseURL string, hc *http.Client) (*HTTPClient, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", baseURL, err)
	}
	if hc == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		hc = &http.Client{Jar: jar}
	}
	return &HTTPClient{base: u, http: hc}, nil
}

// do sends one request and decodes the reply into out. The envelope is
// decoded first; anything other than Response "Ok" is a RemoteError.
func (c *HTTPClient) do(ctx context.Context, s *Session, op, method, rel string, query url.Values, body, out any) error {
	u := c.base.ResolveReference(&url.URL{Path: rel})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s != nil && s.Token != "" {
		req.Header.Set("Auth-Token", s.Token)
	}

	glog.V(2).Infof("%s %s", method, u.Redacted())
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Op: op, Err: fmt.Errorf("status %s", resp.Status)}
	}

	var env api.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decode reply: %w", err)}
	}
	if !env.OK() {
		msg := env.Message
		if msg == "" {
			msg = "request failed"
		}
		return &RemoteError{Op: op, Message: msg}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("decode reply: %w", err)}
		}
	}
	return nil
}

func envPath(env, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "env/" + env + path
}

func overrideQuery(override string) url.Values {
	return url.Values{"override": {override}}
}

// Login opens a session and fetches the user's default environment.
func (c *HTTPClient) Login(ctx context.Context, user, password string) (*Session, error) {
	var reply api.AuthReply
	req := api.AuthRequest{Username: user, Passhash: Passhash(password)}
	if err := c.do(ctx, nil, "login", http.MethodPost, "auth/", nil, req, &reply); err != nil {
		return nil, err
	}
	s := &Session{User: user, Token: reply.Token}
	if s.Token == "" {
		// Cookie-only servers issue no token; the jar carries the session.
		s.Token = "cookie"
	}
	glog.Infof("logged in as %s", user)

	env, err := c.DefaultEnvironment(ctx, s)
	if err != nil {
		return nil, err
	}
	s.Environment = env
	glog.V(1).Infof("default environment: %s", env)
	return s, nil
}

func (c *HTTPClient) Logout(ctx context.Context, s *Session) error {
	if err := RequireSession(s); err != nil {
		return err
	}
	if err := c.do(ctx, s, "logout", http.MethodDelete, "auth/", nil, nil, nil); err != nil {
		return err
	}
	*s = Session{}
	return nil
}

func (c *HTTPClient) DefaultEnvironment(ctx context.Context, s *Session) (string, error) {
	if err := RequireSession(s); err != nil {
		return "", err
	}
	var reply api.DefaultEnvReply
	if err := c.do(ctx, s, "default environment", http.MethodGet, "auth/user/"+s.User+"/default/", nil, nil, &reply); err != nil {
		return "", err
	}
	return reply.Value, nil
}

func (c *HTTPClient) SetDefaultEnvironment(ctx context.Context, s *Session, env string) error {
	if err := RequireSession(s); err != nil {
		return err
	}
	body := api.DefaultEnvWrite{Env: env}
	if err := c.do(ctx, s, "set default environment", http.MethodPost, "auth/user/"+s.User+"/default/", nil, body, nil); err != nil {
		return err
	}
	s.Environment = env
	return nil
}

func (c *HTTPClient) ReadChildren(ctx context.Context, s *Session, env, path string) ([]Child, error) {
	if err := RequireSession(s); err != nil {
		return nil, err
	}
	var reply api.ChildrenReply
	q := url.Values{"viewchildren": {"true"}}
	if err := c.do(ctx, s, "read children", http.MethodGet, envPath(env, path), q, nil, &reply); err != nil {
		return nil, err
	}
	out := make([]Child, 0, len(reply.Children))
	for _, ch := range reply.Children {
		out = append(out, Child{
			Name:      ch.Name,
			Override:  ch.Override,
			Path:      ch.Path,
			Value:     ch.Value,
			Protected: bool(ch.Protect),
		})
	}
	return out, nil
}

func (c *HTTPClient) ReadValue(ctx context.Context, s *Session, env, path string, override *string) (Value, error) {
	if err := RequireSession(s); err != nil {
		return Value{}, err
	}
	var q url.Values
	if override != nil {
		q = overrideQuery(*override)
	}
	var reply api.ValueReply
	if err := c.do(ctx, s, "read value", http.MethodGet, envPath(env, path), q, nil, &reply); err != nil {
		return Value{}, err
	}
	var v Value
	if reply.Value != nil {
		v.Value = *reply.Value
	}
	if reply.Protect != nil {
		v.Protected = bool(*reply.Protect)
	}
	return v, nil
}

func (c *HTTPClient) WriteValue(ctx context.Context, s *Session, env, path, override string, u Update) error {
	if err := RequireSession(s); err != nil {
		return err
	}
	body := api.ValueWrite{Value: u.Value, Protect: u.Protected}
	return c.do(ctx, s, "write value", http.MethodPost, envPath(env, path), overrideQuery(override), body, nil)
}

func (c *HTTPClient) DeleteKey(ctx context.Context, s *Session, env, path, override string) error {
	if err := RequireSession(s); err != nil {
		return err
	}
	return c.do(ctx, s, "delete key", http.MethodDelete, envPath(env, path), overrideQuery(override), nil, nil)
}

func (c *HTTPClient) ReadHistory(ctx context.Context, s *Session, env, path, override string) ([]Revision, error) {
	if err := RequireSession(s); err != nil {
		return nil, err
	}
	q := overrideQuery(override)
	q.Set("viewhistory", "true")
	var reply api.HistoryReply
	if err := c.do(ctx, s, "read history", http.MethodGet, envPath(env, path), q, nil, &reply); err != nil {
		return nil, err
	}
	out := make([]Revision, 0, len(reply.History))
	for _, h := range reply.History {
		out = append(out, Revision{
			ID:        h.ID,
			Name:      h.Name,
			Parent:    h.Parent,
			Value:     h.Value,
			Protected: bool(h.Protect),
			Override:  h.Override,
			Datetime:  h.Datetime.Time,
			Author:    h.Author,
			Active:    bool(h.Active),
		})
	}
	return out, nil
}

func (c *HTTPClient) CreateEnvironment(ctx context.Context, s *Session, env string) error {
	if err := RequireSession(s); err != nil {
		return err
	}
	return c.do(ctx, s, "create environment", http.MethodPost, "auth/env/"+env+"/", nil, nil, nil)
}

func (c *HTTPClient) ViewUsers(ctx context.Context, s *Session, env string) (map[string]Rights, error) {
	if err := RequireSession(s); err != nil {
		return nil, err
	}
	var reply api.UsersReply
	if err := c.do(ctx, s, "view users", http.MethodGet, "auth/env/"+env+"/", nil, nil, &reply); err != nil {
		return nil, err
	}
	return toRights(reply.Users), nil
}

func (c *HTTPClient) ReadUser(ctx context.Context, s *Session, user string) (map[string]Rights, error) {
	if err := RequireSession(s); err != nil {
		return nil, err
	}
	var reply api.UserReply
	if err := c.do(ctx, s, "read user", http.MethodGet, "auth/user/"+user+"/", nil, nil, &reply); err != nil {
		return nil, err
	}
	return toRights(reply.Environments), nil
}

func (c *HTTPClient) CreateUser(ctx context.Context, s *Session, user, password string) error {
	if err := RequireSession(s); err != nil {
		return err
	}
	body := api.PasshashWrite{Passhash: Passhash(password)}
	return c.do(ctx, s, "create user", http.MethodPost, "auth/user/"+user+"/", nil, body, nil)
}

func (c *HTTPClient) DeleteUser(ctx context.Context, s *Session, user string) error {
	if err := RequireSession(s); err != nil {
		return err
	}
	return c.do(ctx, s, "delete user", http.MethodDelete, "auth/user/"+user+"/", nil, nil, nil)
}

func (c *HTTPClient) GrantUser(ctx context.Context, s *Session, user, env string, rights Rights) error {
	if err := RequireSession(s); err != nil {
		return err
	}
	body := api.GrantRequest{Env: env, User: user, Rights: int(rights)}
	return c.do(ctx, s, "grant", http.MethodPost, "auth/grant/", nil, body, nil)
}

func (c *HTTPClient) UpdatePassword(ctx context.Context, s *Session, password string) error {
	if err := RequireSession(s); err != nil {
		return err
	}
	body := api.PasshashWrite{Passhash: Passhash(password)}
	return c.do(ctx, s, "update password", http.MethodPut, "auth/user/"+s.User+"/", nil, body, nil)
}

func toRights(m map[string]int) map[string]Rights {
	out := make(map[string]Rights, len(m))
	for k, v := range m {
		out[k] = Rights(v)
	}
	return out
}
