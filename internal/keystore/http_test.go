package keystore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/cityhall/api"
)

type recorded struct {
	method string
	path   string
	query  string
	token  string
	body   string
}

// fakeServer replies to every request with the reply registered for
// "METHOD path", or a Failure envelope.
type fakeServer struct {
	mu      sync.Mutex
	replies map[string]any
	reqs    []recorded
}

func newFakeServer(t *testing.T) (*fakeServer, *HTTPClient) {
	t.Helper()
	fs := &fakeServer{replies: map[string]any{}}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(srv.URL+"/api", nil)
	require.NoError(t, err)
	return fs, c
}

func (fs *fakeServer) on(method, path string, reply any) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.replies[method+" "+path] = reply
}

func (fs *fakeServer) last() recorded {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.reqs[len(fs.reqs)-1]
}

func (fs *fakeServer) count() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.reqs)
}

func (fs *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	fs.mu.Lock()
	fs.reqs = append(fs.reqs, recorded{
		method: r.Method,
		path:   r.URL.Path,
		query:  r.URL.RawQuery,
		token:  r.Header.Get("Auth-Token"),
		body:   string(body),
	})
	reply, found := fs.replies[r.Method+" "+r.URL.Path]
	fs.mu.Unlock()

	if !found {
		reply = api.Envelope{Response: "Failure", Message: "no such route"}
	}
	if code, isCode := reply.(int); isCode {
		w.WriteHeader(code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

var okReply = api.Envelope{Response: api.ResponseOK}

func loggedIn(t *testing.T) (*fakeServer, *HTTPClient, *Session) {
	t.Helper()
	fs, c := newFakeServer(t)
	fs.on("POST", "/api/auth/", api.AuthReply{Envelope: okReply, Token: "tok-1"})
	fs.on("GET", "/api/auth/user/cityhall/default/", api.DefaultEnvReply{Envelope: okReply, Value: "dev"})
	s, err := c.Login(context.Background(), "cityhall", "")
	require.NoError(t, err)
	return fs, c, s
}

func TestHTTPClient_Login(t *testing.T) {
	fs, c := newFakeServer(t)
	fs.on("POST", "/api/auth/", api.AuthReply{Envelope: okReply, Token: "tok-1"})
	fs.on("GET", "/api/auth/user/alice/default/", api.DefaultEnvReply{Envelope: okReply, Value: "dev"})

	s, err := c.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, &Session{User: "alice", Token: "tok-1", Environment: "dev"}, s)

	fs.mu.Lock()
	auth := fs.reqs[0]
	fs.mu.Unlock()
	var req api.AuthRequest
	require.NoError(t, json.Unmarshal([]byte(auth.body), &req))
	assert.Equal(t, "alice", req.Username)
	assert.Equal(t, Passhash("secret"), req.Passhash)
	assert.Equal(t, "tok-1", fs.last().token)
}

func TestHTTPClient_LoginRefused(t *testing.T) {
	fs, c := newFakeServer(t)
	fs.on("POST", "/api/auth/", api.Envelope{Response: "Failure", Message: "Invalid username/password"})

	_, err := c.Login(context.Background(), "alice", "wrong")
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "Invalid username/password", re.Message)
}

func TestHTTPClient_NotAuthenticatedSendsNothing(t *testing.T) {
	fs, c := newFakeServer(t)
	ctx := context.Background()

	_, err := c.ReadChildren(ctx, nil, "auto", "/")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.ErrorIs(t, c.WriteValue(ctx, &Session{User: "x"}, "auto", "/a", "", Update{}), ErrNotAuthenticated)
	assert.ErrorIs(t, c.DeleteUser(ctx, nil, "bob"), ErrNotAuthenticated)
	assert.Equal(t, 0, fs.count())
}

func TestHTTPClient_ReadChildren(t *testing.T) {
	fs, c, s := loggedIn(t)
	fs.on("GET", "/api/env/dev/app/", api.ChildrenReply{
		Envelope: okReply,
		Path:     "/app/",
		Children: []api.Child{
			{Name: "port", Path: "/app/port/", Value: "80"},
			{Name: "port", Override: "alice", Path: "/app/port/", Value: "81", Protect: true},
		},
	})

	children, err := c.ReadChildren(context.Background(), s, "dev", "/app/")
	require.NoError(t, err)
	assert.Equal(t, []Child{
		{Name: "port", Path: "/app/port/", Value: "80"},
		{Name: "port", Override: "alice", Path: "/app/port/", Value: "81", Protected: true},
	}, children)
	assert.Equal(t, "viewchildren=true", fs.last().query)
	assert.Equal(t, "tok-1", fs.last().token)
}

func TestHTTPClient_WriteValueOmitsUnchangedFields(t *testing.T) {
	fs, c, s := loggedIn(t)
	fs.on("POST", "/api/env/dev/app/port", okReply)

	v := "8080"
	require.NoError(t, c.WriteValue(context.Background(), s, "dev", "/app/port", "alice", Update{Value: &v}))
	assert.JSONEq(t, `{"value":"8080"}`, fs.last().body)
	assert.Equal(t, "override=alice", fs.last().query)

	p := false
	require.NoError(t, c.WriteValue(context.Background(), s, "dev", "/app/port", "", Update{Protected: &p}))
	assert.JSONEq(t, `{"protect":false}`, fs.last().body)
}

func TestHTTPClient_ReadValue(t *testing.T) {
	fs, c, s := loggedIn(t)
	val, prot := "80", api.Flag(true)
	fs.on("GET", "/api/env/dev/app/port/", api.ValueReply{Envelope: okReply, Value: &val, Protect: &prot})

	v, err := c.ReadValue(context.Background(), s, "dev", "/app/port/", nil)
	require.NoError(t, err)
	assert.Equal(t, Value{Value: "80", Protected: true}, v)
	assert.Empty(t, fs.last().query)

	o := ""
	_, err = c.ReadValue(context.Background(), s, "dev", "/app/port/", &o)
	require.NoError(t, err)
	assert.Equal(t, "override=", fs.last().query)
}

func TestHTTPClient_ReadHistory(t *testing.T) {
	fs, c, s := loggedIn(t)
	at := time.Date(2015, 8, 26, 2, 10, 0, 0, time.UTC)
	fs.on("GET", "/api/env/dev/port/", api.HistoryReply{Envelope: okReply, History: []api.HistoryEntry{
		{ID: 4, Name: "port", Parent: 1, Value: "80", Datetime: api.Timestamp{Time: at}, Author: "cityhall", Active: true},
	}})

	revs, err := c.ReadHistory(context.Background(), s, "dev", "/port/", "")
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, int64(4), revs[0].ID)
	assert.True(t, revs[0].Datetime.Equal(at))
	assert.Equal(t, "override=&viewhistory=true", fs.last().query)
}

// The replies below are shaped like those of the SQL-backed server: flags
// are integers, datetimes carry no zone, history rows have no parent and
// hidden protected values are null.

func TestHTTPClient_ReadChildren_IntegerFlags(t *testing.T) {
	fs, c, s := loggedIn(t)
	fs.on("GET", "/api/env/dev/app/", map[string]any{
		"Response": "Ok",
		"path":     "/app/",
		"children": []any{
			map[string]any{"id": 7, "name": "port", "override": "", "path": "/app/port/", "value": "80", "protect": 0},
			map[string]any{"id": 9, "name": "secret", "override": "", "path": "/app/secret/", "value": nil, "protect": 1},
		},
	})

	children, err := c.ReadChildren(context.Background(), s, "dev", "/app/")
	require.NoError(t, err)
	assert.Equal(t, []Child{
		{Name: "port", Path: "/app/port/", Value: "80"},
		{Name: "secret", Path: "/app/secret/", Protected: true},
	}, children)
}

func TestHTTPClient_ReadValue_IntegerFlag(t *testing.T) {
	fs, c, s := loggedIn(t)
	fs.on("GET", "/api/env/dev/app/secret/", map[string]any{"Response": "Ok", "value": nil, "protect": 1})

	v, err := c.ReadValue(context.Background(), s, "dev", "/app/secret/", nil)
	require.NoError(t, err)
	assert.Equal(t, Value{Protected: true}, v)
}

func TestHTTPClient_ReadHistory_NaiveDatetimes(t *testing.T) {
	fs, c, s := loggedIn(t)
	fs.on("GET", "/api/env/dev/port/", map[string]any{
		"Response": "Ok",
		"History": []any{
			map[string]any{"id": 4, "name": "port", "value": "80", "protect": 0, "override": "",
				"datetime": "2015-08-26T02:10:00.123", "author": "cityhall", "active": 0},
			map[string]any{"id": 4, "name": "port", "value": nil, "protect": 1, "override": "",
				"datetime": "2015-08-26T02:11:00", "author": "cityhall", "active": 1},
			map[string]any{"id": 5, "name": "tmp", "value": "", "protect": false, "override": "alice",
				"datetime": nil, "author": "alice", "active": true},
		},
	})

	revs, err := c.ReadHistory(context.Background(), s, "dev", "/port/", "")
	require.NoError(t, err)
	require.Len(t, revs, 3)

	assert.True(t, time.Date(2015, 8, 26, 2, 10, 0, 123e6, time.UTC).Equal(revs[0].Datetime), revs[0].Datetime)
	assert.False(t, revs[0].Protected)
	assert.False(t, revs[0].Active)
	assert.Zero(t, revs[0].Parent)

	assert.True(t, time.Date(2015, 8, 26, 2, 11, 0, 0, time.UTC).Equal(revs[1].Datetime), revs[1].Datetime)
	assert.True(t, revs[1].Protected)
	assert.True(t, revs[1].Active)
	assert.Empty(t, revs[1].Value)

	assert.True(t, revs[2].Datetime.IsZero())
	assert.Equal(t, "alice", revs[2].Override)
}

func TestHTTPClient_ReadHistory_BadDatetime(t *testing.T) {
	fs, c, s := loggedIn(t)
	fs.on("GET", "/api/env/dev/port/", map[string]any{
		"Response": "Ok",
		"History":  []any{map[string]any{"id": 4, "name": "port", "datetime": "yesterday"}},
	})

	_, err := c.ReadHistory(context.Background(), s, "dev", "/port/", "")
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestHTTPClient_Failures(t *testing.T) {
	fs, c, s := loggedIn(t)
	ctx := context.Background()

	fs.on("DELETE", "/api/env/dev/a/", api.Envelope{Response: "Failure", Message: "Do not have write permissions to dev"})
	err := c.DeleteKey(ctx, s, "dev", "/a/", "")
	assert.Equal(t, KindRemote, KindOf(err))
	assert.Contains(t, err.Error(), "Do not have write permissions")

	fs.on("DELETE", "/api/env/dev/b/", http.StatusInternalServerError)
	err = c.DeleteKey(ctx, s, "dev", "/b/", "")
	assert.Equal(t, KindTransport, KindOf(err))

	fs.on("DELETE", "/api/env/dev/c/", "not an envelope")
	err = c.DeleteKey(ctx, s, "dev", "/c/", "")
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestHTTPClient_UsersAndRights(t *testing.T) {
	fs, c, s := loggedIn(t)
	ctx := context.Background()

	fs.on("GET", "/api/auth/env/dev/", api.UsersReply{Envelope: okReply, Users: map[string]int{"alice": 3}})
	users, err := c.ViewUsers(ctx, s, "dev")
	require.NoError(t, err)
	assert.Equal(t, map[string]Rights{"alice": RightsWrite}, users)

	fs.on("POST", "/api/auth/grant/", okReply)
	require.NoError(t, c.GrantUser(ctx, s, "alice", "dev", RightsGrant))
	assert.JSONEq(t, `{"env":"dev","user":"alice","rights":4}`, fs.last().body)

	fs.on("POST", "/api/auth/user/cityhall/default/", okReply)
	require.NoError(t, c.SetDefaultEnvironment(ctx, s, "prod"))
	assert.Equal(t, "prod", s.Environment)

	fs.on("DELETE", "/api/auth/", okReply)
	require.NoError(t, c.Logout(ctx, s))
	assert.False(t, s.Authenticated())
}
