// Package api holds the JSON shapes exchanged with a City Hall server.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ResponseOK is the Response value of every successful reply.
const ResponseOK = "Ok"

// Envelope is the part shared by every reply.
type Envelope struct {
	// Response is "Ok" on success, "Failure" otherwise.
	Response string `json:"Response"`
	// Message explains a failure (and occasionally a success).
	Message string `json:"Message,omitempty"`
}

// OK reports whether the server accepted the request.
func (e Envelope) OK() bool { return e.Response == ResponseOK }

// AuthRequest is posted to auth/ to open a session.
type AuthRequest struct {
	Username string `json:"username"`
	Passhash string `json:"passhash"`
}

// AuthReply carries the session token.
type AuthReply struct {
	Envelope
	Token string `json:"Token,omitempty"`
}

// Child is one entry of a viewchildren reply.
type Child struct {
	ID       int64  `json:"id,omitempty"`
	Name     string `json:"name"`
	Override string `json:"override"`
	// Path is the child's sanitized path, always ending in '/'.
	Path    string `json:"path"`
	Value   string `json:"value"`
	Protect Flag   `json:"protect"`
}

// ChildrenReply answers GET env/<env><path>?viewchildren=true.
type ChildrenReply struct {
	Envelope
	Path     string  `json:"path,omitempty"`
	Children []Child `json:"children"`
}

// ValueReply answers GET env/<env><path>.
type ValueReply struct {
	Envelope
	Value   *string `json:"value"`
	Protect *Flag   `json:"protect"`
}

// ValueWrite is posted to env/<env><path>?override=o.
// A nil field is left unchanged by the server.
type ValueWrite struct {
	Value   *string `json:"value,omitempty"`
	Protect *bool   `json:"protect,omitempty"`
}

// HistoryEntry is one stored revision.
type HistoryEntry struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Parent   int64     `json:"parent"`
	Value    string    `json:"value"`
	Protect  Flag      `json:"protect"`
	Override string    `json:"override"`
	Datetime Timestamp `json:"datetime"`
	Author   string    `json:"author"`
	Active   Flag      `json:"active"`
}

// HistoryReply answers GET env/<env><path>?viewhistory=true.
type HistoryReply struct {
	Envelope
	History []HistoryEntry `json:"History"`
}

// DefaultEnvReply answers GET auth/user/<user>/default/.
type DefaultEnvReply struct {
	Envelope
	Value string `json:"value"`
}

// DefaultEnvWrite is posted to auth/user/<user>/default/.
type DefaultEnvWrite struct {
	Env string `json:"env"`
}

// UserReply answers GET auth/user/<user>/ with environment → rights.
type UserReply struct {
	Envelope
	Environments map[string]int `json:"Environments"`
}

// UsersReply answers GET auth/env/<env>/ with user → rights.
type UsersReply struct {
	Envelope
	Users map[string]int `json:"Users"`
}

// PasshashWrite creates a user or changes a password.
type PasshashWrite struct {
	Passhash string `json:"passhash"`
}

// GrantRequest is posted to auth/grant/.
type GrantRequest struct {
	Env    string `json:"env"`
	User   string `json:"user"`
	Rights int    `json:"rights"`
}

// Flag is a boolean that SQL-backed servers send as the stored integer.
// It decodes true, false, null and any number; non-zero is true.
type Flag bool

func (f Flag) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(f))
}

func (f *Flag) UnmarshalJSON(b []byte) error {
	switch s := string(bytes.TrimSpace(b)); s {
	case "true":
		*f = true
	case "false", "null":
		*f = false
	default:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("flag: %s is neither a bool nor a number", s)
		}
		*f = n != 0
	}
	return nil
}

// timestampLayouts are tried in order. Servers that store naive datetimes
// send them without an offset; those are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp is a revision time as the server writes it.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == nil || *s == "" {
		t.Time = time.Time{}
		return nil
	}
	pt, err := ParseTimestamp(*s)
	if err != nil {
		return err
	}
	t.Time = pt
	return nil
}

// ParseTimestamp reads s with or without a zone offset.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp: cannot parse %q", s)
}
