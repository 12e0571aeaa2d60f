package keystore

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Instrumented records call counts and latencies of another Client.
type Instrumented struct {
	next    Client
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var _ Client = (*Instrumented)(nil)

// NewInstrumented wraps next and registers its collectors with reg.
func NewInstrumented(next Client, reg prometheus.Registerer) (*Instrumented, error) {
	in := &Instrumented{
		next: next,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cityhall_client_calls_total",
			Help: "Key-store calls by operation and outcome",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cityhall_client_call_duration_seconds",
			Help:    "Key-store call latency by operation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"op"}),
	}
	for _, c := range []prometheus.Collector{in.calls, in.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return in, nil
}

func (in *Instrumented) observe(op string, start time.Time, err error) {
	in.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	in.calls.WithLabelValues(op, KindOf(err).String()).Inc()
}

func (in *Instrumented) Login(ctx context.Context, user, password string) (s *Session, err error) {
	defer func(start time.Time) { in.observe("login", start, err) }(time.Now())
	return in.next.Login(ctx, user, password)
}

func (in *Instrumented) Logout(ctx context.Context, s *Session) (err error) {
	defer func(start time.Time) { in.observe("logout", start, err) }(time.Now())
	return in.next.Logout(ctx, s)
}

func (in *Instrumented) DefaultEnvironment(ctx context.Context, s *Session) (env string, err error) {
	defer func(start time.Time) { in.observe("default_environment", start, err) }(time.Now())
	return in.next.DefaultEnvironment(ctx, s)
}

func (in *Instrumented) SetDefaultEnvironment(ctx context.Context, s *Session, env string) (err error) {
	defer func(start time.Time) { in.observe("set_default_environment", start, err) }(time.Now())
	return in.next.SetDefaultEnvironment(ctx, s, env)
}

func (in *Instrumented) ReadChildren(ctx context.Context, s *Session, env, path string) (out []Child, err error) {
	defer func(start time.Time) { in.observe("read_children", start, err) }(time.Now())
	return in.next.ReadChildren(ctx, s, env, path)
}

func (in *Instrumented) ReadValue(ctx context.Context, s *Session, env, path string, override *string) (v Value, err error) {
	defer func(start time.Time) { in.observe("read_value", start, err) }(time.Now())
	return in.next.ReadValue(ctx, s, env, path, override)
}

func (in *Instrumented) WriteValue(ctx context.Context, s *Session, env, path, override string, u Update) (err error) {
	defer func(start time.Time) { in.observe("write_value", start, err) }(time.Now())
	return in.next.WriteValue(ctx, s, env, path, override, u)
}

func (in *Instrumented) DeleteKey(ctx context.Context, s *Session, env, path, override string) (err error) {
	defer func(start time.Time) { in.observe("delete_key", start, err) }(time.Now())
	return in.next.DeleteKey(ctx, s, env, path, override)
}

func (in *Instrumented) ReadHistory(ctx context.Context, s *Session, env, path, override string) (out []Revision, err error) {
	defer func(start time.Time) { in.observe("read_history", start, err) }(time.Now())
	return in.next.ReadHistory(ctx, s, env, path, override)
}

func (in *Instrumented) CreateEnvironment(ctx context.Context, s *Session, env string) (err error) {
	defer func(start time.Time) { in.observe("create_environment", start, err) }(time.Now())
	return in.next.CreateEnvironment(ctx, s, env)
}

func (in *Instrumented) ViewUsers(ctx context.Context, s *Session, env string) (out map[string]Rights, err error) {
	defer func(start time.Time) { in.observe("view_users", start, err) }(time.Now())
	return in.next.ViewUsers(ctx, s, env)
}

func (in *Instrumented) ReadUser(ctx context.Context, s *Session, user string) (out map[string]Rights, err error) {
	defer func(start time.Time) { in.observe("read_user", start, err) }(time.Now())
	return in.next.ReadUser(ctx, s, user)
}

func (in *Instrumented) CreateUser(ctx context.Context, s *Session, user, password string) (err error) {
	defer func(start time.Time) { in.observe("create_user", start, err) }(time.Now())
	return in.next.CreateUser(ctx, s, user, password)
}

func (in *Instrumented) DeleteUser(ctx context.Context, s *Session, user string) (err error) {
	defer func(start time.Time) { in.observe("delete_user", start, err) }(time.Now())
	return in.next.DeleteUser(ctx, s, user)
}

func (in *Instrumented) GrantUser(ctx context.Context, s *Session, user, env string, rights Rights) (err error) {
	defer func(start time.Time) { in.observe("grant_user", start, err) }(time.Now())
	return in.next.GrantUser(ctx, s, user, env, rights)
}

func (in *Instrumented) UpdatePassword(ctx context.Context, s *Session, password string) (err error) {
	defer func(start time.Time) { in.observe("update_password", start, err) }(time.Now())
	return in.next.UpdatePassword(ctx, s, password)
}
