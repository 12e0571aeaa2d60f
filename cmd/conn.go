package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agentic-research/cityhall/internal/config"
	"github.com/agentic-research/cityhall/internal/keystore"
	"github.com/agentic-research/cityhall/internal/store"
	"github.com/agentic-research/cityhall/internal/tree"
)

// conn is one logged-in session against the configured store.
type conn struct {
	client  keystore.Client
	session *keystore.Session
	env     string
	closer  func() error
}

func (c *conn) model() *tree.Model {
	return tree.NewModel(c.client, c.session)
}

func (c *conn) Close(ctx context.Context) error {
	var errs []error
	if c.session.Authenticated() {
		errs = append(errs, c.client.Logout(ctx, c.session))
	}
	if c.closer != nil {
		errs = append(errs, c.closer())
	}
	return errors.Join(errs...)
}

// loadConfig reads the config file and lays the persistent flags over it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, required := cfgPath, cfgPath != ""
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path, required)
	if err != nil {
		return nil, err
	}

	if serverURL != "" {
		cfg.URL, cfg.Store = serverURL, nil
	}
	if storeDriver != "" {
		cfg.URL = ""
		cfg.Store = &config.Store{Driver: storeDriver, DSN: storeDSN}
	}
	if userName != "" {
		cfg.User = userName
	}
	if envName != "" {
		cfg.Environment = envName
	}
	if cmd.Flags().Changed("password") {
		cfg.Password = password
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openClient(ctx context.Context, cfg *config.Config) (keystore.Client, func() error, error) {
	if cfg.Store == nil {
		if cfg.URL == "" {
			return nil, nil, errors.New("no store configured: set url or a store block in the config file, or pass --url or --store")
		}
		c, err := keystore.NewHTTPClient(cfg.URL, nil)
		return c, nil, err
	}

	var b store.Backend
	switch cfg.Store.Driver {
	case config.DriverMemory:
		b = store.NewMemoryBackend()
	default:
		sb, err := store.OpenSQL(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		b = sb
	}
	st := store.New(b)
	if err := st.Bootstrap(ctx); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("bootstrap store: %w", err)
	}
	glog.V(1).Infof("using in-process %s store", cfg.Store.Driver)
	return store.NewLocalClient(st), st.Close, nil
}

// dial opens the configured store and logs in. wrap, when set, decorates
// the client before login.
func dial(cmd *cobra.Command, wrap func(keystore.Client) (keystore.Client, error)) (*conn, error) {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	client, closer, err := openClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*conn, error) {
		if closer != nil {
			_ = closer()
		}
		return nil, err
	}
	if wrap != nil {
		if client, err = wrap(client); err != nil {
			return fail(err)
		}
	}

	pw := cfg.Password
	if pw == "" && cfg.Store == nil && term.IsTerminal(int(os.Stdin.Fd())) {
		if pw, err = readPassword(fmt.Sprintf("Password for %s: ", cfg.User)); err != nil {
			return fail(err)
		}
	}
	s, err := client.Login(ctx, cfg.User, pw)
	if err != nil {
		return fail(fmt.Errorf("login as %s: %w", cfg.User, err))
	}

	env := cfg.Environment
	if env == "" {
		env = s.Environment
	}
	return &conn{client: client, session: s, env: env, closer: closer}, nil
}

// withConn runs fn with a fresh connection and closes it afterwards.
func withConn(cmd *cobra.Command, fn func(ctx context.Context, c *conn) error) error {
	c, err := dial(cmd, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(context.Background()); err != nil {
			glog.Warningf("close session: %v", err)
		}
	}()
	return fn(cmd.Context(), c)
}

func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no password given and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}
