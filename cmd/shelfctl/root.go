package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"shelfsync/internal/clients"
	"shelfsync/internal/gateway"
)

var errNotLoggedIn = errors.New("not logged in: run shelfctl login or pass --token")

type cli struct {
	in        io.Reader
	out       io.Writer
	server    string
	token     string
	tokenFile string
	timeout   time.Duration
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	c := &cli{in: in, out: out}
	if f, ok := in.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		c.in = bufio.NewReader(in)
	}

	root := &cobra.Command{
		Use:           "shelfctl",
		Short:         "Command line client for the ShelfSync gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&c.server, "server", envOr("SHELFSYNC_SERVER", "http://localhost:8080"), "gateway base URL")
	flags.StringVar(&c.token, "token", os.Getenv("SHELFSYNC_TOKEN"), "session token (defaults to the saved one)")
	flags.StringVar(&c.tokenFile, "token-file", defaultTokenFile(), "where login saves the session token")
	flags.DurationVar(&c.timeout, "timeout", 10*time.Second, "per-command request timeout")

	root.AddCommand(
		c.loginCmd(), c.logoutCmd(), c.registerCmd(), c.profileCmd(), c.passwdCmd(), c.paymentsCmd(),
		c.searchCmd(), c.bookCmd(), c.copiesCmd(),
		c.cartCmd(), c.checkoutCmd(), c.borrowedCmd(), c.historyCmd(), c.dashboardCmd(),
		c.issueCmd(), c.returnCmd(), c.overdueCmd(), c.kpisCmd(), c.auditCmd(),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".shelfsync-token"
	}
	return filepath.Join(dir, "shelfsync", "token")
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.timeout)
}

// session returns the token from --token, SHELFSYNC_TOKEN or the token file, in that order.
func (c *cli) session() (string, error) {
	if c.token != "" {
		return c.token, nil
	}
	raw, err := os.ReadFile(c.tokenFile)
	if errors.Is(err, os.ErrNotExist) {
		return "", errNotLoggedIn
	}
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", errNotLoggedIn
	}
	return token, nil
}

func (c *cli) saveSession(token string) error {
	if err := os.MkdirAll(filepath.Dir(c.tokenFile), 0o700); err != nil {
		return err
	}
	return os.WriteFile(c.tokenFile, []byte(token+"\n"), 0o600)
}

func (c *cli) base(prefix string) string {
	return strings.TrimRight(c.server, "/") + prefix
}

func (c *cli) authed() ([]clients.Option, error) {
	token, err := c.session()
	if err != nil {
		return nil, err
	}
	return []clients.Option{clients.WithToken(token)}, nil
}

func (c *cli) circulation() (*clients.CirculationClient, error) {
	opts, err := c.authed()
	if err != nil {
		return nil, err
	}
	return clients.NewCirculationClient(c.base(gateway.PrefixCirculation), opts...), nil
}

func (c *cli) catalog(authenticated bool) (*clients.CatalogClient, error) {
	if !authenticated {
		return clients.NewCatalogClient(c.base(gateway.PrefixCatalog)), nil
	}
	opts, err := c.authed()
	if err != nil {
		return nil, err
	}
	return clients.NewCatalogClient(c.base(gateway.PrefixCatalog), opts...), nil
}

func (c *cli) membership(authenticated bool) (*clients.MembershipClient, error) {
	if !authenticated {
		return clients.NewMembershipClient(c.base(gateway.PrefixMembership)), nil
	}
	opts, err := c.authed()
	if err != nil {
		return nil, err
	}
	return clients.NewMembershipClient(c.base(gateway.PrefixMembership), opts...), nil
}

func (c *cli) print(v any) error {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
