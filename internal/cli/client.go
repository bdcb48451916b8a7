package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/roach88/optisync/internal/board"
	"github.com/roach88/optisync/internal/identity"
	"github.com/roach88/optisync/internal/loop"
	"github.com/roach88/optisync/internal/metrics"
	"github.com/roach88/optisync/internal/session"
	"github.com/roach88/optisync/internal/store"
)

// client is one process's view of the board: a loop, the authority, the
// local identity provider and the session manager.
type client struct {
	opts     *RootOptions
	logger   *slog.Logger
	metrics  *metrics.Metrics
	lp       *loop.Loop
	stopLoop func()
	store    *store.Store
	local    *store.Store
	remote   *board.Remote
	idp      *identity.Local
	sessions *session.Manager
	closers  []func()
}

func openClient(opts *RootOptions) (*client, error) {
	cfg := opts.Config
	st, err := store.Open(cfg.Store.Path,
		store.WithPollInterval(cfg.Store.PollInterval),
		store.WithLogger(opts.Logger),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open authority database", err)
	}

	lp := loop.New(loop.WithLogger(opts.Logger))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = lp.Run(ctx)
	}()

	m := metrics.New()
	idp := identity.NewLocal(identity.WithLogger(opts.Logger))
	c := &client{
		opts:     opts,
		logger:   opts.Logger,
		metrics:  m,
		lp:       lp,
		stopLoop: func() { cancel(); <-done },
		store:    st,
		remote:   board.NewRemote(st),
		idp:      idp,
	}
	c.sessions = session.NewManager(lp, idp, c.remote,
		session.WithLogger(opts.Logger),
		session.WithMetrics(m),
		session.WithResolveTimeout(cfg.Session.ResolveTimeout),
	)
	return c, nil
}

// Close releases everything in reverse order of acquisition.
func (c *client) Close(stderr io.Writer) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.sessions.Close()
	c.stopLoop()
	if c.local != nil {
		c.local.Close()
	}
	c.store.Close()
	if c.opts.Metrics {
		c.dumpMetrics(stderr)
	}
}

// signIn signs in as --email and waits for the session to settle.
func (c *client) signIn(ctx context.Context) (session.Session, error) {
	if c.opts.Email == "" {
		return session.Session{}, NewExitError(ExitCommandError, "--email is required")
	}
	if _, err := c.idp.SignIn(c.opts.Email, nil); err != nil {
		return session.Session{}, WrapExitError(ExitCommandError, "sign in", err)
	}
	if err := c.sessions.Start(ctx); err != nil {
		return session.Session{}, err
	}
	s, err := c.sessions.Resolve(ctx)
	if err != nil {
		return s, err
	}
	if s.Degraded() {
		c.logger.Warn("profile unavailable; running with member capabilities", "principal", s.PrincipalID())
	}
	return s, nil
}

func (c *client) boardOptions() ([]board.Option, error) {
	serialization, err := c.opts.Config.Serialization()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "config", err)
	}
	return []board.Option{
		board.WithLogger(c.logger),
		board.WithMetrics(c.metrics),
		board.WithSerialization(serialization),
		board.WithNotificationFilter(c.opts.Config.Realtime.NotificationFilter),
	}, nil
}

// openBoard opens the board and waits until the initial load is visible.
func (c *client) openBoard(ctx context.Context) (*board.Board, error) {
	opts, err := c.boardOptions()
	if err != nil {
		return nil, err
	}
	b, err := board.Open(ctx, c.lp, c.remote, c.store, c.sessions, opts...)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, b.Close)
	if err := c.lp.Sync(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *client) openInbox(ctx context.Context, principalID string) (*board.Inbox, error) {
	if c.local == nil {
		local, err := store.Open(c.opts.Config.Local.Path, store.WithLogger(c.logger))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "open local database", err)
		}
		c.local = local
	}
	opts, err := c.boardOptions()
	if err != nil {
		return nil, err
	}
	in, err := board.OpenInbox(ctx, c.lp, c.remote, c.store, c.local, principalID, opts...)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, in.Close)
	if err := c.lp.Sync(ctx); err != nil {
		return nil, err
	}
	return in, nil
}

// memberID accepts a principal ID or an email address.
func memberID(s string) string {
	if strings.Contains(s, "@") {
		return identity.PrincipalID(s)
	}
	return s
}

// dumpMetrics prints every counter and gauge sample, sorted.
func (c *client) dumpMetrics(w io.Writer) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		c.logger.Warn("gather metrics", "error", err)
		return
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			value := m.GetCounter().GetValue()
			if m.GetGauge() != nil {
				value = m.GetGauge().GetValue()
			}
			lines = append(lines, fmt.Sprintf("%s{%s} %g", mf.GetName(), strings.Join(labels, ","), value))
		}
	}
	sort.Strings(lines)
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}
