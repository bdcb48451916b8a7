package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/optisync/internal/board"
	"github.com/roach88/optisync/internal/optimistic"
	"github.com/roach88/optisync/internal/session"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	For time.Duration
}

// watchLine is one JSON line of watch output.
type watchLine struct {
	Source  string `json:"source"`
	Version int64  `json:"version,omitempty"`
	Tasks   int    `json:"tasks,omitempty"`
	Unread  *int   `json:"unread,omitempty"`
	Status  string `json:"status,omitempty"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the board and inbox as they change",
		Long: `Open the board and the inbox and print a line for every change,
local or remote, until interrupted or until --for elapses.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.For, "for", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions) error {
	ctx := cmd.Context()
	c, err := openClient(opts.RootOptions)
	if err != nil {
		return err
	}
	defer c.Close(cmd.ErrOrStderr())

	s, err := c.signIn(ctx)
	if err != nil {
		return err
	}
	b, err := c.openBoard(ctx)
	if err != nil {
		return err
	}
	in, err := c.openInbox(ctx, s.PrincipalID())
	if err != nil {
		return err
	}

	// The initial lines go out before any watcher is registered; after that
	// only the loop goroutine writes.
	emit := printer(cmd.OutOrStdout(), opts.Format)
	emit(watchLine{Source: "board", Version: b.Collection().Snapshot().Version, Tasks: len(b.Tasks())})
	unread := in.Unread()
	emit(watchLine{Source: "inbox", Unread: &unread})

	cancelBoard := b.Collection().Watch(func(snap optimistic.Snapshot[board.Task]) {
		emit(watchLine{Source: "board", Version: snap.Version, Tasks: len(snap.Items)})
	})
	defer cancelBoard()
	cancelInbox := in.Collection().Watch(func(optimistic.Snapshot[board.Notification]) {
		n := in.Unread()
		emit(watchLine{Source: "inbox", Unread: &n})
	})
	defer cancelInbox()
	cancelSession := c.sessions.Watch(func(s session.Session) {
		emit(watchLine{Source: "session", Status: s.Status.String()})
	})
	defer cancelSession()

	if opts.For > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.For)
		defer cancel()
	}
	<-ctx.Done()
	return nil
}

func printer(w io.Writer, format string) func(watchLine) {
	if format == "json" {
		enc := json.NewEncoder(w)
		return func(l watchLine) { _ = enc.Encode(l) }
	}
	return func(l watchLine) {
		switch l.Source {
		case "board":
			fmt.Fprintf(w, "board   v%d  %d task(s)\n", l.Version, l.Tasks)
		case "inbox":
			fmt.Fprintf(w, "inbox   %d unread\n", *l.Unread)
		default:
			fmt.Fprintf(w, "session %s\n", l.Status)
		}
	}
}
