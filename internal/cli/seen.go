package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewSeenCommand creates the seen command.
func NewSeenCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "seen",
		Short:         "Mark every notification as seen",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := openClient(opts)
			if err != nil {
				return err
			}
			defer c.Close(cmd.ErrOrStderr())

			s, err := c.signIn(ctx)
			if err != nil {
				return err
			}
			in, err := c.openInbox(ctx, s.PrincipalID())
			if err != nil {
				return err
			}

			out := opts.formatter(cmd)
			unread := in.Unread()
			seenAt, err := in.MarkAllSeen(ctx).Wait(ctx)
			if err != nil {
				_ = out.Error(err)
				return WrapExitError(ExitFailure, "mark seen", err)
			}
			data := map[string]any{
				"cleared": unread,
				"seen_at": seenAt.Format(time.RFC3339Nano),
			}
			return out.Success(data, fmt.Sprintf("%d notification(s) marked seen", unread))
		},
	}
}
