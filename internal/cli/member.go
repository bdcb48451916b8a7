package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/optisync/internal/session"
)

// NewMemberCommand creates the member command group.
func NewMemberCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "List members and manage roles",
	}
	cmd.AddCommand(newMemberListCommand(opts), newMemberRoleCommand(opts))
	return cmd
}

func newMemberListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "ls",
		Short:         "List member profiles",
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

			profiles, err := c.remote.ListProfiles(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "list profiles", err)
			}
			return opts.formatter(cmd).Success(profiles, renderProfiles(profiles))
		},
	}
}

func newMemberRoleCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "role <member> <role>",
		Short: "Change a member's role",
		Long: `Change a member's role (lead, manager or member).

Requires the member.manage capability. While the board has no lead, any
signed-in principal may appoint one.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			role, err := session.ParseRole(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "role", err)
			}

			c, err := openClient(opts)
			if err != nil {
				return err
			}
			defer c.Close(cmd.ErrOrStderr())

			s, err := c.signIn(ctx)
			if err != nil {
				return err
			}

			out := opts.formatter(cmd)
			if err := s.Authorize("member.role", session.CapMemberManage); err != nil {
				bootstrap, lerr := noLead(c, cmd)
				if lerr != nil {
					return lerr
				}
				if !bootstrap || role != session.RoleLead || !s.Ready() {
					_ = out.Error(err)
					return WrapExitError(ExitFailure, "unauthorized", err)
				}
				c.logger.Info("appointing first lead", "principal", s.PrincipalID())
			}

			p, err := c.remote.SetRole(ctx, memberID(args[0]), role)
			if err != nil {
				_ = out.Error(err)
				return WrapExitError(ExitFailure, "set role", err)
			}
			return out.Success(p, fmt.Sprintf("%s (%s) is now %s", p.Name, p.ID, p.Role))
		},
	}
}

func noLead(c *client, cmd *cobra.Command) (bool, error) {
	profiles, err := c.remote.ListProfiles(cmd.Context())
	if err != nil {
		return false, WrapExitError(ExitCommandError, "list profiles", err)
	}
	for _, p := range profiles {
		if p.Role == session.RoleLead {
			return false, nil
		}
	}
	return true, nil
}

func renderProfiles(profiles []session.Profile) string {
	if len(profiles) == 0 {
		return "No members."
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLE\tNAME")
	for _, p := range profiles {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Role, p.Name)
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}
