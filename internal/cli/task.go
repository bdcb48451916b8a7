package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/optisync/internal/board"
	"github.com/roach88/optisync/internal/optimistic"
)

// NewTaskCommand creates the task command group.
func NewTaskCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, change and list tasks",
	}
	cmd.AddCommand(
		taskMutation(opts, "add <title>", "Add a task", cobra.MinimumNArgs(1),
			func(ctx context.Context, b *board.Board, args []string) (*optimistic.Mutation[board.Task], error) {
				return b.Add(ctx, strings.Join(args, " "))
			}),
		taskMutation(opts, "status <id> <status>", "Move a task to todo, in_progress or done", cobra.ExactArgs(2),
			func(ctx context.Context, b *board.Board, args []string) (*optimistic.Mutation[board.Task], error) {
				return b.SetStatus(ctx, args[0], board.TaskStatus(args[1]))
			}),
		taskMutation(opts, "assign <id> <member>", "Assign a task to a member ID or email (\"\" unassigns)", cobra.ExactArgs(2),
			func(ctx context.Context, b *board.Board, args []string) (*optimistic.Mutation[board.Task], error) {
				return b.Assign(ctx, args[0], memberID(args[1]))
			}),
		taskMutation(opts, "rm <id>", "Remove a task", cobra.ExactArgs(1),
			func(ctx context.Context, b *board.Board, args []string) (*optimistic.Mutation[board.Task], error) {
				return b.Remove(ctx, args[0])
			}),
		newTaskListCommand(opts),
	)
	return cmd
}

type mutateFunc func(ctx context.Context, b *board.Board, args []string) (*optimistic.Mutation[board.Task], error)

// taskMutation builds a one-shot command: sign in, open the board, issue
// the mutation and wait for the authority.
func taskMutation(opts *RootOptions, use, short string, args cobra.PositionalArgs, mutate mutateFunc) *cobra.Command {
	return &cobra.Command{
		Use:           use,
		Short:         short,
		Args:          args,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := openClient(opts)
			if err != nil {
				return err
			}
			defer c.Close(cmd.ErrOrStderr())

			if _, err := c.signIn(ctx); err != nil {
				return err
			}
			b, err := c.openBoard(ctx)
			if err != nil {
				return err
			}

			out := opts.formatter(cmd)
			m, err := mutate(ctx, b, args)
			if err != nil {
				_ = out.Error(err)
				return WrapExitError(ExitFailure, "rejected", err)
			}
			t, err := m.Wait(ctx)
			if err != nil {
				_ = out.Error(err)
				return WrapExitError(ExitFailure, fmt.Sprintf("mutation %s %s", m.ID(), m.Status()), err)
			}
			text := fmt.Sprintf("%s %s: %s [%s]", m.Op(), m.Status(), t.ID, t.Status)
			return out.Success(t, text)
		},
	}
}

func newTaskListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "ls",
		Short:         "List tasks",
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

			if _, err := c.signIn(ctx); err != nil {
				return err
			}
			b, err := c.openBoard(ctx)
			if err != nil {
				return err
			}
			tasks := b.Tasks()
			return opts.formatter(cmd).Success(tasks, renderTasks(tasks))
		},
	}
}

func renderTasks(tasks []board.Task) string {
	if len(tasks) == 0 {
		return "No tasks."
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tASSIGNEE\tTITLE")
	for _, t := range tasks {
		assignee := t.AssigneeID
		if assignee == "" {
			assignee = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status, assignee, t.Title)
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}
