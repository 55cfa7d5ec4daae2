package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/TaskPipe/internal/sessionid"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/transcript"
)

func newSessionCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or reset stored conversations",
	}
	cmd.AddCommand(newSessionShowCommand(a))
	cmd.AddCommand(newSessionListCommand(a))
	cmd.AddCommand(newSessionResetCommand(a))
	return cmd
}

func newSessionShowCommand(a *app) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the transcript and result of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			return showSession(cmd.Context(), st, cmd.OutOrStdout(), id)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Session to show (default: this terminal's session)")
	return cmd
}

func showSession(ctx context.Context, st store.Store, out io.Writer, id string) error {
	if id == "" {
		stored, ok, err := st.GetValue(ctx, sessionid.KeySessionID)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "No session yet. Run \"taskpipe chat\" to start one.")
			return nil
		}
		id = stored
	}

	session, err := st.GetSession(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session: %s\n", id)
	if session == nil {
		fmt.Fprintln(out, "No conversation recorded.")
		return nil
	}
	fmt.Fprintf(out, "State:   %s\nUpdated: %s\n\n", session.State, session.UpdatedAt.Local().Format(time.DateTime))

	turns, err := st.ListTurns(ctx, id)
	if err != nil {
		return err
	}
	opts := transcript.Options{Width: terminalWidth(out)}
	if err := transcript.RenderUpdate(out, session.UpdateText, opts); err != nil {
		return err
	}
	if err := transcript.RenderTurns(out, turns, opts); err != nil {
		return err
	}
	result, err := st.GetFinalResult(ctx, id)
	if err != nil {
		return err
	}
	if result != nil {
		fmt.Fprintln(out)
		return transcript.RenderResult(out, *result)
	}
	return nil
}

func newSessionListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			sessions, err := st.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tUPDATED")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.State, s.UpdatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func newSessionResetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget this terminal's session; the next chat starts a new one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := sessionid.NewAllocator(st).Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Session reset.")
			return nil
		},
	}
}
