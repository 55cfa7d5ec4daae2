package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/TaskPipe/internal/auth"
)

func newTokenCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the backend bearer token",
		Long: `Sign in through the web application, then store the issued token with
"taskpipe token set". A token given by TASKPIPE_TOKEN or the config file
takes precedence over the stored one.`,
	}
	cmd.AddCommand(newTokenSetCommand(a))
	cmd.AddCommand(newTokenStatusCommand(a))
	cmd.AddCommand(newTokenClearCommand(a))
	return cmd
}

func newTokenSetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set [token]",
		Short: "Store a bearer token (prompts when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				var err error
				if token, err = promptInput(cmd.InOrStdin(), cmd.OutOrStdout(), promptSecret, "Bearer token"); err != nil {
					return ignoreEOF(err)
				}
			}
			token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
			if token == "" {
				return errors.New("token must not be empty")
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := auth.NewStoreTokenSource(st).Set(cmd.Context(), token); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Token stored.")
			if exp, ok := auth.ExpiresAt(token); ok {
				fmt.Fprintf(out, "Expires %s.\n", exp.Local().Format(time.DateTime))
			}
			return nil
		},
	}
}

func newTokenStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a usable token is stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			token, err := a.tokenSource(st).Token(cmd.Context())
			if err != nil {
				return fmt.Errorf("%w: run \"taskpipe token set\"", err)
			}
			if exp, ok := auth.ExpiresAt(token); ok {
				fmt.Fprintf(out, "Token valid until %s.\n", exp.Local().Format(time.DateTime))
				return nil
			}
			fmt.Fprintln(out, "Token set.")
			return nil
		},
	}
}

func newTokenClearCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := auth.NewStoreTokenSource(st).Invalidate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token cleared.")
			return nil
		},
	}
}
