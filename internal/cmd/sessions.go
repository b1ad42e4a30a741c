package cmd

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/switchyard-chat/switchyard/pkg/cli"
)

// sessionInfo mirrors the API's session JSON.
type sessionInfo struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Running bool   `json:"running"`
	Backoff string `json:"backoff"`
}

func newSessionsCmd() *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Manage sessions on a running switchyard",
		RunE:    runSessionsList, // default subcommand
	}
	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered sessions",
		Args:  cobra.NoArgs,
		RunE:  runSessionsList,
	})
	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "register <id>",
		Short: "Register a session without starting it",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsRegister,
	})
	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "unregister <id>",
		Short: "Remove a session from the registry, keeping its credentials",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsUnregister,
	})
	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "start <id>",
		Short: "Connect a session, registering it if needed",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsStart,
	})
	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "stop <id>",
		Short: "Disconnect a session, keeping its credentials",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsStop,
	})

	logoutCmd := &cobra.Command{
		Use:   "logout <id>",
		Short: "Log a session out and delete its credentials and data",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsLogout,
	}
	logoutCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	sessionsCmd.AddCommand(logoutCmd)

	return sessionsCmd
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	var resp struct {
		Sessions []sessionInfo `json:"sessions"`
	}
	if _, err := newAPIClient(cmd).do(cmd.Context(), http.MethodGet, "/api/sessions", &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Sessions) == 0 {
		_, _ = fmt.Fprintln(out, "No sessions registered.")
		return nil
	}

	t := newTable(out, 1, "ID", "STATUS", "RUNNING", "BACKOFF")
	for _, s := range resp.Sessions {
		t.add(s.ID, s.Status, strconv.FormatBool(s.Running), s.Backoff)
	}
	return t.flush()
}

func runSessionsRegister(cmd *cobra.Command, args []string) error {
	code, err := newAPIClient(cmd).do(cmd.Context(), http.MethodPut, sessionPath(args[0]), nil)
	if err != nil {
		return err
	}
	if code == http.StatusCreated {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Registered %s\n", args[0])
	} else {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s is already registered\n", args[0])
	}
	return nil
}

func runSessionsUnregister(cmd *cobra.Command, args []string) error {
	if _, err := newAPIClient(cmd).do(cmd.Context(), http.MethodDelete, sessionPath(args[0]), nil); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Unregistered %s\n", args[0])
	return nil
}

func runSessionsStart(cmd *cobra.Command, args []string) error {
	var info sessionInfo
	if _, err := newAPIClient(cmd).do(cmd.Context(), http.MethodPost, sessionPath(args[0], "start"), &info); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", info.ID, info.Status)
	return nil
}

func runSessionsStop(cmd *cobra.Command, args []string) error {
	var resp struct {
		Stopped bool `json:"stopped"`
	}
	if _, err := newAPIClient(cmd).do(cmd.Context(), http.MethodPost, sessionPath(args[0], "stop"), &resp); err != nil {
		return err
	}
	if resp.Stopped {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Stopped %s\n", args[0])
	} else {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s was not running\n", args[0])
	}
	return nil
}

func runSessionsLogout(cmd *cobra.Command, args []string) error {
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr()}
		if !p.Confirm(fmt.Sprintf("Log out %s and delete its credentials?", args[0]), false) {
			return fmt.Errorf("aborted")
		}
	}
	if _, err := newAPIClient(cmd).do(cmd.Context(), http.MethodPost, sessionPath(args[0], "logout"), nil); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Logged out %s\n", args[0])
	return nil
}
