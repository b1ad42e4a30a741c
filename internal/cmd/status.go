package cmd

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show health and load of a running switchyard",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := newAPIClient(cmd)
	out := cmd.OutOrStdout()

	var health struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}
	if _, err := client.do(cmd.Context(), http.MethodGet, "/healthz", &health); err != nil {
		_, _ = fmt.Fprintf(out, "Status:   %s\n", statusStyle("unreachable").Render("unreachable"))
		return err
	}

	var stats struct {
		Sessions struct {
			Total   int `json:"total"`
			Running int `json:"running"`
		} `json:"sessions"`
		Throttle *struct {
			Limit   int `json:"limit"`
			Running int `json:"running"`
			Queued  int `json:"queued"`
		} `json:"throttle"`
		Cache []struct {
			Tenant  string `json:"tenant"`
			Entries int    `json:"entries"`
			Bytes   int    `json:"bytes"`
		} `json:"cache"`
	}
	if _, err := client.do(cmd.Context(), http.MethodGet, "/api/stats", &stats); err != nil {
		return err
	}

	heading(out, "switchyard @ "+client.base)
	_, _ = fmt.Fprintf(out, "Status:   %s\n", health.Status)
	_, _ = fmt.Fprintf(out, "Uptime:   %s\n", health.Uptime)
	_, _ = fmt.Fprintf(out, "Sessions: %d running / %d registered\n", stats.Sessions.Running, stats.Sessions.Total)
	if th := stats.Throttle; th != nil {
		_, _ = fmt.Fprintf(out, "Handlers: %d running, %d queued (limit %d)\n", th.Running, th.Queued, th.Limit)
	}

	if len(stats.Cache) == 0 {
		return nil
	}
	_, _ = fmt.Fprintln(out)
	t := newTable(out, -1, "TENANT", "GROUPS", "BYTES")
	for _, c := range stats.Cache {
		t.add(c.Tenant, strconv.Itoa(c.Entries), strconv.Itoa(c.Bytes))
	}
	return t.flush()
}
