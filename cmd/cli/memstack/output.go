package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/core-tools/memstack/pkg/domain"
	"github.com/core-tools/memstack/pkg/supervisor"
)

func printStatus(ctx context.Context, cl *client, asJSON bool) error {
	status, err := cl.contract.Status(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(os.Stdout, status)
	}
	writeStatus(os.Stdout, status)
	return nil
}

func writeStatus(out io.Writer, status *domain.StatusResponse) {
	fmt.Fprintf(out, "%s: %s", status.Name, status.State)
	if status.Uptime != "" && status.StartedAt != nil {
		fmt.Fprintf(out, ", up %s", status.Uptime)
	}
	fmt.Fprintf(out, " (run %s)\n\n", status.RunID)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tPID\tUPTIME\tRESTARTS\tHEALTH\tMEMORY\tEXIT")
	for _, p := range status.Processes {
		state := p.State
		if !p.Enabled {
			state += " (disabled)"
		}
		if p.CircuitBreakerOpen {
			state += " (breaker open)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			p.Name, state, pidColumn(p.PID, p.Attached), dash(p.Uptime), p.Restarts,
			dash(p.Health), memoryColumn(p.MemoryBytes), exitColumn(p.LastExitCode))
	}
	w.Flush()

	if len(status.Dependencies) > 0 {
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DEPENDENCY\tPHASE\tMESSAGE")
		for _, d := range status.Dependencies {
			fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, d.Phase, dash(d.Message))
		}
		w.Flush()
	}

	inhibit := status.Inhibitor
	fmt.Fprintf(out, "\nsleep inhibitor: ")
	switch {
	case inhibit.Held && inhibit.PID > 0:
		fmt.Fprintf(out, "held by %s, PID %d\n", inhibit.Backend, inhibit.PID)
	case inhibit.Held:
		fmt.Fprintf(out, "held by %s\n", inhibit.Backend)
	case inhibit.Message != "":
		fmt.Fprintf(out, "not held (%s)\n", inhibit.Message)
	default:
		fmt.Fprintf(out, "not held\n")
	}

	for _, p := range status.Processes {
		if p.LastError != nil {
			fmt.Fprintf(out, "%s: last error %s: %s\n", p.Name, p.LastError.Category, p.LastError.Details)
		}
	}
}

func printHistory(out io.Writer, entries []domain.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no journal entries")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tKIND\tSUBJECT\tMESSAGE")
	// oldest first reads like a log
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", humanize.Time(e.CreatedAt), e.Kind, e.Subject, e.Message)
	}
	w.Flush()
}

func printSummary(out io.Writer, file string, summary supervisor.ConfigSummary) {
	fmt.Fprintf(out, "%s is valid\n", file)
	fmt.Fprintf(out, "supervisor %s on %s, state dir %s\n", summary.Name, summary.Listen, summary.StateDir)
	if len(summary.Dependencies) > 0 {
		fmt.Fprintf(out, "dependencies: %s\n", strings.Join(summary.Dependencies, ", "))
	}
	fmt.Fprintf(out, "inhibitor: %s, journal: %t\n", summary.Inhibitor, summary.Journal)
	fmt.Fprintf(out, "processes: %d (%d enabled)\n\n", summary.TotalProcesses, summary.EnabledProcesses)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPROFILE\tENABLED\tRESTART\tHEALTH CHECK\tCRON\tCOMMAND")
	for _, p := range summary.Processes {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\t%s\n",
			p.Name, p.Profile, p.Enabled, p.RestartPolicy, dash(p.HealthCheckType), dash(p.CronRestart), p.Command)
	}
	w.Flush()
}

func printJSON(out io.Writer, v interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func pidColumn(pid int, attached bool) string {
	if pid == 0 {
		return "-"
	}
	if attached {
		return fmt.Sprintf("%d*", pid)
	}
	return fmt.Sprintf("%d", pid)
}

func memoryColumn(bytes int64) string {
	if bytes <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(bytes))
}

func exitColumn(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *code)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
