package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/internal/cli/config"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads"
	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"
)

// render writes v in the requested format. Table output needs a table
// renderer for the concrete type; anything else falls back to YAML.
func render(w io.Writer, format string, v any) error {
	switch format {
	case config.OutputJSON:
		return renderJSON(w, v)
	case config.OutputYAML:
		return renderYAML(w, v)
	default:
		if d, ok := v.(threads.Diagnostics); ok {
			return renderDiagnosticsTable(w, d)
		}
		return renderYAML(w, v)
	}
}

func renderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	return t
}

func renderDiagnosticsTable(w io.Writer, d threads.Diagnostics) error {
	status := "running"
	if d.Halted {
		status = "HALTED: " + d.HaltReason
	}

	summary := newTable(w, "Chip")
	summary.AppendRows([]table.Row{
		{"status", status},
		{"epoch", d.Epoch},
		{"executed", d.Executed},
		{"memory", fmt.Sprintf("%d / %d KB in %d blocks", d.Memory.UsedKB, d.Memory.CapacityKB, d.Memory.Blocks)},
		{"allocations", fmt.Sprintf("%d allocs, %d frees, %d rejected", d.MemoryStats.AllocCount, d.MemoryStats.FreeCount, d.MemoryStats.Rejected)},
		{"rollbacks", fmt.Sprintf("%d / %d", d.Safety.Rollbacks, d.Safety.MaxRollbacks)},
		{"consent", strings.Join(d.Permissions.Surfaces, ", ")},
		{"tokens", fmt.Sprintf("%d live, %d issued, %d denials", d.Permissions.LiveTokens, d.Permissions.TokensIssue, d.Permissions.Denials)},
		{"audit events", d.AuditTotal},
	})
	summary.Render()

	modules := newTable(w, "Modules")
	modules.AppendHeader(table.Row{"Module", "Role", "State", "Done", "Failed", "Avg", "Summary"})
	for _, h := range d.Modules {
		modules.AppendRow(table.Row{h.Module, h.Role, h.State, h.JobsProcessed, h.JobsFailed, h.AvgLatency, h.Summary})
	}
	modules.Render()

	lanes := newTable(w, "Lanes")
	lanes.AppendHeader(table.Row{"Lane", "Depth", "Max", "Enqueued", "Dequeued", "Requeued"})
	for _, q := range d.Scheduler.Lanes {
		lanes.AppendRow(table.Row{q.Lane, q.Depth, q.MaxDepth, q.Enqueued, q.Dequeued, q.Requeued})
	}
	lanes.AppendFooter(table.Row{"ticks", d.Scheduler.Ticks, "completed", d.Scheduler.Completed, "dropped", d.Scheduler.Dropped})
	lanes.Render()

	if len(d.RecentAudit) > 0 {
		audit := newTable(w, "Recent audit")
		audit.AppendHeader(table.Row{"Seq", "Time", "Module", "Tag", "Task"})
		for _, ev := range d.RecentAudit {
			audit.AppendRow(table.Row{ev.Seq, ev.Timestamp.Format("15:04:05.000"), ev.Module, ev.Tag, ev.TaskID})
		}
		audit.Render()
	}
	return nil
}
