// Package debuglog writes the terminal-state human-readable record for an
// instance. Writes are best-effort: a failure is logged and swallowed,
// never surfaced to the scheduler.
package debuglog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/avennor/ensemble/pkg/schema"
)

// Writer renders one record file per finished instance.
type Writer struct {
	dir    string
	logger *slog.Logger
}

// NewWriter creates a Writer rooted at dir. An empty dir disables writing
// unless the workflow's log options name one.
func NewWriter(dir string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{dir: dir, logger: logger}
}

// WriteRecord writes the debug record if the definition enables it.
func (w *Writer) WriteRecord(inst *schema.Instance, def *schema.WorkflowDefinition) {
	if def == nil || def.Log == nil || !def.Log.DebugLog {
		return
	}

	dir := def.Log.Dir
	if dir == "" {
		dir = w.dir
	}
	if dir == "" {
		return
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.logger.Warn("debug log dir", slog.String("error", err.Error()))
		return
	}

	path := filepath.Join(dir, inst.ID+".log")
	if err := os.WriteFile(path, []byte(render(inst)), 0o644); err != nil {
		w.logger.Warn("debug log write failed",
			slog.String("instance_id", inst.ID),
			slog.String("error", err.Error()),
		)
	}
}

func render(inst *schema.Instance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "workflow: %s\ninstance: %s\nstatus:   %s\n", inst.Workflow, inst.ID, inst.Status)
	fmt.Fprintf(&b, "created:  %s\n", inst.CreatedAt.Format(time.RFC3339))
	if inst.FinishedAt != nil {
		fmt.Fprintf(&b, "finished: %s\n", inst.FinishedAt.Format(time.RFC3339))
	}
	if inst.Error != "" {
		fmt.Fprintf(&b, "error:    %s\n", inst.Error)
	}

	ids := make([]string, 0, len(inst.Steps))
	for id := range inst.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	b.WriteString("\nsteps:\n")
	for _, id := range ids {
		ss := inst.Steps[id]
		fmt.Fprintf(&b, "  %-12s %-10s role=%-12s attempts=%d", id, ss.Status, ss.Role, ss.Attempts)
		if ss.Error != "" {
			fmt.Fprintf(&b, " error=%q", ss.Error)
		}
		b.WriteString("\n")
		if ss.Result != nil {
			out := ss.Result.String()
			if len(out) > 400 {
				out = out[:400] + "..."
			}
			fmt.Fprintf(&b, "    result: %s\n", out)
		}
	}
	return b.String()
}
