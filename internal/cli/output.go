package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goliatone/go-erpsync/command"
	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/sync"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // no failed outcomes
	ExitFailure      = 1 // at least one record or connection check failed
	ExitCommandError = 2 // bad arguments, config or definitions
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err. Errors that are not an
// ExitError come from cobra argument handling and count as command errors.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}

// Printer renders command results as text or JSON.
type Printer struct {
	Format string
	Out    io.Writer
}

func (p Printer) json(value any) error {
	encoder := json.NewEncoder(p.Out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

type failureView struct {
	EntityType core.EntityType `json:"entity_type"`
	Direction  string          `json:"direction"`
	Identity   string          `json:"identity"`
	Error      string          `json:"error"`
}

type summaryView struct {
	sync.RunSummary
	FailedRecords []failureView `json:"failed_records"`
}

// Summary prints the run summary, including every failed record.
func (p Printer) Summary(summary sync.RunSummary) error {
	failures := make([]failureView, 0, len(summary.Failures))
	for _, result := range summary.Failures {
		failures = append(failures, failureView{
			EntityType: result.EntityType,
			Direction:  result.Direction.Label(),
			Identity:   result.Identity,
			Error:      resultError(result),
		})
	}
	if p.Format == FormatJSON {
		return p.json(summaryView{RunSummary: summary, FailedRecords: failures})
	}

	mode := string(summary.Mode)
	if summary.DryRun {
		mode += ", dry run"
	}
	entity, direction := string(summary.EntityType), summary.Direction.Label()
	if entity == "" {
		entity = "all entities"
	}
	if direction == "" {
		direction = "all directions"
	}
	fmt.Fprintf(p.Out, "Run %s: %s %s (%s)\n", summary.RunID, entity, direction, mode)
	for _, pass := range summary.Passes {
		fmt.Fprintf(p.Out, "  %-8s %-15s %s batches=%d", pass.EntityType, pass.Direction.Label(), countsText(pass.Counts), pass.Batches)
		if pass.Checkpoint != "" {
			fmt.Fprintf(p.Out, " checkpoint=%s", pass.Checkpoint)
		}
		fmt.Fprintln(p.Out)
	}
	fmt.Fprintf(p.Out, "Total: %s\n", countsText(summary.Counts))
	if summary.Cancelled {
		fmt.Fprintln(p.Out, "Run cancelled before completion")
	}
	if summary.Error != "" {
		fmt.Fprintf(p.Out, "Run error: %s\n", summary.Error)
	}
	if len(failures) > 0 {
		fmt.Fprintln(p.Out, "Failed records:")
		for _, failure := range failures {
			fmt.Fprintf(p.Out, "  - %s %s: %s\n", failure.EntityType, failure.Identity, failure.Error)
		}
	}
	return nil
}

func (p Printer) FailedRecords(records []core.FailedRecord) error {
	if p.Format == FormatJSON {
		return p.json(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(p.Out, "No failed records found")
		return nil
	}
	fmt.Fprintln(p.Out, "Failed records:")
	for _, record := range records {
		fmt.Fprintf(p.Out, "  - %s %s %s (attempts=%d, run=%s): %s\n",
			record.EntityType, record.Direction.Label(), record.Identity, record.Attempts, record.RunID, record.Error)
	}
	return nil
}

func (p Printer) Checkpoints(checkpoints []core.SyncCheckpoint) error {
	if p.Format == FormatJSON {
		return p.json(checkpoints)
	}
	if len(checkpoints) == 0 {
		fmt.Fprintln(p.Out, "No checkpoints recorded")
		return nil
	}
	for _, checkpoint := range checkpoints {
		fmt.Fprintf(p.Out, "%-8s %-15s %s (updated %s)\n",
			checkpoint.EntityType, checkpoint.Direction.Label(), checkpoint.Marker, checkpoint.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func (p Printer) Runs(runs []core.SyncRun) error {
	if p.Format == FormatJSON {
		return p.json(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(p.Out, "No runs recorded")
		return nil
	}
	for _, run := range runs {
		fmt.Fprintf(p.Out, "%s %-8s %-15s %-11s %-9s %s\n",
			run.ID, run.EntityType, run.Direction.Label(), run.Mode, run.Status, countsText(run.Counts))
	}
	return nil
}

func (p Printer) Connections(report command.ConnectionReport) error {
	if p.Format == FormatJSON {
		return p.json(report)
	}
	for _, check := range report.Checks {
		if check.OK {
			fmt.Fprintf(p.Out, "%s connection OK (%s)\n", check.System, check.Latency.Round(time.Millisecond))
			continue
		}
		fmt.Fprintf(p.Out, "%s connection FAILED: %s\n", check.System, check.Error)
	}
	return nil
}

func (p Printer) Mapping(description core.MappingDescription) error {
	if p.Format == FormatJSON {
		return p.json(description)
	}
	fmt.Fprintf(p.Out, "Mapping for %s\n", description.EntityType)
	for _, mapping := range description.Mappings {
		transform := string(mapping.Transform)
		if transform == "" {
			transform = "-"
		}
		fmt.Fprintf(p.Out, "  %-24s <-> %-24s %-15s %s\n",
			mapping.SourceField, mapping.TargetField, mapping.Direction.Label(), transform)
	}
	return nil
}

func (p Printer) MissingFields(groupID string, missing []sync.MissingField) error {
	if p.Format == FormatJSON {
		return p.json(missing)
	}
	if len(missing) == 0 {
		fmt.Fprintf(p.Out, "All items in group %s have the required fields\n", groupID)
		return nil
	}
	fmt.Fprintf(p.Out, "Items in group %s missing required fields:\n", groupID)
	for _, item := range missing {
		fmt.Fprintf(p.Out, "  - %s: %s\n", item.ItemID, strings.Join(item.Fields, ", "))
	}
	return nil
}

func countsText(counts core.OutcomeCounts) string {
	return fmt.Sprintf("created=%d updated=%d skipped=%d failed=%d",
		counts.Created, counts.Updated, counts.Skipped, counts.Failed)
}

func resultError(result core.SyncResult) string {
	if result.Err != nil {
		return result.Err.Error()
	}
	return result.Detail
}
