package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/internal/util"
	"github.com/teranos/polar/logger"
	"github.com/teranos/polar/pulse/schedule"
	"github.com/teranos/polar/sym"
)

// JobsCmd manages automation jobs
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Manage automation jobs",
	Long: sym.Pulse + ` jobs - manage automation jobs.

Schedules use the mini-language "every N minutes|hours|days" or
"daily at HH:MM" (UTC).

Examples:
  polar jobs add --owner u1 --session s1 --schedule "every 6 hours" --prompt "Digest"
  polar jobs ls --enabled
  polar jobs due --at 2026-03-01T12:00:00Z
  polar jobs import jobs.yaml`,
}

var jobsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an automation job",
	RunE:  runJobsAdd,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List automation jobs",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one automation job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change a job's schedule, prompt, quiet hours or limits",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsUpdate,
}

var jobsDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a job without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDisable,
}

var jobsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a job (its run ledger rows are kept)",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRm,
}

var jobsDueCmd = &cobra.Command{
	Use:   "due",
	Short: "List jobs due at an instant",
	RunE:  runJobsDue,
}

var jobsImportCmd = &cobra.Command{
	Use:   "import <file.yaml|file.toml>",
	Short: "Create jobs from a YAML or TOML file",
	Long: `Create jobs from a file holding a top-level "jobs" list.

YAML:
  jobs:
    - ownerUserId: u1
      sessionId: s1
      schedule: every 1 hours
      promptTemplate: Summarize my inbox

TOML:
  [[jobs]]
  ownerUserId = "u1"
  sessionId = "s1"
  schedule = "daily at 07:30"
  promptTemplate = "Plan my day"`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsImport,
}

func init() {
	jobsAddCmd.Flags().String("id", "", "Job ID (generated when empty)")
	jobsAddCmd.Flags().String("owner", "", "Owner user ID")
	jobsAddCmd.Flags().String("session", "", "Session ID")
	jobsAddCmd.Flags().String("schedule", "", `Schedule, e.g. "every 2 hours" or "daily at 07:30"`)
	jobsAddCmd.Flags().String("prompt", "", "Prompt template")
	jobsAddCmd.Flags().Bool("disabled", false, "Create the job disabled")
	addScheduleShapeFlags(jobsAddCmd)
	addJSONFlag(jobsAddCmd)

	jobsLsCmd.Flags().String("owner", "", "Filter by owner user ID")
	jobsLsCmd.Flags().String("session", "", "Filter by session ID")
	jobsLsCmd.Flags().Bool("enabled", false, "Only enabled jobs")
	jobsLsCmd.Flags().Bool("disabled", false, "Only disabled jobs")
	jobsLsCmd.Flags().Int("limit", schedule.DefaultListLimit, "Maximum jobs to list")
	addJSONFlag(jobsLsCmd)

	addJSONFlag(jobsShowCmd)

	jobsUpdateCmd.Flags().String("schedule", "", "New schedule")
	jobsUpdateCmd.Flags().String("prompt", "", "New prompt template")
	jobsUpdateCmd.Flags().Bool("enable", false, "Enable the job")
	jobsUpdateCmd.Flags().Bool("clear-quiet-hours", false, "Remove quiet hours")
	jobsUpdateCmd.Flags().Bool("clear-limits", false, "Remove limits")
	addScheduleShapeFlags(jobsUpdateCmd)
	addJSONFlag(jobsUpdateCmd)

	jobsDueCmd.Flags().String("at", "", "Instant to evaluate (RFC3339, default now)")
	jobsDueCmd.Flags().Int("limit", schedule.DefaultDueLimit, "Maximum jobs to return")
	addJSONFlag(jobsDueCmd)

	JobsCmd.AddCommand(jobsAddCmd, jobsLsCmd, jobsShowCmd, jobsUpdateCmd,
		jobsDisableCmd, jobsRmCmd, jobsDueCmd, jobsImportCmd)
}

// addScheduleShapeFlags registers the quiet-hours and daily-cap flags.
func addScheduleShapeFlags(cmd *cobra.Command) {
	cmd.Flags().String("quiet", "", `Quiet hours as "START-END" UTC hours, e.g. "22-7"`)
	cmd.Flags().Int("max-per-day", 0, "Maximum runs per UTC day (0 = unlimited)")
}

// parseQuietHours reads "22-7" into a window.
func parseQuietHours(raw string) (*schedule.QuietHours, error) {
	start, end, ok := strings.Cut(strings.TrimSpace(raw), "-")
	if !ok {
		return nil, errors.NewInvalidRequestError("quiet hours must look like START-END, got %q", raw)
	}
	s, err := strconv.Atoi(strings.TrimSpace(start))
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid quiet hours start %q", start)
	}
	e, err := strconv.Atoi(strings.TrimSpace(end))
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid quiet hours end %q", end)
	}
	return &schedule.QuietHours{StartHour: s, EndHour: e, Timezone: "UTC"}, nil
}

func shapeFromFlags(cmd *cobra.Command) (*schedule.QuietHours, *schedule.Limits, error) {
	var quiet *schedule.QuietHours
	if raw, _ := cmd.Flags().GetString("quiet"); raw != "" {
		q, err := parseQuietHours(raw)
		if err != nil {
			return nil, nil, err
		}
		quiet = q
	}
	var limits *schedule.Limits
	if cmd.Flags().Changed("max-per-day") {
		n, _ := cmd.Flags().GetInt("max-per-day")
		limits = &schedule.Limits{MaxNotificationsPerDay: n}
	}
	return quiet, limits, nil
}

// withJobStore opens the database and hands a job store to fn.
func withJobStore(cmd *cobra.Command, fn func(ctx context.Context, store *schedule.Store) error) error {
	conn, _, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(cmd.Context(), schedule.NewStore(conn, schedule.WithLogger(logger.Logger)))
}

func runJobsAdd(cmd *cobra.Command, args []string) error {
	req := schedule.CreateJobRequest{}
	req.ID, _ = cmd.Flags().GetString("id")
	req.OwnerUserID, _ = cmd.Flags().GetString("owner")
	req.SessionID, _ = cmd.Flags().GetString("session")
	req.Schedule, _ = cmd.Flags().GetString("schedule")
	req.PromptTemplate, _ = cmd.Flags().GetString("prompt")
	if disabled, _ := cmd.Flags().GetBool("disabled"); disabled {
		req.Enabled = util.Ptr(false)
	}

	var err error
	if req.QuietHours, req.Limits, err = shapeFromFlags(cmd); err != nil {
		return err
	}

	return withJobStore(cmd, func(ctx context.Context, store *schedule.Store) error {
		job, err := store.CreateJob(ctx, req)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), job)
		}
		pterm.Success.Printf("Created job %s (%s)\n", job.ID, job.Schedule)
		return nil
	})
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	filter := schedule.ListJobsFilter{}
	filter.OwnerUserID, _ = cmd.Flags().GetString("owner")
	filter.SessionID, _ = cmd.Flags().GetString("session")
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	onlyEnabled, _ := cmd.Flags().GetBool("enabled")
	onlyDisabled, _ := cmd.Flags().GetBool("disabled")
	switch {
	case onlyEnabled && onlyDisabled:
		return errors.NewInvalidRequestError("--enabled and --disabled are mutually exclusive")
	case onlyEnabled:
		filter.Enabled = util.Ptr(true)
	case onlyDisabled:
		filter.Enabled = util.Ptr(false)
	}

	return withJobStore(cmd, func(ctx context.Context, store *schedule.Store) error {
		jobs, err := store.ListJobs(ctx, filter)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), jobs)
		}
		if len(jobs) == 0 {
			pterm.Info.Println("No automation jobs")
			return nil
		}
		rows := make([][]string, 0, len(jobs))
		for _, j := range jobs {
			rows = append(rows, []string{j.ID, j.OwnerUserID, j.Schedule, strconv.FormatBool(j.Enabled), formatMs(j.UpdatedAtMs)})
		}
		return printTable(cmd.OutOrStdout(), []string{"ID", "Owner", "Schedule", "Enabled", "Updated"}, rows)
	})
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	return withJobStore(cmd, func(ctx context.Context, store *schedule.Store) error {
		job, err := store.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), job)
		}
		rows := [][]string{
			{"ID", job.ID},
			{"Owner", job.OwnerUserID},
			{"Session", job.SessionID},
			{"Schedule", job.Schedule},
			{"Enabled", strconv.FormatBool(job.Enabled)},
			{"Prompt", job.PromptTemplate},
			{"Created", formatMs(job.CreatedAtMs)},
			{"Updated", formatMs(job.UpdatedAtMs)},
		}
		if job.QuietHours != nil {
			rows = append(rows, []string{"Quiet hours", fmt.Sprintf("%02d-%02d UTC", job.QuietHours.StartHour, job.QuietHours.EndHour)})
		}
		if job.Limits != nil {
			rows = append(rows, []string{"Max per day", strconv.Itoa(job.Limits.MaxNotificationsPerDay)})
		}
		return printTable(cmd.OutOrStdout(), []string{"Field", "Value"}, rows)
	})
}

func runJobsUpdate(cmd *cobra.Command, args []string) error {
	req := schedule.UpdateJobRequest{}
	if cmd.Flags().Changed("schedule") {
		v, _ := cmd.Flags().GetString("schedule")
		req.Schedule = &v
	}
	if cmd.Flags().Changed("prompt") {
		v, _ := cmd.Flags().GetString("prompt")
		req.PromptTemplate = &v
	}
	if enable, _ := cmd.Flags().GetBool("enable"); enable {
		req.Enabled = util.Ptr(true)
	}
	req.ClearQuietHours, _ = cmd.Flags().GetBool("clear-quiet-hours")
	req.ClearLimits, _ = cmd.Flags().GetBool("clear-limits")

	var err error
	if req.QuietHours, req.Limits, err = shapeFromFlags(cmd); err != nil {
		return err
	}

	return withJobStore(cmd, func(ctx context.Context, store *schedule.Store) error {
		job, err := store.UpdateJob(ctx, args[0], req)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), job)
		}
		pterm.Success.Printf("Updated job %s\n", job.ID)
		return nil
	})
}

func runJobsDisable(cmd *cobra.Command, args []string) error {
	return withJobStore(cmd, func(ctx context.Context, store *schedule.Store) error {
		if _, err := store.DisableJob(ctx, args[0]); err != nil {
			return err
		}
		pterm.Success.Printf("Disabled job %s\n", args[0])
		return nil
	})
}

func runJobsRm(cmd *cobra.Command, args []string) error {
	return withJobStore(cmd, func(ctx context.Context, store *schedule.Store) error {
		if err := store.DeleteJob(ctx, args[0]); err != nil {
			return err
		}
		pterm.Success.Printf("Deleted job %s\n", args[0])
		return nil
	})
}

func runJobsDue(cmd *cobra.Command, args []string) error {
	asOf := time.Now()
	if raw, _ := cmd.Flags().GetString("at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return errors.NewInvalidRequestError("--at must be RFC3339, got %q", raw)
		}
		asOf = t
	}
	limit, _ := cmd.Flags().GetInt("limit")

	return withJobStore(cmd, func(ctx context.Context, store *schedule.Store) error {
		due, err := store.ListDueJobs(ctx, asOf.UnixMilli(), limit)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), due)
		}
		if len(due) == 0 {
			pterm.Info.Printf("No jobs due at %s\n", asOf.UTC().Format(time.RFC3339))
			return nil
		}
		rows := make([][]string, 0, len(due))
		for _, d := range due {
			rows = append(rows, []string{d.Job.ID, d.Job.Schedule, formatMs(d.NextDueAtMs), formatMs(d.BaselineMs), strconv.Itoa(d.RunsToday)})
		}
		return printTable(cmd.OutOrStdout(), []string{"ID", "Schedule", "Due at", "Baseline", "Runs today"}, rows)
	})
}

// jobFile is the shape of an import file.
type jobFile struct {
	Jobs []schedule.CreateJobRequest `yaml:"jobs" toml:"jobs"`
}

// decodeJobFile reads path as YAML or TOML by extension.
func decodeJobFile(path string) ([]schedule.CreateJobRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	var file jobFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, errors.Wrapf(err, "failed to parse YAML %s", path)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &file); err != nil {
			return nil, errors.Wrapf(err, "failed to parse TOML %s", path)
		}
	default:
		return nil, errors.NewInvalidRequestError("unsupported job file %q (want .yaml, .yml or .toml)", path)
	}
	if len(file.Jobs) == 0 {
		return nil, errors.NewInvalidRequestError("%s has no jobs", path)
	}
	return file.Jobs, nil
}

func runJobsImport(cmd *cobra.Command, args []string) error {
	reqs, err := decodeJobFile(args[0])
	if err != nil {
		return err
	}

	return withJobStore(cmd, func(ctx context.Context, store *schedule.Store) error {
		created, failed := importJobs(ctx, store, reqs, func(i int, err error) {
			pterm.Warning.Printf("Job #%d skipped: %v\n", i+1, err)
		})
		pterm.Success.Printf("Imported %d of %d jobs\n", created, len(reqs))
		if failed > 0 {
			return errors.Newf("%d jobs were not imported", failed)
		}
		return nil
	})
}

// importJobs creates each request independently; one bad entry does not stop the rest.
func importJobs(ctx context.Context, store *schedule.Store, reqs []schedule.CreateJobRequest, onErr func(int, error)) (created, failed int) {
	for i, req := range reqs {
		if _, err := store.CreateJob(ctx, req); err != nil {
			failed++
			onErr(i, err)
			continue
		}
		created++
	}
	return created, failed
}
