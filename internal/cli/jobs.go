package cli

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/graph-loader/internal/config"
	"github.com/example/graph-loader/internal/jobs"
)

// JobsOptions holds flags for the jobs commands.
type JobsOptions struct {
	*RootOptions
	Database string
}

// JobView is the JSON shape printed by the jobs commands.
type JobView struct {
	ID           string         `json:"id"`
	SuccessCount int            `json:"success_count"`
	ErrorCount   int            `json:"error_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Errors       []JobErrorView `json:"errors,omitempty"`
}

// JobErrorView is one failed update of a job.
type JobErrorView struct {
	StatusCode int             `json:"status_code"`
	Message    string          `json:"message"`
	Update     json.RawMessage `json:"update,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewJobsCommand creates the jobs command group.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JobsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage the job records that updates report to",
		Long: `Create and inspect job records. Producers stamp the id of a created job on
the updates they publish; workers then count successes and store failures
against it.

The database defaults to JOBS_DB_PATH.

Examples:
  graph-loader jobs create
  graph-loader jobs show 5f0c3a4e-8d8b-4c1e-9f5e-2b7d1c9e6a10 --db ./jobs.db`,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to the job database (default $JOBS_DB_PATH)")

	cmd.AddCommand(newJobsCreateCommand(opts))
	cmd.AddCommand(newJobsShowCommand(opts))

	return cmd
}

func newJobsCreateCommand(opts *JobsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Register a new job and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()

			job, err := st.Create(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd, viewOf(job, nil))
		},
	}
}

func newJobsShowCommand(opts *JobsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a job's counters and recorded errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()

			job, err := st.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			jobErrs, err := st.Errors(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, viewOf(job, jobErrs))
		},
	}
}

func (o *JobsOptions) open() (*jobs.Store, error) {
	path := o.Database
	if path == "" {
		path = config.JobsDBPath()
	}
	if path == "" {
		return nil, errors.New("jobs: no database given; set --db or JOBS_DB_PATH")
	}
	return jobs.Open(path)
}

func viewOf(job jobs.Job, jobErrs []jobs.JobError) JobView {
	view := JobView{
		ID:           job.ID,
		SuccessCount: job.SuccessCount,
		ErrorCount:   job.ErrorCount,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	for _, je := range jobErrs {
		ev := JobErrorView{StatusCode: je.StatusCode, Message: je.Message, CreatedAt: je.CreatedAt}
		if json.Valid(je.Update) {
			ev.Update = json.RawMessage(je.Update)
		}
		view.Errors = append(view.Errors, ev)
	}
	return view
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
