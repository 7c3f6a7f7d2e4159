package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"absurd/internal/engine"
	"absurd/internal/shared/config"
	"absurd/internal/shared/logging"
)

func init() {
	// fatih/color already checks isatty internally, but honor it
	// explicitly here too so piping absurdctl's output (e.g. to a log
	// file) never emits escape codes even under FORCE_COLOR-style envs.
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

// statusColor mirrors the teacher's DeepCodingStatus/DeepCodingError
// palette role, applied here to task/run state names instead of
// agent-turn output.
func statusColor(state string) string {
	switch state {
	case "completed":
		return green(state)
	case "failed", "cancelled":
		return red(state)
	case "sleeping", "pending":
		return yellow(state)
	default:
		return cyan(state)
	}
}

// cli holds the single *engine.Engine shared by every subcommand's
// RunE, opened lazily against the --db flag.
type cli struct {
	dbPath string
	eng    *engine.Engine
}

func (c *cli) open() (*engine.Engine, error) {
	if c.eng != nil {
		return c.eng, nil
	}
	e, err := engine.Open(c.dbPath, engine.WithLogger(logging.New("info")))
	if err != nil {
		return nil, fmt.Errorf("absurdctl: open %s: %w", c.dbPath, err)
	}
	c.eng = e
	return e, nil
}

// NewRootCommand builds the absurdctl command tree.
func NewRootCommand() *cobra.Command {
	cfg := config.Defaults()
	c := &cli{}

	root := &cobra.Command{
		Use:   "absurdctl",
		Short: "Operate a durable task execution database",
		Long: `absurdctl drives the durable task execution engine directly against
a SQLite database file: applying migrations, managing queues, and
spawning, claiming, completing, failing and cancelling tasks by hand.`,
	}

	root.PersistentFlags().StringVar(&c.dbPath, "db", cfg.DatabasePath, "path to the SQLite database file")

	viper.SetConfigName("absurd-config")
	viper.SetEnvPrefix("ABSURD")
	viper.AutomaticEnv()
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(".")

	root.AddCommand(
		newMigrateCommand(c),
		newQueueCommand(c),
		newSpawnCommand(c),
		newClaimCommand(c),
		newCompleteCommand(c),
		newFailCommand(c),
		newCancelCommand(c),
		newCleanupCommand(c),
		newVersionCommand(),
	)
	return root
}

func newMigrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open()
			if err != nil {
				return err
			}
			n, err := e.ApplyMigrations(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s applied %d migration(s)\n", green("ok"), n)
			return nil
		},
	}
}

func newQueueCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage named queues",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open()
			if err != nil {
				return err
			}
			return e.CreateQueue(cmd.Context(), args[0])
		},
	})
	var strict bool
	dropCmd := &cobra.Command{
		Use:   "drop <name>",
		Short: "Drop a queue and cascade-delete its rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open()
			if err != nil {
				return err
			}
			return e.DropQueue(cmd.Context(), args[0], strict)
		},
	}
	dropCmd.Flags().BoolVar(&strict, "strict", false, "fail if the queue does not exist")
	cmd.AddCommand(dropCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open()
			if err != nil {
				return err
			}
			names, err := e.ListQueues(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	})
	return cmd
}

func newSpawnCommand(c *cli) *cobra.Command {
	var optionsJSON string
	cmd := &cobra.Command{
		Use:   "spawn <queue> <task_name> <params_json>",
		Short: "Enqueue a new task",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open()
			if err != nil {
				return err
			}
			var opts engine.SpawnOptions
			if optionsJSON != "" {
				if err := json.Unmarshal([]byte(optionsJSON), &opts); err != nil {
					return fmt.Errorf("absurdctl: --options: %w", err)
				}
			}
			res, err := e.SpawnTask(cmd.Context(), args[0], args[1], json.RawMessage(args[2]), opts)
			if err != nil {
				return err
			}
			fmt.Printf("task_id=%s run_id=%s attempt=%d created=%v\n", res.TaskID, res.RunID, res.Attempt, res.Created)
			return nil
		},
	}
	cmd.Flags().StringVar(&optionsJSON, "options", "", "JSON-encoded SpawnOptions")
	return cmd
}

func newClaimCommand(c *cli) *cobra.Command {
	var leaseSeconds, batchSize int
	var workerID string
	cmd := &cobra.Command{
		Use:   "claim <queue>",
		Short: "Claim runnable runs for a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open()
			if err != nil {
				return err
			}
			claimed, err := e.ClaimTask(cmd.Context(), args[0], workerID, leaseSeconds, batchSize)
			if err != nil {
				return err
			}
			for _, t := range claimed {
				fmt.Printf("%s run=%s task=%s(%s) attempt=%d\n", statusColor("running"), t.RunID, t.TaskID, t.TaskName, t.Attempt)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "absurdctl", "worker identifier")
	cmd.Flags().IntVar(&leaseSeconds, "lease", 60, "lease duration in seconds")
	cmd.Flags().IntVar(&batchSize, "batch", 1, "maximum runs to claim")
	return cmd
}

func newCompleteCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <queue> <run_id> <result_json>",
		Short: "Mark a run completed",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open()
			if err != nil {
				return err
			}
			return e.CompleteRun(cmd.Context(), args[0], args[1], json.RawMessage(args[2]))
		},
	}
}

func newFailCommand(c *cli) *cobra.Command {
	var retryAfter float64
	var hasRetryAfter bool
	cmd := &cobra.Command{
		Use:   "fail <queue> <run_id> <reason_json>",
		Short: "Mark a run failed, scheduling a retry unless attempts are exhausted",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open()
			if err != nil {
				return err
			}
			var retryAfterPtr *float64
			if hasRetryAfter {
				retryAfterPtr = &retryAfter
			}
			return e.FailRun(cmd.Context(), args[0], args[1], json.RawMessage(args[2]), retryAfterPtr)
		},
	}
	cmd.Flags().Float64Var(&retryAfter, "retry-after", 0, "override the computed retry delay, in seconds")
	cmd.Flags().BoolVar(&hasRetryAfter, "retry-after-set", false, "treat --retry-after as an explicit override")
	return cmd
}

func newCancelCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <queue> <task_id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open()
			if err != nil {
				return err
			}
			return e.CancelTask(cmd.Context(), args[0], args[1])
		},
	}
}

func newCleanupCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Sweep terminal tasks and undelivered events past their TTL",
	}
	var taskTTL, taskLimit int
	tasksCmd := &cobra.Command{
		Use:   "tasks <queue>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open()
			if err != nil {
				return err
			}
			n, err := e.CleanupTasks(cmd.Context(), args[0], taskTTL, taskLimit)
			if err != nil {
				return err
			}
			fmt.Printf("%s deleted %d task(s)\n", green("ok"), n)
			return nil
		},
	}
	tasksCmd.Flags().IntVar(&taskTTL, "ttl", 7*24*3600, "seconds past terminal before deletion")
	tasksCmd.Flags().IntVar(&taskLimit, "limit", 1000, "maximum rows deleted per call")
	cmd.AddCommand(tasksCmd)

	var eventTTL, eventLimit int
	eventsCmd := &cobra.Command{
		Use:   "events <queue>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open()
			if err != nil {
				return err
			}
			n, err := e.CleanupEvents(cmd.Context(), args[0], eventTTL, eventLimit)
			if err != nil {
				return err
			}
			fmt.Printf("%s deleted %d event(s)\n", green("ok"), n)
			return nil
		},
	}
	eventsCmd.Flags().IntVar(&eventTTL, "ttl", 24*3600, "seconds past creation before deletion")
	eventsCmd.Flags().IntVar(&eventLimit, "limit", 1000, "maximum rows deleted per call")
	cmd.AddCommand(eventsCmd)

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print absurdctl's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("absurdctl 0.1.0")
			return nil
		},
	}
}
