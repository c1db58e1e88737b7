package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/expert-payments/internal/synctask"
	synctaskpg "github.com/frahmantamala/expert-payments/internal/synctask/postgres"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and requeue sync tasks",
}

var listTasksCmd = &cobra.Command{
	Use:   "list",
	Short: "List sync tasks by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd.Context(), func(queue *synctaskpg.QueueRepository) error {
			tasks, err := queue.List(cmd.Context(), synctask.Status(taskStatus), taskLimit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tDEDUPE KEY\tATTEMPTS\tNEXT ATTEMPT\tLAST ERROR")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
					t.ID, t.Kind, t.DedupeKey, t.Attempts, t.NextAttemptAt.Format("2006-01-02 15:04:05"), t.LastError)
			}
			return tw.Flush()
		})
	},
}

var requeueTaskCmd = &cobra.Command{
	Use:   "requeue [task-id]",
	Short: "Put a dead or finished task back on the queue with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q", args[0])
		}
		return withQueue(cmd.Context(), func(queue *synctaskpg.QueueRepository) error {
			if err := queue.Requeue(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("task %d requeued\n", id)
			return nil
		})
	},
}

var (
	taskStatus string
	taskLimit  int
)

// withQueue opens only the database; the task commands need no processor or broker.
func withQueue(ctx context.Context, fn func(*synctaskpg.QueueRepository) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gdb, closeDB, err := openGorm(cfg.Database)
	if err != nil {
		return err
	}
	defer closeDB()

	return fn(synctaskpg.NewQueueRepository(gdb.WithContext(ctx)))
}

func init() {
	listTasksCmd.Flags().StringVar(&taskStatus, "status", string(synctask.StatusDead), "task status: pending, done or dead")
	listTasksCmd.Flags().IntVar(&taskLimit, "limit", 50, "maximum rows to print")

	tasksCmd.AddCommand(listTasksCmd)
	tasksCmd.AddCommand(requeueTaskCmd)
}
