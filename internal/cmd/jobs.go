package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dontdude/scriptq/internal/client"
	"github.com/dontdude/scriptq/internal/domain"
	"github.com/dontdude/scriptq/internal/observability"
	"github.com/dontdude/scriptq/internal/session"
)

var (
	submitName  string
	submitRedis bool

	awaitTimeout time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit [file|-]",
	Short: "Submit a script to a running server",
	Long: `Submit a script read from a file, or from stdin when the argument is "-" or
omitted. Prints the job name.

With --redis the script is published to the Redis intake stream instead of
the HTTP API; the serving process picks it up asynchronously.

Examples:
  scriptq submit model.expr                 # job name "model"
  echo '1 + 1' | scriptq submit --name sum
  scriptq submit --redis model.expr`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show a job's state and deliver its pending messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var awaitCmd = &cobra.Command{
	Use:   "await <name>",
	Short: "Block until a job has a value and print it",
	Args:  cobra.ExactArgs(1),
	RunE:  runAwait,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Acknowledge and report a pending failure",
	Long: `Report the failure that is blocking new submissions, if any, and clear it.
Exits non-zero when a failure was pending.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the interpreter environment of an idle server",
	Args:  cobra.NoArgs,
	RunE:  runReset,
}

func init() {
	rootCmd.AddCommand(submitCmd, statusCmd, awaitCmd, checkCmd, resetCmd)

	submitCmd.Flags().StringVar(&submitName, "name", "", "Job name (default: file base name, or generated)")
	submitCmd.Flags().BoolVar(&submitRedis, "redis", false, "Publish to the Redis intake stream")

	awaitCmd.Flags().DurationVar(&awaitTimeout, "timeout", 0, "Give up after this long (0 = server limit)")
}

func readScript(args []string) (string, string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		return "", string(data), err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", "", err
	}
	return jobName(args[0]), string(data), nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	defaultName, script, err := readScript(args)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}
	name := submitName
	if name == "" {
		name = defaultName
	}

	if submitRedis {
		rq, err := openRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer rq.Close()

		if name == "" {
			name = session.NewJobName()
		}
		job := domain.Job{Name: name, Script: script, SubmittedAt: time.Now().UTC()}
		observability.Logger.Info("Publishing job", zap.String("job", name))
		if err := rq.Publish(ctx, job); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), name)
		return nil
	}

	name, err = client.New(apiURL(), nil).Submit(ctx, name, script)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), name)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := client.New(apiURL(), nil).Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func runAwait(cmd *cobra.Command, args []string) error {
	value, err := client.New(apiURL(), nil).Await(cmd.Context(), args[0], awaitTimeout)
	if err != nil {
		return err
	}
	if value != nil {
		fmt.Fprintln(cmd.OutOrStdout(), value)
	}
	return nil
}

func runCheck(cmd *cobra.Command, _ []string) error {
	if err := client.New(apiURL(), nil).CheckError(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}

func runReset(cmd *cobra.Command, _ []string) error {
	if err := client.New(apiURL(), nil).Reset(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "reset")
	return nil
}
