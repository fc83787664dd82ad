package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/omniforge/orch/pkg/oerr"
	"github.com/omniforge/orch/pkg/osdk"
	"github.com/spf13/cobra"
)

var tailCmd = &cobra.Command{
	Use:   "tail [job-id]",
	Short: "Follow the log stream of a job",
	Long: `Prints a job's log lines as they are written and exits when the job
finishes. The exit code is non-zero unless the job ended in SUCCESS.`,
	Args: cobra.ExactArgs(1),
	RunE: tail,
}

func init() {
	rootCmd.AddCommand(tailCmd)
}

func tail(cmd *cobra.Command, args []string) error {
	jobID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job id %q", args[0])
	}

	cfg, err := GetConfig(cmd)
	if err != nil {
		return err
	}
	token := osdk.ResolveToken(cfg)
	if token == "" {
		return fmt.Errorf("no API token: pass --token, set ORCH_TOKEN or run 'orch token --save'")
	}
	if expired, err := osdk.IsTokenExpired(token, 30*time.Second); err == nil && expired {
		fmt.Fprintln(cmd.ErrOrStderr(), "⚠ API token is expired")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(cmd.ErrOrStderr(), "📋 Following logs for job %d\n", jobID)

	client := osdk.NewClient(cfg, token)
	end, err := client.TailJobLogs(ctx, jobID, func(l osdk.LogLine) error {
		_, err := fmt.Fprintf(out, "%s %-7s %s\n", l.TS.Local().Format(time.TimeOnly), l.Level, l.Message)
		return err
	})
	switch {
	case oerr.IsCode(err, oerr.CodeUnauthorized):
		return fmt.Errorf("authentication required: %w", err)
	case err != nil:
		return err
	}

	if end.Reason != "" {
		return fmt.Errorf("stream ended: %s", end.Reason)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Job %d finished: %s\n", jobID, end.Status)
	if end.Status != "SUCCESS" {
		return fmt.Errorf("job %d ended %s", jobID, end.Status)
	}
	return nil
}
