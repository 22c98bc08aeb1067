package main

import (
	"fmt"
	"strings"
	"time"

	"fin-analysis-service/internal/cli"
	"fin-analysis-service/internal/client"
	"fin-analysis-service/internal/usecase"

	"github.com/spf13/cobra"
)

func newAskCmd() *cobra.Command {
	var (
		server    string
		modelName string
		sessionID string
		extra     string
		interval  time.Duration
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Submit a question to a running server and follow its progress",
		Example: `  fin-analysis ask "分析贵州茅台未来一个月走势" --model xgboost
  fin-analysis ask "换成 dlinear 再看看" --session <id>`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			c := client.New(server, 15*time.Second)

			res, err := c.Create(cmd.Context(), usecase.CreateRequest{
				Message:   strings.Join(args, " "),
				Model:     modelName,
				Context:   extra,
				SessionID: sessionID,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "session %s\n", res.SessionID)

			lastStep := -1
			p := client.NewPoller(c, client.PollerConfig{Interval: interval, Timeout: timeout}, func(v *usecase.StatusView) {
				if v.CurrentStep != lastStep {
					lastStep = v.CurrentStep
					fmt.Fprintln(out, cli.Progress(v))
				}
			})
			v, err := p.Poll(cmd.Context(), res.SessionID)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, cli.Progress(v))
			fmt.Fprintln(out, cli.Result(v))
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8000", "analysis API base URL")
	cmd.Flags().StringVar(&modelName, "model", "prophet", "forecast model: prophet|xgboost|randomforest|dlinear")
	cmd.Flags().StringVar(&sessionID, "session", "", "continue an existing session")
	cmd.Flags().StringVar(&extra, "context", "", "background information for the question")
	cmd.Flags().DurationVar(&interval, "interval", 1500*time.Millisecond, "poll interval")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long")
	return cmd
}
