// turnctl is a small client for the turngate HTTP API: dispatch a message,
// follow a turn's event stream, leave feedback.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagWorkspace string
	flagUser      string
	flagSession   string
)

func main() {
	root := &cobra.Command{
		Use:           "turnctl",
		Short:         "Client for the turngate coordinator API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagServer, "server", "http://localhost:8080", "turngate base URL")
	root.PersistentFlags().StringVar(&flagWorkspace, "workspace", "", "workspace id")
	root.PersistentFlags().StringVar(&flagUser, "user", "", "user id")

	root.AddCommand(newSendCmd(), newStreamCmd(), newShowCmd(), newFeedbackCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "turnctl: %v\n", err)
		os.Exit(1)
	}
}

func newClient() (*apiClient, error) {
	if flagWorkspace == "" || flagUser == "" {
		return nil, fmt.Errorf("--workspace and --user are required")
	}
	return &apiClient{
		baseURL:     flagServer,
		workspaceID: flagWorkspace,
		userID:      flagUser,
	}, nil
}

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Dispatch a message and print the new turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			result, err := c.Send(cmd.Context(), flagSession, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("turn_id=%s session_id=%s job_id=%s\n", result.TurnID, result.SessionID, result.JobID)
			if result.EnqueueError != "" {
				fmt.Printf("warning: enqueue failed (%s); the turn will be retried\n", result.EnqueueError)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagSession, "session", "", "existing session id (omit to start a new session)")
	return cmd
}

func newStreamCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stream <turn-id>",
		Short: "Follow a turn's event stream until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return c.Stream(cmd.Context(), args[0], func(line string) {
				fmt.Println(line)
			})
		},
	}
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <turn-id>",
		Short: "Print a turn's current record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			raw, err := c.Show(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(raw)
			return nil
		},
	}
}

func newFeedbackCmd() *cobra.Command {
	var score int
	var comment string
	cmd := &cobra.Command{
		Use:   "feedback <turn-id>",
		Short: "Record feedback on a turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.Feedback(cmd.Context(), args[0], score, comment); err != nil {
				return err
			}
			fmt.Println("feedback recorded")
			return nil
		},
	}
	cmd.Flags().IntVar(&score, "score", 0, "feedback score")
	cmd.Flags().StringVar(&comment, "comment", "", "feedback comment")
	return cmd
}
