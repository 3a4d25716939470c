package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// NewCallbackCmd создаёт группу команд для отправки результатов узлов.
// Нужна для user_gate узлов и ручной отладки воркеров.
func NewCallbackCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callback",
		Short: "Send node results",
	}

	cmd.AddCommand(newCallbackSendCmd(clientFn, outputFn))

	return cmd
}

func newCallbackSendCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var callbackID string
	var runID string
	var nodeKey string
	var status string
	var output string
	var errMsg string
	var attempt int

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a callback for a node (by callback id or by run id and node key)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := CallbackRequest{Status: status, Error: errMsg, Attempt: attempt}
			if output != "" {
				if err := json.Unmarshal([]byte(output), &req.Output); err != nil {
					return fmt.Errorf("invalid --output, expected JSON: %w", err)
				}
			}

			switch {
			case callbackID != "":
				if err := client.SendCallbackByID(callbackID, req); err != nil {
					return err
				}
			case runID != "" && nodeKey != "":
				req.RunID = runID
				req.NodeID = nodeKey
				if err := client.SendCallback(req); err != nil {
					return err
				}
			default:
				return errors.New("either --callback-id or both --run-id and --node are required")
			}

			out.Success(fmt.Sprintf("Callback accepted: %s", status))
			return nil
		},
	}

	cmd.Flags().StringVar(&callbackID, "callback-id", "", "Callback ID from the dispatched task")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run ID")
	cmd.Flags().StringVar(&nodeKey, "node", "", "Node key (node id, or node_id_index for fan-out instances)")
	cmd.Flags().StringVar(&status, "status", "completed", "Result status (running, completed, failed)")
	cmd.Flags().StringVar(&output, "output", "", "Node output as JSON")
	cmd.Flags().StringVar(&errMsg, "error", "", "Error message for failed status")
	cmd.Flags().IntVar(&attempt, "attempt", 0, "Node attempt the result belongs to (stale attempts are ignored)")

	return cmd
}
