package cli

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
	}

	cmd.AddCommand(
		newRunListCmd(clientFn, outputFn),
		newRunStartCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunNodesCmd(clientFn, outputFn),
		newRunRetryCmd(clientFn, outputFn),
		newRunResumeCmd(clientFn, outputFn),
		newRunWatchCmd(clientFn, outputFn),
	)

	return cmd
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var graphID string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(ListRunsOpts{
				GraphID: graphID,
				Status:  status,
				Limit:   limit,
			})
			if err != nil {
				return err
			}

			headers := []string{"ID", "GRAPH_ID", "VERSION", "STATUS", "CREATED"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{r.ID, r.GraphID, strconv.Itoa(r.Version), r.Status, r.CreatedAt}
			}

			out.Print(headers, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&graphID, "graph-id", "", "Filter by graph ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed, waiting_for_user)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newRunStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var version int
	var inputs []string
	var inputFile string
	var correlationID string

	cmd := &cobra.Command{
		Use:   "start GRAPH_ID",
		Short: "Start a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := CreateRunRequest{CorrelationID: correlationID}
			if cmd.Flags().Changed("version") {
				req.Version = &version
			}

			input, err := parseInput(inputFile, inputs)
			if err != nil {
				return err
			}
			req.Input = input

			run, err := client.StartRun(args[0], req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run started: %s", run.ID))
			out.Print(
				[]string{"ID", "GRAPH_ID", "VERSION", "STATUS", "CREATED"},
				[][]string{{run.ID, run.GraphID, strconv.Itoa(run.Version), run.Status, run.CreatedAt}},
				run,
			)
			return nil
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "Graph version (latest if not specified)")
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Input values as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "Path to input file (YAML or JSON)")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation ID for the run")

	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details with node states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			snapshot, err := client.GetRun(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(snapshot)
				return nil
			}

			run := snapshot.Run
			out.Table(
				[]string{"ID", "GRAPH_ID", "VERSION", "STATUS", "ERROR", "CREATED"},
				[][]string{{run.ID, run.GraphID, strconv.Itoa(run.Version), run.Status, run.Error, run.CreatedAt}},
			)
			fmt.Fprintln(out.w)
			out.Table(nodeHeaders, nodeRows(snapshotNodes(snapshot)))
			return nil
		},
	}
}

func newRunNodesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes RUN_ID",
		Short: "List node states of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			nodes, err := client.ListNodes(args[0])
			if err != nil {
				return err
			}

			out.Print(nodeHeaders, nodeRows(nodes), nodes)
			return nil
		},
	}
}

func newRunRetryCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "retry RUN_ID NODE_KEY",
		Short: "Re-dispatch a failed node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			snapshot, err := client.RetryNode(args[0], args[1])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Node %s retried, run is %s", args[1], snapshot.Status))
			out.Print(nodeHeaders, nodeRows(snapshotNodes(snapshot)), snapshot)
			return nil
		},
	}
}

func newRunResumeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "resume RUN_ID",
		Short: "Resume walking a run from its persisted state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			snapshot, err := client.ResumeRun(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run resumed: %s (%s)", snapshot.Run.ID, snapshot.Status))
			out.Print(nodeHeaders, nodeRows(snapshotNodes(snapshot)), snapshot)
			return nil
		},
	}
}

func newRunWatchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "watch RUN_ID",
		Short: "Stream run events until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			return client.StreamEvents(cmd.Context(), args[0], func(ev Event) error {
				if out.jsonMode {
					out.JSON(map[string]any{"type": ev.Type, "data": ev.Data})
					return nil
				}
				fmt.Fprintf(out.w, "%s\t%s\n", ev.Type, ev.Data)
				return nil
			})
		},
	}
}

var nodeHeaders = []string{"KEY", "NODE", "STATUS", "ATTEMPT", "ERROR"}

func nodeRows(nodes []NodeStateResponse) [][]string {
	rows := make([][]string, len(nodes))
	for i, n := range nodes {
		rows[i] = []string{n.Key, n.NodeID, n.Status, strconv.Itoa(n.Attempt), n.Error}
	}
	return rows
}

// snapshotNodes возвращает состояния узлов снимка, отсортированные по ключу.
func snapshotNodes(s *SnapshotResponse) []NodeStateResponse {
	keys := make([]string, 0, len(s.NodeStates))
	for key := range s.NodeStates {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	nodes := make([]NodeStateResponse, len(keys))
	for i, key := range keys {
		nodes[i] = s.NodeStates[key]
	}
	return nodes
}

// parseInput собирает вход run из файла и пар KEY=VALUE.
// Значения разбираются как YAML-скаляры: 42 — число, true — bool.
// Пары перекрывают поля файла.
func parseInput(file string, pairs []string) (map[string]any, error) {
	input := make(map[string]any)

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		if err := yaml.Unmarshal(data, &input); err != nil {
			return nil, fmt.Errorf("input file is not valid YAML or JSON: %w", err)
		}
	}

	for _, kv := range pairs {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		input[key] = value
	}

	if len(input) == 0 {
		return nil, nil
	}
	return input, nil
}
