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

// NewGraphCmd создаёт группу команд для управления графами.
func NewGraphCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Manage graphs",
	}

	cmd.AddCommand(
		newGraphListCmd(clientFn, outputFn),
		newGraphCreateCmd(clientFn, outputFn),
		newGraphShowCmd(clientFn, outputFn),
		newGraphCompileCmd(clientFn, outputFn),
		newGraphVersionsCmd(clientFn, outputFn),
		newGraphPublishCmd(clientFn, outputFn),
	)

	return cmd
}

func newGraphListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all graphs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			graphs, err := client.ListGraphs()
			if err != nil {
				return err
			}

			headers := []string{"ID", "NAME", "CREATED"}
			rows := make([][]string, len(graphs))
			for i, g := range graphs {
				rows[i] = []string{g.ID, g.Name, g.CreatedAt}
			}

			out.Print(headers, rows, graphs)
			return nil
		},
	}
}

func newGraphCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var name string
	var file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new graph, optionally publishing version 1 from a definition file",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			var definition map[string]any
			if file != "" {
				var err error
				if definition, err = loadDefinition(file); err != nil {
					return err
				}
			}

			graph, err := client.CreateGraph(name, definition)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Graph created: %s", graph.ID))
			version := ""
			if graph.Version != nil {
				version = strconv.Itoa(graph.Version.Version)
			}
			out.Print(
				[]string{"ID", "NAME", "VERSION", "CREATED"},
				[][]string{{graph.ID, graph.Name, version, graph.CreatedAt}},
				graph,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Graph name (required)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to definition file (YAML or JSON)")
	cmd.MarkFlagRequired("name")

	return cmd
}

func newGraphShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show graph details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			graph, err := client.GetGraph(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "NAME", "CREATED"},
				[][]string{{graph.ID, graph.Name, graph.CreatedAt}},
				graph,
			)
			return nil
		},
	}
}

func newGraphCompileCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile a definition file without saving it",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			definition, err := loadDefinition(file)
			if err != nil {
				return err
			}

			graph, err := client.Compile(definition)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Graph compiled: %d nodes, entry %s",
				len(graph.Nodes), strings.Join(graph.EntryNodeIDs, ", ")))
			out.Print([]string{"ORDER", "NODE", "TYPE", "KIND", "SERVICE"}, compiledRows(graph), graph)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to definition file (YAML or JSON, required)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func newGraphVersionsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "versions GRAPH_ID",
		Short: "List graph versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			versions, err := client.ListVersions(args[0])
			if err != nil {
				return err
			}

			headers := []string{"GRAPH_ID", "VERSION", "NODES", "CREATED"}
			rows := make([][]string, len(versions))
			for i, v := range versions {
				nodes := ""
				if v.ExecutionGraph != nil {
					nodes = strconv.Itoa(len(v.ExecutionGraph.Nodes))
				}
				rows[i] = []string{v.GraphID, strconv.Itoa(v.Version), nodes, v.CreatedAt}
			}

			out.Print(headers, rows, versions)
			return nil
		},
	}
}

func newGraphPublishCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "publish GRAPH_ID",
		Short: "Compile and publish a new graph version from a definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			definition, err := loadDefinition(file)
			if err != nil {
				return err
			}

			version, err := client.PublishVersion(args[0], definition)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Version %d published for graph %s", version.Version, version.GraphID))
			out.Print(
				[]string{"GRAPH_ID", "VERSION", "CREATED"},
				[][]string{{version.GraphID, strconv.Itoa(version.Version), version.CreatedAt}},
				version,
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to definition file (YAML or JSON, required)")
	cmd.MarkFlagRequired("file")

	return cmd
}

// loadDefinition читает определение графа из файла.
// JSON — подмножество YAML, поэтому оба формата разбираются yaml.v3.
func loadDefinition(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}

	var definition map[string]any
	if err := yaml.Unmarshal(data, &definition); err != nil {
		return nil, fmt.Errorf("definition file is not valid YAML or JSON: %w", err)
	}
	if definition == nil {
		return nil, fmt.Errorf("definition file %s is empty", path)
	}
	return definition, nil
}

// compiledRows строит таблицу узлов в топологическом порядке.
func compiledRows(g *ExecutionGraph) [][]string {
	order := g.Order
	if len(order) == 0 {
		for id := range g.Nodes {
			order = append(order, id)
		}
		sort.Strings(order)
	}

	rows := make([][]string, 0, len(order))
	for i, id := range order {
		n := g.Nodes[id]
		rows = append(rows, []string{strconv.Itoa(i + 1), id, n.Type, n.Kind, n.Service})
	}
	return rows
}
