// Edgewalker CLI — инструмент командной строки для компиляции графов,
// управления runs и отправки callback'ов через HTTP API.
//
// Использование:
//
//	edgewalker [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	graph     Компиляция и публикация графов
//	run       Запуск и наблюдение за runs
//	callback  Отправка результатов узлов
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/Edgewalker/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "edgewalker",
		Short:         "Edgewalker CLI — edge-walking workflow engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := "http://localhost:8080"
	if v := os.Getenv("EDGEWALKER_API_URL"); v != "" {
		defaultURL = v
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewGraphCmd(clientFn, outputFn),
		cli.NewRunCmd(clientFn, outputFn),
		cli.NewCallbackCmd(clientFn, outputFn),
	)

	// run watch читает поток до Ctrl+C.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
