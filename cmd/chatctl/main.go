package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Chat with a llama.cpp server from the terminal",
	Long: `chatctl opens a stored completion on the backend, sends messages to
llama-server, runs tool calls and saves the conversation back.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configFile string
	verbose    bool
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (overrides CONFIG_FILE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	Execute()
}
