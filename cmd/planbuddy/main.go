// Command planbuddy runs the conversational activity planner, either as a
// NATS service or as a local terminal chat.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/avvvet/planbuddy/internal/config"
)

const Version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configFile string
	envFile    string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "planbuddy",
		Short: "Conversational planner for game venues and events",
		Long: `planbuddy turns a chat about a game, workout or event into a few
complete plans: the venue or event, how to get there and where to stay.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Config file layered under the environment (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Dotenv file loaded before the environment is read")

	cmd.AddCommand(serveCmd(flags), chatCmd(flags))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("planbuddy version %s\n", Version)
		},
	})
	return cmd
}

// loadConfig reads the dotenv file when present, then the environment
func loadConfig(flags *globalFlags) (*config.Config, error) {
	if flags.envFile != "" {
		if err := godotenv.Load(flags.envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", flags.envFile, err)
		}
	}

	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
