// Command api runs the Joi chat gateway in front of a local Ollama server.
//
// Usage:
//
//	api serve
//	api serve --ollama-url http://127.0.0.1:11434 --port 3000
//	api probe
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/joi-gateway/internal/config"
	"github.com/zhouzirui/joi-gateway/internal/logging"
)

type overrides struct {
	ollamaURL string
	port      string
	model     string
	logLevel  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	var o overrides
	root := &cobra.Command{
		Use:           "api",
		Short:         "Streaming chat gateway for a local Ollama model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, o)
			if err != nil {
				return err
			}
			logger, err := logging.New(os.Stderr, cfg.LogLevel)
			if err != nil {
				return err
			}
			if envErr != nil {
				logger.Warn("failed to load .env file, continuing with system environment", "err", envErr)
			}
			return run(cmd.Context(), cfg, logger)
		},
	}

	probe := &cobra.Command{
		Use:   "probe",
		Short: "Check that the Ollama backend is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, o)
			if err != nil {
				return err
			}
			return runProbe(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.ollamaURL, "ollama-url", "", "Ollama API base URL (overrides OLLAMA_URL)")
	pf.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")

	f := serve.Flags()
	f.StringVarP(&o.port, "port", "p", "", "HTTP port (overrides PORT)")
	f.StringVarP(&o.model, "model", "m", "", "Model name (overrides OLLAMA_MODEL)")

	root.AddCommand(serve, probe)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment, then applies only the flags set on the
// command line.
func loadConfig(cmd *cobra.Command, o overrides) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("ollama-url") {
		cfg.Backend.URL = o.ollamaURL
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("model") {
		cfg.Backend.Model = o.model
	}
	if flags.Changed("port") {
		addr, err := config.ListenAddr(o.port)
		if err != nil {
			return nil, err
		}
		cfg.Server.Addr = addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
