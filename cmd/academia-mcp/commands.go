package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/academia-mcp/academia/client"
	"github.com/academia-mcp/academia/client/stream"
	"github.com/academia-mcp/academia/pkg/academia"
	"github.com/academia-mcp/academia/server"
	"github.com/academia-mcp/academia/util"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var errChecksFailed = errors.New("conformance checks failed")

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "academia-mcp",
		Short:         "MCP server for a gym exercise catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to the YAML config file")
	root.PersistentFlags().StringP("log-level", "l", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "", "Log format: text or json")

	root.AddCommand(newServeCmd(), newCheckCmd(), newMigrateCmd(), newVersionCmd())
	return root
}

// loadConfig reads the file named by --config, ACADEMIA_* variables and the
// flags set on cmd.
func loadConfig(cmd *cobra.Command) (*util.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return util.LoadConfig(path, cmd.Flags())
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := server.NewBuilder(cfg).Build(ctx)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().String("host", "", "Interface to listen on")
	cmd.Flags().IntP("port", "p", 3002, "Port to listen on")
	cmd.Flags().String("db", "", "Path to the sqlite database")
	cmd.Flags().Bool("in-memory", false, "Keep the catalog in memory")
	cmd.Flags().String("api-token", "", "Require this bearer token on the MCP endpoint")
	cmd.Flags().StringSlice("cors-origin", nil, "Allowed CORS origins")
	cmd.Flags().String("endpoint", "/mcp", "Path of the MCP endpoint")
	cmd.Flags().String("jwt-secret", "", "Accept HMAC signed JWTs with this secret")
	cmd.Flags().Duration("session-idle-timeout", 30*time.Minute, "Close sessions idle for this long")
	cmd.Flags().Duration("shutdown-timeout", 5*time.Second, "How long shutdown waits for in-flight requests")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var (
		endpoint string
		token    string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the conformance checks against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}

			opts := []client.CheckerOption{
				client.WithStreamTimeout(timeout),
				client.WithCheckerLogger(logger),
			}
			if token != "" {
				opts = append(opts, client.WithTransportOptions(stream.WithBearerToken(token)))
			}

			report := client.NewChecker(endpoint, opts...).Run(cmd.Context())
			report.Write(cmd.OutOrStdout())
			if !report.Passed() {
				return errChecksFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "url", "http://localhost:3002/mcp", "MCP endpoint URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token sent with every request")
	cmd.Flags().DurationVar(&timeout, "stream-timeout", 3*time.Second, "How long to hold the SSE stream open")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the catalog schema and seed data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}
			store, err := academia.Open(cmd.Context(), academia.Options{
				Path:    cfg.DatabasePath,
				Migrate: true,
				Logger:  logger,
			})
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "catalog ready at %s\n", cfg.DatabasePath)
			return nil
		},
	}
	cmd.Flags().String("db", "", "Path to the sqlite database")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "academia-mcp %s\n", version)
		},
	}
}
