package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/newsfinder/config"
	srv "github.com/mohammad-safakhou/newsfinder/internal/server"
)

func main() {
	var root = &cobra.Command{Use: "newsfinder"}
	var cfgPath string
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config.json)")

	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if serveAddr == "" {
				serveAddr = getenv("NEWSFINDER_HTTP_ADDR", cfg.Server.Address)
			}
			cfg.Server.Address = serveAddr
			return srv.Run(cfg)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address")

	var run = &cobra.Command{
		Use:   "run",
		Short: "Execute one monitoring cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newApp(cfgPath)
			if err != nil {
				return err
			}
			defer s.Close()
			summary, err := s.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("fetched %d: %d imported, %d skipped, %d errored\n",
				summary.Fetched, summary.Imported, summary.Skipped, summary.Errored)
			return nil
		},
	}

	var reprocess = &cobra.Command{
		Use:   "reprocess <article-id>",
		Short: "Re-score a stored article with the current prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newApp(cfgPath)
			if err != nil {
				return err
			}
			defer s.Close()
			_, changes, err := s.ReprocessArticle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(changes)
		},
	}

	var maxCases int
	var applyPrompt bool
	var optimize = &cobra.Command{
		Use:   "optimize",
		Short: "Improve the analysis prompt from flagged verifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newApp(cfgPath)
			if err != nil {
				return err
			}
			defer s.Close()
			report, err := s.Optimize(cmd.Context(), maxCases, applyPrompt)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	optimize.Flags().IntVar(&maxCases, "max-cases", 10, "failure cases to learn from")
	optimize.Flags().BoolVar(&applyPrompt, "apply", false, "apply a winning candidate prompt")

	var migDir string
	var migDirDefault = "file://migrations"
	var direction string
	var steps int
	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if migDir == "" {
				migDir = migDirDefault
			}
			return srv.Migrate(migDir, cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", migDirDefault, "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	root.AddCommand(serve, run, reprocess, optimize, migrate)
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newApp(cfgPath string) (*srv.Server, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return srv.New(cfg)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
