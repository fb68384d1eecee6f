package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/guardian/internal"
	pkgconfig "github.com/starford/guardian/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadLayered(cfg, cmd.String("config"), cmd.StringSlice("overlay")...); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func migrateSnapshot(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	user := cmd.String("user")
	if user == "" {
		user = cfg.Auth.UserID
	}
	return internal.Migrate(ctx, user, cmd.String("snapshot"), internal.WithConfig(cfg))
}

func render(_ context.Context, cmd *cli.Command) error {
	return internal.Render(cmd.String("snapshot"), cmd.String("format"), os.Stdout)
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.ServeMCP(ctx, internal.WithConfig(cfg))
}

func snapshotFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "snapshot",
		Aliases:  []string{"s"},
		Usage:    "Path to a timeline snapshot JSON file",
		Required: true,
	}
}

func main() {
	cmd := &cli.Command{
		Name:   "guardian",
		Usage:  "Branching timeline planner with draft migration and process flow canvases",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringSliceFlag{
				Name:    "overlay",
				Usage:   "Config files applied over the base file when present",
				Value:   []string{"config/config.local.yaml"},
				Sources: cli.EnvVars("APP_CONFIG_OVERLAYS"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API",
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "Import a draft snapshot into the stored timeline",
				Flags: []cli.Flag{
					snapshotFlag(),
					&cli.StringFlag{
						Name:  "user",
						Usage: "Owner of the imported nodes (defaults to auth.user_id)",
					},
				},
				Action: migrateSnapshot,
			},
			{
				Name:  "render",
				Usage: "Print a snapshot as Mermaid or an outline",
				Flags: []cli.Flag{
					snapshotFlag(),
					&cli.StringFlag{
						Name:  "format",
						Usage: "mermaid or outline",
						Value: "mermaid",
					},
				},
				Action: render,
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools on stdin/stdout",
				Action: serveMCP,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
