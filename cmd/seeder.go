package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/access-control/internal/seeder"
)

var (
	seedCmd = &cobra.Command{
		Use:   "seed",
		Short: "Upsert the canonical roles and permissions",
		Long:  `Create every catalog role, permission and grant that does not exist yet. Running it twice is the same as running it once.`,
		Run: func(cmd *cobra.Command, args []string) {
			runSeeder(func(ctx context.Context, s *seeder.Seeder) seeder.Result { return s.Seed(ctx) })
		},
	}

	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Delete every role, permission and assignment",
		Run: func(cmd *cobra.Command, args []string) {
			runSeeder(func(ctx context.Context, s *seeder.Seeder) seeder.Result { return s.Clear(ctx) })
		},
	}

	reseedCmd = &cobra.Command{
		Use:   "reseed",
		Short: "Clear and seed in one transaction",
		Long:  `Replace the role/permission graph with the catalog. On failure nothing changes.`,
		Run: func(cmd *cobra.Command, args []string) {
			runSeeder(func(ctx context.Context, s *seeder.Seeder) seeder.Result { return s.Reseed(ctx) })
		},
	}
)

func runSeeder(run func(context.Context, *seeder.Seeder) seeder.Result) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	app, err := newApplication(cfg)
	if err != nil {
		log.Fatalf("failed to init dependencies: %v", err)
	}

	result := run(context.Background(), app.Seeder)
	app.Close()

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	if !result.Success {
		os.Exit(1)
	}
}
