package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/communitypay-backend/pkg/config"
	"github.com/angelmondragon/communitypay-backend/pkg/db"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	"github.com/angelmondragon/communitypay-backend/pkg/migrate"
)

const usage = `usage: migrate [flags] <command>

commands:
  up                 apply pending migrations
  down               roll back the latest migration
  status             list migrations and whether they are applied
  to <version>       move the schema to YYYYMMDDHHMMSS
  create <name>      write a new empty migration into -dir
  validate           check migration files in -dir
`

func main() {
	dir := flag.String("dir", "", "read migrations from this directory instead of the embedded set")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage); flag.PrintDefaults() }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	command, args := flag.Arg(0), flag.Args()[1:]

	// file-only commands skip config so they work without an environment
	switch command {
	case "create":
		if len(args) != 1 {
			fail("create needs exactly one name")
		}
		path, err := migrate.CreateSQLMigration(diskDir(*dir), args[0], time.Now())
		if err != nil {
			fail(err.Error())
		}
		fmt.Println(path)
		return
	case "validate":
		if err := migrate.ValidateDir(diskDir(*dir)); err != nil {
			fail(err.Error())
		}
		fmt.Println("migrations ok")
		return
	}

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fail("load config: " + err.Error())
	}
	logg := logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":     cfg.App.Env,
		"command": command,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "connect database", err)
		os.Exit(1)
	}
	defer dbClient.Close()

	sqlDB, err := dbClient.DB().DB()
	if err != nil {
		logg.Error(ctx, "unwrap sql.DB", err)
		os.Exit(1)
	}
	runner, err := migrate.NewRunner(sqlDB, migrate.Source(*dir))
	if err != nil {
		logg.Error(ctx, "build migration runner", err)
		os.Exit(1)
	}

	if err := run(ctx, runner, command, args); err != nil {
		logg.Error(ctx, "migration command failed", err)
		os.Exit(1)
	}
	logg.Info(ctx, "migration command finished")
}

func run(ctx context.Context, runner *migrate.Runner, command string, args []string) error {
	switch command {
	case "up":
		_, err := runner.Up(ctx)
		return err
	case "down":
		return runner.Down(ctx)
	case "to":
		if len(args) != 1 {
			return fmt.Errorf("to needs a version")
		}
		return runner.To(ctx, args[0])
	case "status":
		rows, err := runner.Status(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tAPPLIED\tFILE")
		for _, row := range rows {
			fmt.Fprintf(w, "%d\t%t\t%s\n", row.Version, row.Applied, row.Path)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func diskDir(dir string) string {
	if dir == "" {
		return migrate.DefaultDir
	}
	return dir
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, "migrate:", msg)
	os.Exit(1)
}
