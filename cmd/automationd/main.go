package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/dtable-io/automationd/internal/app"
	"github.com/dtable-io/automationd/internal/config"
)

var version = "dev"

type runCmd struct{}

func (c *runCmd) Run(globals *globals) error {
	cfg, err := config.Load(globals.Config)
	if err != nil {
		return err
	}
	config.SetupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx, cfg)
}

type migrateCmd struct{}

func (c *migrateCmd) Run(globals *globals) error {
	cfg, err := config.Load(globals.Config)
	if err != nil {
		return err
	}
	config.SetupLogging(cfg.Log)
	return app.Migrate(cfg)
}

type globals struct {
	Config string `help:"Path to the configuration file." default:"automationd.yml" type:"path"`
}

var cli struct {
	globals

	Version kong.VersionFlag `help:"Print version and exit."`
	Run     runCmd           `cmd:"" default:"1" help:"Run the automation trigger engine."`
	Migrate migrateCmd       `cmd:"" help:"Run database migrations and exit."`
}

func main() {
	cmd := kong.Parse(&cli,
		kong.Name("automationd"),
		kong.Description("Trigger and quota enforcement engine for dtable automation rules."),
		kong.Vars{"version": version},
	)
	err := cmd.Run(&cli.globals)
	cmd.FatalIfErrorf(err)
}
