package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"validatord/internal/app"
	"validatord/internal/config"
	logx "validatord/pkg/logx"
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config (json or yaml); defaults to $"+config.EnvPath+" or ./config.yaml")
	flag.Parse()

	boot := logx.NewConsole("INFO").With(logx.String("comp", "main"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfgm := config.NewManager(config.ResolvePath(cfgPath), boot.With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		boot.Error("config load failed", logx.String("path", cfgm.Path()), logx.Err(err))
		return 1
	}

	a, err := app.New(cfg, app.WithConfigManager(cfgm))
	if err != nil {
		boot.Error("init failed", logx.Err(err))
		return 1
	}

	if err := a.Run(ctx); err != nil {
		var se *app.StartupError
		if errors.As(err, &se) {
			boot.Error("startup failed", logx.Err(err))
		} else {
			boot.Error("unclean shutdown", logx.Err(err))
		}
		return 1
	}
	return 0
}
