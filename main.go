package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/ShoshinNikita/rpix/cmd"
	"github.com/ShoshinNikita/rpix/pkg/rlog"
	"github.com/ShoshinNikita/rpix/rpix"
)

func main() {
	cfg, err := rpix.ParseConfig(os.Args[1:])
	switch {
	case errors.Is(err, rpix.ErrPrintVersion):
		cfg.BuildInfo.Print(os.Stdout)
		return
	case errors.Is(err, flag.ErrHelp):
		return
	case err != nil:
		rlog.Errorf("invalid config: %s", err)
		os.Exit(1)
	}

	cfg.BuildInfo.Print(os.Stdout)
	cfg.Print(os.Stdout)

	rlog.SetLevel(cfg.LogLevel)

	app := cmd.NewRpix(cfg)

	// Always shutdown to flush the disk cache journal.
	var (
		exitCode      int
		startFinished <-chan struct{}
	)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rlog.Info("shutdown")
		if err := app.Shutdown(ctx); err != nil {
			rlog.Error(err)
		}

		if startFinished != nil {
			<-startFinished
		}

		os.Exit(exitCode)
	}()

	if err := app.Prepare(); err != nil {
		rlog.Error(err)
		exitCode = 1
		return
	}

	termCtx, termCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	startFinished = app.Start(func() {
		exitCode = 1
		termCtxCancel()
	})

	<-termCtx.Done()
}
