// File: cmd/fasttun-client/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/fasttun/client"
	"github.com/momentics/fasttun/control"
	"github.com/momentics/fasttun/facade"
	"github.com/momentics/fasttun/internal/logger"
)

func main() {
	cfg, err := control.ParseArgs("fasttun-client", control.RoleClient, os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *control.Config) error {
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	rt, err := facade.New(cfg, log)
	if err != nil {
		return err
	}
	svc := client.NewClient(rt)
	if err := svc.Start(); err != nil {
		return multierr.Append(err, rt.Shutdown())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info("fasttun-client started", zap.String("listen", cfg.Listen), zap.String("remote", cfg.Remote))
	return rt.Run(ctx)
}
