package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crosspost/internal/app"
	"crosspost/pkg/logx"
	"crosspost/pkg/systemd"
)

func main() {
	var (
		cfgPath string
		check   bool
	)
	flag.StringVar(&cfgPath, "config", "./crosspost.yaml", "path to config (yaml or json)")
	flag.BoolVar(&check, "check", false, "validate the config and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if check {
		_ = a.Stop(context.Background())
		fmt.Println("config ok")
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	log := logx.NewConsole("info").With(logx.Comp("main"))
	systemd.Ready(log)
	go func() { _ = systemd.Watchdog(ctx, log, a.Err) }()

	<-a.Done()
	systemd.Stopping(log)

	// Longer than the drain window so executions can finish their write-back.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Minute)
	defer stopCancel()
	stopErr := a.Stop(stopCtx)

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if stopErr != nil {
		fmt.Fprintln(os.Stderr, "stop:", stopErr)
		os.Exit(1)
	}
}
