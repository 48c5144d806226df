package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"knowtifd/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := app.New(cfgPath)

	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	select {
	case err := <-errc:
		if err != nil {
			fmt.Println("fatal:", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		if err := <-errc; err != nil {
			fmt.Println("fatal:", err)
			os.Exit(1)
		}
	}
}
