package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"netpulse/internal/app"
)

func main() {
	var (
		cfgPath string
		mode    string
		once    bool
	)
	flag.StringVar(&cfgPath, "config", "./netpulse.yaml", "path to config (yaml or json)")
	flag.StringVar(&mode, "mode", "", "render mode override: auto, tui, line or none")
	flag.BoolVar(&once, "once", false, "measure download and upload once, print and exit")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	reasons := make(chan app.StopReason, 1)
	go func() {
		sig, ok := <-sigs
		if !ok {
			return
		}
		if sig == syscall.SIGTERM {
			reasons <- app.StopSIGTERM
		} else {
			reasons <- app.StopSIGINT
		}
		cancel()
	}()

	a, err := app.New(app.Options{ConfigPath: cfgPath, Mode: mode, Once: once})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if once {
		fmt.Println(a.MeasureOnce(ctx).String())
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	<-a.Done()
	reason := app.StopUnknown
	select {
	case reason = <-reasons:
	default:
		switch {
		case a.QuitRequested():
			reason = app.StopUserQuit
		case a.Err() != nil:
			reason = app.StopFatalError
		}
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
