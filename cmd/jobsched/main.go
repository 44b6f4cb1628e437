package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobsched/internal/app"
	"jobsched/internal/config"
	"jobsched/internal/container"
	"jobsched/internal/jobs"
	"jobsched/internal/trigger"
)

func main() {
	var (
		cfgPath string
		check   bool
	)
	flag.StringVar(&cfgPath, "config", "./jobsched.yaml", "path to config (json or yaml)")
	flag.BoolVar(&check, "check", false, "validate the config, print upcoming fire times and exit")
	flag.Parse()

	if check {
		if err := checkConfig(cfgPath); err != nil {
			fmt.Println("invalid config:", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Minute)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func checkConfig(path string) error {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return err
	}
	loc := time.Local
	if tz := cfg.Scheduler.Timezone; tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return err
		}
	}
	types := container.New()
	if err := jobs.Register(types); err != nil {
		return err
	}
	now := time.Now().In(loc)
	for _, jc := range cfg.Jobs {
		info, err := jc.Info()
		if err != nil {
			return err
		}
		if !types.Has(info.Type) {
			return fmt.Errorf("job %q: unknown type %q", info.Name, info.Type)
		}
		next := trigger.FormatPreview(trigger.Preview(info, now, 3), loc)
		if next == "" {
			next = "-"
		}
		fmt.Printf("%-24s %-16s %-20s next: %s\n", info.Name, info.Type, info.Schedule(), next)
	}
	return nil
}
