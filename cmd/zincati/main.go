// Copyright 2016 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/coreos/zincati-go/agent"
	"github.com/coreos/zincati-go/cincinnati"
	"github.com/coreos/zincati-go/config"
	"github.com/coreos/zincati-go/deployments"
	"github.com/coreos/zincati-go/identity"
	"github.com/coreos/zincati-go/internal/dbuscontrol"
	"github.com/coreos/zincati-go/reboot"
	"github.com/coreos/zincati-go/status"
)

var (
	plog = capnslog.NewPackageLogger("github.com/coreos/zincati-go", "main")

	logLevel     = capnslog.NOTICE
	statusSocket string
	denylistPath string

	root = &cobra.Command{
		Use:   "zincati",
		Short: "zincati drives a Fedora CoreOS host through a controlled auto-update cycle",
		RunE:  run,
	}
)

func init() {
	if env := os.Getenv("ZINCATI_VERBOSITY"); env != "" {
		if lvl, err := capnslog.ParseLevel(env); err == nil {
			logLevel = lvl
		}
	}
	root.PersistentFlags().Var(&logLevel, "log-level", "set global log level (overrides ZINCATI_VERBOSITY)")
	root.Flags().StringVar(&statusSocket, "status-socket", "/run/zincati/public/metrics.promsock", "unix socket path for the metrics scrape endpoint")
	root.Flags().StringVar(&denylistPath, "denylist-file", "/var/lib/zincati/denylist.json", "path to the persisted payload denylist")
}

func main() {
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	capnslog.SetFormatter(capnslog.NewStringFormatter(cmd.OutOrStderr()))
	capnslog.SetGlobalLogLevel(logLevel)
	plog.Infof("started logging at level %s", logLevel)

	cfg, err := config.LoadDefaultDirs()
	if err != nil {
		return errors.Wrap(err, "loading configuration")
	}

	osr := identity.NewFileOSReader()
	wariness := cfg.Identity.RolloutWariness
	id, err := identity.Build(osr, identity.Overrides{
		Group:           cfg.Identity.Group,
		NodeID:          cfg.Identity.NodeUUID,
		RolloutWariness: wariness,
	})
	if err != nil {
		// A fatal identity/config error gets surfaced once; the process
		// stays alive, idle, for observability rather than exiting.
		plog.Errorf("fatal: building agent identity: %v", err)
		return waitForTermination()
	}

	strat, err := buildStrategy(cfg, id)
	if err != nil {
		plog.Errorf("fatal: building finalization strategy: %v", err)
		return waitForTermination()
	}

	registry := prometheus.NewRegistry()
	metrics := status.NewMetrics(registry)
	sink := status.NewSink(metrics)

	metricsServer := status.NewServer(statusSocket, registry)
	if err := metricsServer.Start(); err != nil {
		plog.Warningf("starting metrics server: %v", err)
	}

	dbusSrv, err := dbuscontrol.New()
	if err != nil {
		plog.Warningf("starting D-Bus status surface (continuing without it): %v", err)
		dbusSrv = nil
	}

	gc := cincinnati.NewClient(cfg.Cincinnati.BaseURL, 10*time.Second, 30*time.Second)
	dc := deployments.NewClient()

	acfg := agent.DefaultConfig()
	acfg.UpdatesEnabled = cfg.Updates.Enabled
	acfg.AllowDowngrade = cfg.Updates.AllowDowngrade
	acfg.DenylistPath = denylistPath

	fsm := agent.New(id, gc, dc, strat, sink, metrics, acfg)
	if dl, err := agent.LoadDenylistFile(denylistPath); err != nil {
		plog.Warningf("loading persisted denylist %s (starting empty): %v", denylistPath, err)
	} else {
		fsm.Denylist = dl
	}

	if dbusSrv != nil {
		sink.SetStatusObserver(func(text string) {
			dbusSrv.Update(fsm.State().String(), text)
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		plog.Debugf("sd_notify READY=1: %v", err)
	}

	err = fsm.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	if dbusSrv != nil {
		_ = dbusSrv.Close()
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildStrategy selects exactly one finalization strategy from the
// `[updates] strategy` configuration key.
func buildStrategy(cfg config.Config, id *identity.Identity) (reboot.Strategy, error) {
	switch cfg.Updates.Strategy {
	case "", "immediate":
		return reboot.Immediate{}, nil
	case "fleet_lock":
		return reboot.NewFleetLock(cfg.Updates.FleetLock.BaseURL, id.NodeID, id.Group)
	case "periodic":
		windows := make([]reboot.WindowConfig, 0, len(cfg.Updates.Periodic.Window))
		for _, w := range cfg.Updates.Periodic.Window {
			windows = append(windows, reboot.WindowConfig{
				Days:          w.Days,
				StartTime:     w.StartTime,
				LengthMinutes: w.LengthMinutes,
			})
		}
		return reboot.NewPeriodic(windows, cfg.Updates.Periodic.TimeZone)
	case "marker_file":
		if cfg.Updates.MarkerFile.Path == "" {
			return nil, errors.New("updates.marker_file.path must be set for strategy = \"marker_file\"")
		}
		return reboot.NewMarkerFile(cfg.Updates.MarkerFile.Path), nil
	default:
		return nil, errors.Errorf("unrecognized updates.strategy %q", cfg.Updates.Strategy)
	}
}

// waitForTermination keeps the process alive, idle, after a fatal
// configuration/identity error: the process is kept around for
// observability but never retries.
func waitForTermination() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	<-ctx.Done()
	return nil
}
