/*
router-watchdog - Keeps a home router online by power cycling it
Copyright (C) 2024, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package routerwatchd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/TheCacophonyProject/go-config"
	"github.com/TheCacophonyProject/go-utils/logging"
	arg "github.com/alexflint/go-arg"
	"periph.io/x/periph/host"

	"github.com/TheCacophonyProject/router-watchdog/internal/eventlog"
	"github.com/TheCacophonyProject/router-watchdog/internal/metrics"
	"github.com/TheCacophonyProject/router-watchdog/internal/mqttstatus"
	"github.com/TheCacophonyProject/router-watchdog/internal/radio"
	"github.com/TheCacophonyProject/router-watchdog/internal/registry"
	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

type Args struct {
	ConfigDir string `arg:"-c,--config" help:"path to configuration directory"`
	logging.LogArgs
}

var version = "<not set>"
var log = logging.NewLogger("info")
var defaultArgs = Args{
	ConfigDir: config.DefaultConfigDir,
}

func (Args) Version() string {
	return version
}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

func setLoggers(l *logging.Logger) {
	log = l
	watchdog.SetLogger(l)
	registry.SetLogger(l)
	eventlog.SetLogger(l)
	radio.SetLogger(l)
	metrics.SetLogger(l)
	mqttstatus.SetLogger(l)
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	setLoggers(logging.NewLogger(args.LogLevel))

	log.Infof("Running version: %s", version)

	if _, err := host.Init(); err != nil {
		return err
	}

	conf, err := LoadConfig(args.ConfigDir)
	if err != nil {
		return err
	}
	log.Printf("%+v\n", *conf)

	d, err := newDaemon(conf)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reasons := make(chan watchdog.ExitReason, 1)
	go func() {
		select {
		case sig := <-sigs:
			log.Infof("Received %s, stopping.", sig)
			reasons <- exitReasonFor(sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Println("Starting dbus service.")
	conn, err := startService(d)
	if err != nil {
		d.close(watchdog.ExitNone)
		return err
	}
	d.events.AddPublisher(signals{conn: conn})

	if conf.HTTPAddress != "" {
		server := metrics.NewServer(d.metrics, d.snapshot.Status, d.events.Lines)
		go func() {
			if err := server.ListenAndServe(ctx, conf.HTTPAddress); err != nil {
				log.Errorf("Metrics server stopped: %v", err)
			}
		}()
	}

	d.boot(ctx)
	go d.watchStall(ctx)
	if d.button != nil {
		go d.button.Run(ctx, d.buttonPressed, d.buttonWarning)
	}

	err = d.loop(ctx)
	switch {
	case errors.Is(err, watchdog.ErrRestartRequested):
		log.Info("Restarting after router reset.")
		d.close(watchdog.ExitPostReset)
		return nil
	case errors.Is(err, context.Canceled):
		d.close(<-reasons)
		return nil
	}
	d.close(watchdog.ExitNone)
	return err
}

// SIGINT comes from someone at the console, anything else from the system.
func exitReasonFor(sig os.Signal) watchdog.ExitReason {
	if sig == syscall.SIGINT {
		return watchdog.ExitOperator
	}
	return watchdog.ExitExternal
}
