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

package routerwatchcli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/TheCacophonyProject/go-utils/logging"
	arg "github.com/alexflint/go-arg"
	yaml "gopkg.in/yaml.v2"

	"github.com/TheCacophonyProject/router-watchdog/connrequester"
	routerwatchcontroller "github.com/TheCacophonyProject/router-watchdog/routerwatch-controller"
	"github.com/TheCacophonyProject/router-watchdog/watchdoglistener"
)

type Args struct {
	Status       *statusSubcommand   `arg:"subcommand:status" help:"show the watchdog status"`
	Events       *subcommand         `arg:"subcommand:events" help:"show recent events"`
	Networks     *networksSubcommand `arg:"subcommand:networks" help:"manage known networks"`
	Reset        *subcommand         `arg:"subcommand:reset" help:"power cycle the router now"`
	ConfigMode   *subcommand         `arg:"subcommand:config-mode" help:"start the configuration access point"`
	Clear        *subcommand         `arg:"subcommand:clear" help:"clear the outage counters"`
	Simulate     *simulateSubcommand `arg:"subcommand:simulate" help:"simulate a failure for testing"`
	AckSafeMode  *subcommand         `arg:"subcommand:ack-safe-mode" help:"leave safe mode after a boot loop"`
	Set          *setSubcommand      `arg:"subcommand:set" help:"change a setting"`
	Settings     *subcommand         `arg:"subcommand:settings" help:"show the settings"`
	FactoryReset *factorySubcommand  `arg:"subcommand:factory-reset" help:"forget networks, settings and counters"`
	Watch        *subcommand         `arg:"subcommand:watch" help:"print router resets and state changes as they happen"`
	WaitOnline   *waitSubcommand     `arg:"subcommand:wait-online" help:"wait until the internet connection is up"`
	logging.LogArgs
}

type subcommand struct {
}

type statusSubcommand struct {
	YAML bool `arg:"--yaml" help:"print as yaml"`
}

type networksSubcommand struct {
	List   *subcommand       `arg:"subcommand:list" help:"list known networks"`
	Add    *addNetworkArgs   `arg:"subcommand:add" help:"add or update a network"`
	Remove *removeNetworkArg `arg:"subcommand:remove" help:"forget a network"`
}

type addNetworkArgs struct {
	SSID       string `arg:"positional,required" help:"network name"`
	Passphrase string `arg:"positional" help:"passphrase, empty for an open network"`
	Role       string `arg:"--role" default:"primary" help:"primary or backup"`
}

type removeNetworkArg struct {
	SSID string `arg:"positional,required" help:"network name"`
}

type simulateSubcommand struct {
	Kind  string `arg:"positional,required" help:"no-link, ping-fail or high-latency"`
	State string `arg:"positional,required" help:"on or off"`
}

type setSubcommand struct {
	Key   string `arg:"positional,required" help:"setting name"`
	Value string `arg:"positional,required" help:"new value"`
}

type waitSubcommand struct {
	Timeout time.Duration `arg:"--timeout" default:"5m" help:"how long to wait"`
}

type factorySubcommand struct {
	Yes bool `arg:"--yes,required" help:"confirm the factory reset"`
}

var version = "<not set>"
var log = logging.NewLogger("info")

func (Args) Version() string {
	return version
}

func procArgs(input []string) (Args, *arg.Parser, error) {
	var args Args
	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, nil, err
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
	return args, parser, err
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, parser, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log = logging.NewLogger(args.LogLevel)

	switch {
	case args.Status != nil:
		return runStatus(args.Status)
	case args.Events != nil:
		return runEvents()
	case args.Networks != nil:
		return runNetworks(args.Networks)
	case args.Reset != nil:
		log.Println("Requesting router reset.")
		return routerwatchcontroller.ResetRouter()
	case args.ConfigMode != nil:
		return routerwatchcontroller.EnterConfigMode()
	case args.Clear != nil:
		return routerwatchcontroller.ClearCounters()
	case args.Simulate != nil:
		on, err := parseOnOff(args.Simulate.State)
		if err != nil {
			return err
		}
		return routerwatchcontroller.SetSimulation(args.Simulate.Kind, on)
	case args.AckSafeMode != nil:
		return routerwatchcontroller.AcknowledgeSafeMode()
	case args.Set != nil:
		return routerwatchcontroller.SetSetting(args.Set.Key, args.Set.Value)
	case args.Settings != nil:
		settings, err := routerwatchcontroller.GetSettings()
		if err != nil {
			return err
		}
		fmt.Print(settings)
		return nil
	case args.FactoryReset != nil:
		log.Println("Requesting factory reset.")
		return routerwatchcontroller.FactoryReset()
	case args.Watch != nil:
		return runWatch()
	case args.WaitOnline != nil:
		if err := connrequester.NewConnectionRequester().WaitUntilUp(args.WaitOnline.Timeout); err != nil {
			return err
		}
		log.Println("Connection is up.")
		return nil
	}
	parser.WriteHelp(os.Stdout)
	return nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got '%s'", s)
}

func runStatus(args *statusSubcommand) error {
	status, err := routerwatchcontroller.GetStatus()
	if err != nil {
		return fmt.Errorf("failed to get watchdog status: %w", err)
	}
	if args.YAML {
		out, err := yaml.Marshal(status)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	}
	printMap(os.Stdout, status, "")
	return nil
}

func runEvents() error {
	events, err := routerwatchcontroller.GetEvents()
	if err != nil {
		return fmt.Errorf("failed to get events: %w", err)
	}
	for _, e := range events {
		fmt.Println(e)
	}
	return nil
}

func runNetworks(args *networksSubcommand) error {
	switch {
	case args.Add != nil:
		return routerwatchcontroller.AddNetwork(args.Add.SSID, args.Add.Passphrase, args.Add.Role)
	case args.Remove != nil:
		removed, err := routerwatchcontroller.RemoveNetwork(args.Remove.SSID)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("no network named '%s'", args.Remove.SSID)
		}
		return nil
	}
	networks, err := routerwatchcontroller.ListNetworks()
	if err != nil {
		return err
	}
	printNetworks(os.Stdout, networks)
	return nil
}

func printNetworks(w io.Writer, networks []routerwatchcontroller.Network) {
	if len(networks) == 0 {
		fmt.Fprintln(w, "No networks configured.")
		return
	}
	for i, n := range networks {
		fmt.Fprintf(w, "%d: %s (%s)\n", i, n.SSID, n.Role)
	}
}

func runWatch() error {
	l, err := watchdoglistener.Listen()
	if err != nil {
		return err
	}
	log.Println("Waiting for signals.")
	for {
		select {
		case msg := <-l.RouterResets:
			fmt.Println(msg)
		case sc := <-l.StateChanges:
			fmt.Printf("%s: %s\n", sc.Type, sc.Message)
		}
	}
}

func printMap(w io.Writer, m map[string]interface{}, indent string) {
	// Sorted so repeated runs print in the same order.
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := m[key]
		switch v := value.(type) {
		case map[string]interface{}:
			fmt.Fprintf(w, "%s%s:\n", indent, key)
			printMap(w, v, indent+"\t")
		default:
			fmt.Fprintf(w, "%s%s: %v\n", indent, key, value)
		}
	}
}
