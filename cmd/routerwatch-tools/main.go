package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/TheCacophonyProject/go-utils/logging"
	routerwatchcli "github.com/TheCacophonyProject/router-watchdog/internal/routerwatch-cli"
	"github.com/TheCacophonyProject/router-watchdog/internal/routerwatchd"
)

var log *logging.Logger

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err)
	}
}

var version = "<not set>"

func runMain() error {
	log = logging.NewLogger("info")

	// Also runnable through a symlink named after the subcommand.
	subcommand := filepath.Base(os.Args[0])
	args := os.Args[1:]
	if subcommand != "routerwatchd" && subcommand != "routerwatch-cli" {
		if len(os.Args) < 2 {
			log.Info("Usage: tool <subcommand> [args]")
			return fmt.Errorf("no subcommand given")
		}
		subcommand = os.Args[1]
		args = os.Args[2:]
	}

	var err error
	switch subcommand {
	case "routerwatchd":
		err = routerwatchd.Run(args, version)
	case "routerwatch-cli":
		err = routerwatchcli.Run(args, version)
	default:
		err = fmt.Errorf("unknown subcommand: %s", subcommand)
	}

	return err
}
