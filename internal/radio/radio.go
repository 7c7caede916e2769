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

// Package radio drives the Wi-Fi interface through wpa_cli and reads the
// routing table with ip.
package radio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"

	"github.com/TheCacophonyProject/go-utils/logging"

	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

var ErrNoGateway = errors.New("no default route")

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// WPA is a radio backed by wpa_supplicant.
type WPA struct {
	Interface string
	// Commands starting and stopping the configuration access point.
	APStart []string
	APStop  []string

	run runFunc
}

func New(iface string, apStart, apStop []string) *WPA {
	return &WPA{
		Interface: iface,
		APStart:   apStart,
		APStop:    apStop,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

func (w *WPA) wpaCLI(ctx context.Context, args ...string) (string, error) {
	out, err := w.run(ctx, "wpa_cli", append([]string{"-i", w.Interface}, args...)...)
	if err != nil {
		return "", fmt.Errorf("wpa_cli %s: %w", strings.Join(args, " "), err)
	}
	reply := strings.TrimSpace(string(out))
	if reply == "FAIL" {
		return "", fmt.Errorf("wpa_cli %s failed", args[0])
	}
	return reply, nil
}

// Connect replaces the configured networks with the given one and selects it.
// It does not wait for the association.
func (w *WPA) Connect(ctx context.Context, ssid, passphrase string) error {
	if _, err := w.wpaCLI(ctx, "remove_network", "all"); err != nil {
		return err
	}
	reply, err := w.wpaCLI(ctx, "add_network")
	if err != nil {
		return err
	}
	id, err := strconv.Atoi(lastLine(reply))
	if err != nil {
		return fmt.Errorf("unexpected add_network reply '%s'", reply)
	}
	netID := strconv.Itoa(id)
	steps := [][]string{{"set_network", netID, "ssid", strconv.Quote(ssid)}}
	if passphrase == "" {
		steps = append(steps, []string{"set_network", netID, "key_mgmt", "NONE"})
	} else {
		steps = append(steps, []string{"set_network", netID, "psk", strconv.Quote(passphrase)})
	}
	steps = append(steps, []string{"select_network", netID})
	for _, s := range steps {
		if _, err := w.wpaCLI(ctx, s...); err != nil {
			return err
		}
	}
	log.Debugf("Selected network '%s' on %s", ssid, w.Interface)
	return nil
}

func (w *WPA) Status(ctx context.Context) (watchdog.LinkStatus, error) {
	out, err := w.wpaCLI(ctx, "status")
	if err != nil {
		return watchdog.LinkIdle, err
	}
	return parseWPAStatus(out), nil
}

func parseWPAStatus(out string) watchdog.LinkStatus {
	state := ""
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "wpa_state="); ok {
			state = v
		}
	}
	switch state {
	case "COMPLETED":
		return watchdog.LinkConnected
	case "SCANNING":
		return watchdog.LinkScanning
	case "DISCONNECTED", "INACTIVE":
		return watchdog.LinkDisconnected
	case "ASSOCIATING", "ASSOCIATED", "AUTHENTICATING", "4WAY_HANDSHAKE", "GROUP_HANDSHAKE":
		return watchdog.LinkIdle
	}
	return watchdog.LinkIdle
}

// LocalAddress returns the first IPv4 address of the interface.
func (w *WPA) LocalAddress() (net.IP, error) {
	iface, err := net.InterfaceByName(w.Interface)
	if err != nil {
		return nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
			return ipNet.IP, nil
		}
	}
	return nil, nil
}

// GatewayAddress reads the default route of the interface from `ip route`.
func (w *WPA) GatewayAddress(ctx context.Context) (net.IP, error) {
	out, err := w.run(ctx, "ip", "route")
	if err != nil {
		return nil, err
	}
	return parseDefaultGateway(string(out), w.Interface)
}

func parseDefaultGateway(out, iface string) (net.IP, error) {
	search := fmt.Sprintf(" dev %s ", iface)
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "default") || !strings.Contains(line+" ", search) {
			continue
		}
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == "via" && i+1 < len(fields) {
				if ip := net.ParseIP(fields[i+1]); ip != nil {
					return ip, nil
				}
			}
		}
	}
	return nil, ErrNoGateway
}

func (w *WPA) StartAccessPoint(ctx context.Context) error {
	return w.runCommand(ctx, w.APStart)
}

func (w *WPA) StopAccessPoint(ctx context.Context) error {
	return w.runCommand(ctx, w.APStop)
}

func (w *WPA) runCommand(ctx context.Context, cmd []string) error {
	if len(cmd) == 0 {
		return nil
	}
	if _, err := w.run(ctx, cmd[0], cmd[1:]...); err != nil {
		return fmt.Errorf("%s: %w", strings.Join(cmd, " "), err)
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
