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

package probe

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

const DefaultTimeout = 5 * time.Second

// Pinger sends single ICMP echo requests with the system ping command.
type Pinger struct {
	Interface string
	Timeout   time.Duration

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func New(iface string, timeout time.Duration) *Pinger {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pinger{
		Interface: iface,
		Timeout:   timeout,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

func (p *Pinger) args(host string) []string {
	args := []string{"-n", "-q", "-c1", fmt.Sprintf("-w%d", int(p.Timeout/time.Second))}
	if p.Interface != "" {
		args = append([]string{"-I", p.Interface}, args...)
	}
	return append(args, host)
}

func (p *Pinger) Ping(ctx context.Context, host string) watchdog.PingResult {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout+time.Second)
	defer cancel()
	start := time.Now()
	out, err := p.run(ctx, "ping", p.args(host)...)
	elapsed := time.Since(start)
	if err != nil {
		return watchdog.PingResult{}
	}
	rtt, ok := parseRoundTrip(string(out))
	if !ok {
		rtt = elapsed
	}
	return watchdog.PingResult{Success: true, RoundTrip: rtt}
}

// parseRoundTrip finds the average round trip in the summary of iputils or
// busybox ping, e.g. "rtt min/avg/max/mdev = 9.125/9.125/9.125/0.000 ms".
func parseRoundTrip(out string) (time.Duration, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "rtt ") && !strings.HasPrefix(line, "round-trip ") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		values := strings.Fields(line[eq+1:])
		if len(values) == 0 {
			continue
		}
		parts := strings.Split(values[0], "/")
		if len(parts) < 2 {
			continue
		}
		ms, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		return time.Duration(ms * float64(time.Millisecond)), true
	}
	return 0, false
}
