package radio

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

const routeOutput = `default via 10.0.0.1 dev eth0 proto dhcp metric 100
default via 192.168.1.1 dev wlan0 proto dhcp src 192.168.1.50 metric 600
192.168.1.0/24 dev wlan0 proto kernel scope link src 192.168.1.50 metric 600
`

func TestParseDefaultGateway(t *testing.T) {
	ip, err := parseDefaultGateway(routeOutput, "wlan0")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", ip.String())

	ip, err = parseDefaultGateway(routeOutput, "eth0")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", ip.String())

	_, err = parseDefaultGateway(routeOutput, "wlan1")
	assert.ErrorIs(t, err, ErrNoGateway)

	ip, err = parseDefaultGateway("default via 172.16.0.1 dev wlan0", "wlan0")
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.ParseIP("172.16.0.1")))
}

func TestParseWPAStatus(t *testing.T) {
	cases := map[string]watchdog.LinkStatus{
		"bssid=aa:bb:cc:dd:ee:ff\nssid=home\nwpa_state=COMPLETED\nip_address=192.168.1.50": watchdog.LinkConnected,
		"wpa_state=SCANNING":       watchdog.LinkScanning,
		"wpa_state=DISCONNECTED":   watchdog.LinkDisconnected,
		"wpa_state=INACTIVE":       watchdog.LinkDisconnected,
		"wpa_state=4WAY_HANDSHAKE": watchdog.LinkIdle,
		"":                         watchdog.LinkIdle,
	}
	for out, want := range cases {
		assert.Equal(t, want, parseWPAStatus(out), out)
	}
}

type recorder struct {
	calls   []string
	replies map[string]string
	fail    string
}

func (r *recorder) run(_ context.Context, name string, args ...string) ([]byte, error) {
	call := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, call)
	if r.fail != "" && strings.Contains(call, r.fail) {
		return nil, errors.New("exit status 1")
	}
	for prefix, reply := range r.replies {
		if strings.HasPrefix(call, prefix) {
			return []byte(reply), nil
		}
	}
	return []byte("OK\n"), nil
}

func TestConnect(t *testing.T) {
	rec := &recorder{replies: map[string]string{"wpa_cli -i wlan0 add_network": "2\n"}}
	w := New("wlan0", nil, nil)
	w.run = rec.run

	require.NoError(t, w.Connect(context.Background(), "home", "password1"))
	assert.Equal(t, []string{
		"wpa_cli -i wlan0 remove_network all",
		"wpa_cli -i wlan0 add_network",
		`wpa_cli -i wlan0 set_network 2 ssid "home"`,
		`wpa_cli -i wlan0 set_network 2 psk "password1"`,
		"wpa_cli -i wlan0 select_network 2",
	}, rec.calls)
}

func TestConnectOpenNetwork(t *testing.T) {
	rec := &recorder{replies: map[string]string{"wpa_cli -i wlan0 add_network": "0"}}
	w := New("wlan0", nil, nil)
	w.run = rec.run

	require.NoError(t, w.Connect(context.Background(), "cafe", ""))
	assert.Contains(t, rec.calls, "wpa_cli -i wlan0 set_network 0 key_mgmt NONE")
}

func TestConnectFailReply(t *testing.T) {
	rec := &recorder{replies: map[string]string{
		"wpa_cli -i wlan0 add_network": "0",
		"wpa_cli -i wlan0 set_network": "FAIL",
	}}
	w := New("wlan0", nil, nil)
	w.run = rec.run

	assert.Error(t, w.Connect(context.Background(), "home", "password1"))
}

func TestAccessPoint(t *testing.T) {
	rec := &recorder{}
	w := New("wlan0", []string{"systemctl", "start", "hostapd"}, nil)
	w.run = rec.run

	require.NoError(t, w.StartAccessPoint(context.Background()))
	require.NoError(t, w.StopAccessPoint(context.Background()))
	assert.Equal(t, []string{"systemctl start hostapd"}, rec.calls)

	rec.fail = "hostapd"
	assert.Error(t, w.StartAccessPoint(context.Background()))
}
