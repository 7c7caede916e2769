// Package connrequester lets other programs wait until the router watchdog
// reports a working uplink before they try to use the network.
package connrequester

import (
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/TheCacophonyProject/go-utils/logging"

	routerwatchcontroller "github.com/TheCacophonyProject/router-watchdog/routerwatch-controller"
)

const pingTimeout = 5 * time.Second

var hosts = []string{"8.8.8.8", "8.8.4.4"}
var log = logging.NewLogger("info")

// ErrNoConnection is returned when the uplink did not come up in time.
var ErrNoConnection = errors.New("connection failed")

type statusFunc func() (map[string]interface{}, error)
type pingFunc func(host string) bool

// ConnectionRequester waits on the watchdog daemon. When the daemon cannot be
// reached it falls back to pinging well known hosts itself.
type ConnectionRequester struct {
	status statusFunc
	ping   pingFunc
	poll   time.Duration
}

func NewConnectionRequester() *ConnectionRequester {
	return &ConnectionRequester{
		status: routerwatchcontroller.GetStatus,
		ping:   ping,
		poll:   time.Second,
	}
}

// WaitUntilUp blocks until a connection is available or timeout passes.
func (cr *ConnectionRequester) WaitUntilUp(timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		if cr.CheckConnection() {
			return nil
		}
		select {
		case <-deadline:
			return ErrNoConnection
		case <-time.After(cr.poll):
		}
	}
}

// WaitUntilUpLoop retries WaitUntilUp, doubling retryAfter after each
// failure. A retryAttempts of -1 retries forever.
func (cr *ConnectionRequester) WaitUntilUpLoop(
	timeout time.Duration,
	retryAfter time.Duration,
	retryAttempts int) error {
	retry := 0
	for {
		if err := cr.WaitUntilUp(timeout); err == nil {
			return nil
		}
		if retryAttempts != -1 && retry >= retryAttempts {
			return fmt.Errorf("no connection made after %d retries", retry)
		}
		retry++
		log.Println("connection failed. Retry in", retryAfter)
		time.Sleep(retryAfter)
		retryAfter = retryAfter * 2
	}
}

// CheckConnection reports whether the uplink is currently usable.
func (cr *ConnectionRequester) CheckConnection() bool {
	status, err := cr.status()
	if err != nil {
		return pingAllHosts(cr.ping)
	}
	return online(status)
}

// online is true when the daemon is not in the middle of recovering.
func online(status map[string]interface{}) bool {
	if status["resetState"] != "healthy" {
		return false
	}
	if configMode, _ := status["configMode"].(bool); configMode {
		return false
	}
	counters, ok := status["counters"].(map[string]interface{})
	if !ok {
		return false
	}
	failCount, _ := counters["failCount"].(float64)
	return failCount == 0
}

func pingAllHosts(ping pingFunc) bool {
	pingChan := make(chan bool, len(hosts))
	for _, host := range hosts {
		go func(host string) {
			pingChan <- ping(host)
		}(host)
	}
	timeout := time.After(pingTimeout + time.Second)
	for fails := 0; fails < len(hosts); {
		select {
		case success := <-pingChan:
			if success {
				return true
			}
			fails++
		case <-timeout:
			return false
		}
	}
	return false
}

func ping(host string) bool {
	return exec.Command("ping", "-n", "-q", "-c1",
		fmt.Sprintf("-w%d", int(pingTimeout.Seconds())), host).Run() == nil
}
