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

// Package eventlog keeps the audited event log. Lines are capped, stored,
// forwarded to the event reporter and to any publishers.
package eventlog

import (
	"fmt"
	"sync"
	"time"

	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
	"github.com/TheCacophonyProject/go-utils/logging"

	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

// MaxLines is how many event lines are kept.
const MaxLines = 50

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

type Store interface {
	AppendEvent(line string, max int) error
	Events() ([]string, error)
}

// Publisher receives every event, for example to send it to MQTT.
type Publisher interface {
	PublishEvent(e watchdog.Event, line string)
}

type Log struct {
	clock watchdog.Clock
	store Store

	mu         sync.Mutex
	loc        *time.Location
	lines      []string
	publishers []Publisher

	report func(eventclient.Event) error
}

// New returns a log holding the lines already in store. store may be nil.
func New(clock watchdog.Clock, store Store, loc *time.Location) (*Log, error) {
	l := &Log{
		clock:  clock,
		store:  store,
		loc:    loc,
		report: eventclient.AddEvent,
	}
	if store != nil {
		lines, err := store.Events()
		if err != nil {
			return l, fmt.Errorf("failed to load events: %w", err)
		}
		l.lines = lines
		l.trim()
	}
	return l, nil
}

func (l *Log) AddPublisher(p Publisher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publishers = append(l.publishers, p)
}

// SetLocation changes the zone used for line timestamps.
func (l *Log) SetLocation(loc *time.Location) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loc = loc
}

func (l *Log) Record(e watchdog.Event) {
	wall, trusted := l.clock.WallClock()
	l.mu.Lock()
	line := l.format(e.Message, wall, trusted)
	l.lines = append(l.lines, line)
	l.trim()
	publishers := append([]Publisher(nil), l.publishers...)
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.AppendEvent(line, MaxLines); err != nil {
			log.Errorf("Failed to store event: %v", err)
		}
	}

	if !trusted {
		wall = time.Now()
	}
	details := map[string]interface{}{"message": e.Message}
	for k, v := range e.Details {
		details[k] = v
	}
	if err := l.report(eventclient.Event{
		Timestamp: wall,
		Type:      e.Type,
		Details:   details,
	}); err != nil {
		log.Debugf("Failed to report event '%s': %v", e.Type, err)
	}

	for _, p := range publishers {
		p.PublishEvent(e, line)
	}
}

// Lines returns the kept lines, oldest first.
func (l *Log) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// Clear forgets every line, including the stored ones when the store can
// clear them.
func (l *Log) Clear() {
	l.mu.Lock()
	l.lines = nil
	l.mu.Unlock()
	if c, ok := l.store.(interface{ ClearEvents() error }); ok {
		if err := c.ClearEvents(); err != nil {
			log.Errorf("Failed to clear stored events: %v", err)
		}
	}
}

func (l *Log) format(msg string, wall time.Time, trusted bool) string {
	if trusted {
		loc := l.loc
		if loc == nil {
			loc = time.Local
		}
		return fmt.Sprintf("[%s] %s", wall.In(loc).Format("15:04:05"), msg)
	}
	return fmt.Sprintf("[%ds] %s", uint32(l.clock.Now())/1000, msg)
}

func (l *Log) trim() {
	if n := len(l.lines); n > MaxLines {
		l.lines = append([]string(nil), l.lines[n-MaxLines:]...)
	}
}
