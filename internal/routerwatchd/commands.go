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
	"time"

	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

var (
	ErrQueueFull    = errors.New("too many requests waiting for the watchdog")
	ErrQueueTimeout = errors.New("timeout waiting in queue for the watchdog")
	ErrReplyTimeout = errors.New("timeout waiting for the watchdog to reply")
)

type commandFunc func(ctx context.Context, e *watchdog.Engine) (interface{}, error)

// Requests for the engine. Only the control loop runs them, the result is
// sent to the reply channel.
type request struct {
	run     commandFunc
	reply   chan result
	timeout time.Time // Skipped if still queued when this passes.
}

type result struct {
	value interface{}
	err   error
}

type commandQueue struct {
	requests chan request
	now      func() time.Time
}

func newCommandQueue(size int) *commandQueue {
	return &commandQueue{
		requests: make(chan request, size),
		now:      time.Now,
	}
}

func (q *commandQueue) asyncRequest(fn commandFunc, timeout time.Duration) chan result {
	req := request{run: fn, reply: make(chan result, 1), timeout: q.now().Add(timeout)}
	select {
	case q.requests <- req:
	default:
		req.reply <- result{err: ErrQueueFull}
	}
	return req.reply
}

// request waits up to timeout for the reply. A request that has started
// running carries on after the caller gives up.
func (q *commandQueue) request(fn commandFunc, timeout time.Duration) (interface{}, error) {
	reply := q.asyncRequest(fn, timeout)
	select {
	case r := <-reply:
		return r.value, r.err
	case <-time.After(timeout):
		return nil, ErrReplyTimeout
	}
}

// process runs one request and returns its error so the loop can see a
// restart request.
func (q *commandQueue) process(ctx context.Context, e *watchdog.Engine, req request) error {
	if q.now().After(req.timeout) {
		req.reply <- result{err: ErrQueueTimeout}
		return nil
	}
	value, err := req.run(ctx, e)
	req.reply <- result{value: value, err: err}
	return err
}
