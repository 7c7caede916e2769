package routerwatchd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

func TestRequestReply(t *testing.T) {
	q := newCommandQueue(5)
	go func() {
		req := <-q.requests
		_ = q.process(context.Background(), nil, req)
	}()

	v, err := q.request(func(context.Context, *watchdog.Engine) (interface{}, error) {
		return "done", nil
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestProcessReturnsError(t *testing.T) {
	q := newCommandQueue(5)
	reply := q.asyncRequest(func(context.Context, *watchdog.Engine) (interface{}, error) {
		return nil, watchdog.ErrRestartRequested
	}, time.Second)

	err := q.process(context.Background(), nil, <-q.requests)
	assert.ErrorIs(t, err, watchdog.ErrRestartRequested)
	assert.ErrorIs(t, (<-reply).err, watchdog.ErrRestartRequested)
}

func TestQueuedRequestTimesOut(t *testing.T) {
	q := newCommandQueue(5)
	ran := false
	reply := q.asyncRequest(func(context.Context, *watchdog.Engine) (interface{}, error) {
		ran = true
		return nil, nil
	}, time.Second)

	q.now = func() time.Time { return time.Now().Add(time.Minute) }
	require.NoError(t, q.process(context.Background(), nil, <-q.requests))
	assert.False(t, ran)
	assert.ErrorIs(t, (<-reply).err, ErrQueueTimeout)
}

func TestQueueFull(t *testing.T) {
	q := newCommandQueue(1)
	noop := func(context.Context, *watchdog.Engine) (interface{}, error) { return nil, nil }
	q.asyncRequest(noop, time.Second)
	r := <-q.asyncRequest(noop, time.Second)
	assert.ErrorIs(t, r.err, ErrQueueFull)
}

func TestReplyTimeout(t *testing.T) {
	q := newCommandQueue(1)
	_, err := q.request(func(context.Context, *watchdog.Engine) (interface{}, error) {
		return nil, errors.New("never runs")
	}, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrReplyTimeout)
}
