//go:build linux
// +build linux

// File: reactor/reactor_test.go
// Author: momentics <momentics@gmail.com>

package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/momentics/fasttun/api"
)

type handlerFunc func(fd int)

func (f handlerFunc) HandleRead(fd int)  { f(fd) }
func (f handlerFunc) HandleWrite(fd int) { f(fd) }

func pipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func forEachKind(t *testing.T, fn func(t *testing.T, r api.Reactor)) {
	for _, kind := range []Kind{KindEpoll, KindSelect} {
		kind := kind
		t.Run(kind.String(), func(t *testing.T) {
			r, err := New(kind, zaptest.NewLogger(t))
			require.NoError(t, err)
			t.Cleanup(func() { r.Close() })
			fn(t, r)
		})
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("select")
	require.NoError(t, err)
	assert.Equal(t, KindSelect, k)

	k, err = ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindEpoll, k)

	_, err = ParseKind("kqueue")
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestReadReadiness(t *testing.T) {
	forEachKind(t, func(t *testing.T, r api.Reactor) {
		rfd, wfd := pipe(t)
		var got []int
		require.True(t, r.RegisterForRead(rfd, handlerFunc(func(fd int) {
			got = append(got, fd)
			buf := make([]byte, 16)
			unix.Read(fd, buf)
		})))

		assert.Equal(t, 0, r.ProcessPendingEvents(10*time.Millisecond))
		assert.Empty(t, got)

		_, err := unix.Write(wfd, []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, 1, r.ProcessPendingEvents(time.Second))
		assert.Equal(t, []int{rfd}, got)
	})
}

func TestWriteReadiness(t *testing.T) {
	forEachKind(t, func(t *testing.T, r api.Reactor) {
		_, wfd := pipe(t)
		calls := 0
		require.True(t, r.RegisterForWrite(wfd, handlerFunc(func(int) { calls++ })))
		assert.Equal(t, 1, r.ProcessPendingEvents(time.Second))
		assert.Equal(t, 1, calls)

		require.True(t, r.DeregisterForWrite(wfd))
		assert.Equal(t, 0, r.ProcessPendingEvents(5*time.Millisecond))
		assert.Equal(t, 1, calls)
	})
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	forEachKind(t, func(t *testing.T, r api.Reactor) {
		rfd, wfd := pipe(t)
		h := handlerFunc(func(int) {})
		require.True(t, r.RegisterForRead(rfd, h))
		assert.False(t, r.RegisterForRead(rfd, h))
		require.True(t, r.RegisterForWrite(wfd, h))
		assert.False(t, r.RegisterForWrite(wfd, h))

		assert.False(t, r.DeregisterForWrite(rfd))
		assert.True(t, r.DeregisterForRead(rfd))
		assert.False(t, r.DeregisterForRead(rfd))
	})
}

func TestBothDirectionsOnOneDescriptor(t *testing.T) {
	forEachKind(t, func(t *testing.T, r api.Reactor) {
		sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
		require.NoError(t, err)
		defer unix.Close(sp[0])
		defer unix.Close(sp[1])

		reads, writes := 0, 0
		require.True(t, r.RegisterForRead(sp[0], handlerFunc(func(fd int) {
			reads++
			buf := make([]byte, 16)
			unix.Read(fd, buf)
		})))
		require.True(t, r.RegisterForWrite(sp[0], handlerFunc(func(int) { writes++ })))

		_, err = unix.Write(sp[1], []byte("ping"))
		require.NoError(t, err)
		assert.Equal(t, 1, r.ProcessPendingEvents(time.Second))
		assert.Equal(t, 1, reads)
		assert.Equal(t, 1, writes)

		// Dropping write interest must keep read interest alive.
		require.True(t, r.DeregisterForWrite(sp[0]))
		_, err = unix.Write(sp[1], []byte("pong"))
		require.NoError(t, err)
		assert.Equal(t, 1, r.ProcessPendingEvents(time.Second))
		assert.Equal(t, 2, reads)
		assert.Equal(t, 1, writes)
	})
}

func TestDeregisterDuringDispatch(t *testing.T) {
	forEachKind(t, func(t *testing.T, r api.Reactor) {
		r1, w1 := pipe(t)
		r2, w2 := pipe(t)
		calls := 0
		// Whichever handler runs first removes the other one.
		require.True(t, r.RegisterForRead(r1, handlerFunc(func(int) {
			calls++
			r.DeregisterForRead(r1)
			r.DeregisterForRead(r2)
		})))
		require.True(t, r.RegisterForRead(r2, handlerFunc(func(int) {
			calls++
			r.DeregisterForRead(r1)
			r.DeregisterForRead(r2)
		})))

		unix.Write(w1, []byte("a"))
		unix.Write(w2, []byte("b"))
		r.ProcessPendingEvents(time.Second)
		assert.Equal(t, 1, calls)
	})
}

func TestHandlerPanicIsContained(t *testing.T) {
	forEachKind(t, func(t *testing.T, r api.Reactor) {
		rfd, wfd := pipe(t)
		require.True(t, r.RegisterForRead(rfd, handlerFunc(func(int) { panic("boom") })))
		unix.Write(wfd, []byte("x"))
		assert.NotPanics(t, func() { r.ProcessPendingEvents(time.Second) })
	})
}

func TestSelectDescriptorCeiling(t *testing.T) {
	r, err := New(KindSelect, zaptest.NewLogger(t))
	require.NoError(t, err)
	h := handlerFunc(func(int) {})
	assert.False(t, r.RegisterForRead(FDSetSize, h))
	assert.False(t, r.RegisterForWrite(FDSetSize+10, h))
	assert.False(t, r.RegisterForRead(-1, h))
}

type errorAware struct {
	reads, errs int
}

func (e *errorAware) HandleRead(int)  { e.reads++ }
func (e *errorAware) HandleError(int) { e.errs++ }

func TestEpollHangupGoesToErrorHandler(t *testing.T) {
	r, err := New(KindEpoll, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()

	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(sp[0])

	h := &errorAware{}
	require.True(t, r.RegisterForRead(sp[0], h))
	unix.Close(sp[1])

	assert.Equal(t, 1, r.ProcessPendingEvents(time.Second))
	assert.Equal(t, 1, h.errs)
	assert.Equal(t, 0, h.reads)
}
