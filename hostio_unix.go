// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux || darwin

package guestloop

import (
	"errors"
	"math"
	"time"

	"golang.org/x/sys/unix"
)

// waker interrupts a worker blocked in hostWait.
type waker struct {
	rfd int
	wfd int
}

func newWaker() (*waker, error) {
	rfd, wfd, err := createWakeFd()
	if err != nil {
		return nil, err
	}
	return &waker{rfd: rfd, wfd: wfd}, nil
}

func (x *waker) wake() {
	// eventfd requires an 8-byte counter increment; a pipe accepts anything
	var b [8]byte
	b[0] = 1
	_, _ = unix.Write(x.wfd, b[:])
}

func (x *waker) close() {
	_ = unix.Close(x.rfd)
	if x.wfd != x.rfd {
		_ = unix.Close(x.wfd)
	}
}

func eventsToPoll(events IOEvents) int16 {
	var p int16
	if events&EventRead != 0 {
		p |= unix.POLLIN
	}
	if events&EventWrite != 0 {
		p |= unix.POLLOUT
	}
	return p
}

func pollToEvents(p int16) IOEvents {
	var events IOEvents
	if p&unix.POLLIN != 0 {
		events |= EventRead
	}
	if p&unix.POLLOUT != 0 {
		events |= EventWrite
	}
	if p&unix.POLLERR != 0 {
		events |= EventError
	}
	if p&unix.POLLHUP != 0 {
		events |= EventHangup
	}
	if p&unix.POLLNVAL != 0 {
		events |= EventInvalid
	}
	return events
}

// hostReady reports the readiness of fd without blocking.
func hostReady(fd int, events IOEvents) (IOEvents, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: eventsToPoll(events)}}
	for {
		n, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			return 0, err
		}
		return pollToEvents(fds[0].Revents), nil
	}
}

// hostWait blocks until fd is ready, the timeout elapses, or wk is woken.
// A negative timeout waits indefinitely.
func hostWait(wk *waker, fd int, events IOEvents, timeout time.Duration) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	fds := []unix.PollFd{
		{Fd: int32(fd), Events: eventsToPoll(events)},
		{Fd: int32(wk.rfd), Events: unix.POLLIN},
	}
	for {
		ms := -1
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return
			}
			ms = int(min(math.MaxInt32, (remaining+time.Millisecond-1)/time.Millisecond))
		}
		if _, err := unix.Poll(fds, ms); err != unix.EINTR {
			return
		}
	}
}

func hostRead(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func hostWrite(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// guestErrno translates a host error into the guest ABI's errno.
func guestErrno(err error) int64 {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return errnoEIO
	}
	switch errno {
	case unix.EINTR:
		return errnoEINTR
	case unix.EBADF:
		return errnoEBADF
	case unix.EAGAIN:
		return errnoEAGAIN
	case unix.EFAULT:
		return errnoEFAULT
	case unix.EINVAL:
		return errnoEINVAL
	case unix.EPIPE:
		return errnoEPIPE
	case unix.ECONNRESET:
		return errnoECONNRESET
	default:
		return errnoEIO
	}
}
