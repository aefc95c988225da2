// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build !linux && !darwin

package guestloop

import (
	"errors"
	"time"
)

type waker struct{}

func newWaker() (*waker, error) { return nil, errors.ErrUnsupported }

func (*waker) wake()  {}
func (*waker) close() {}

func hostReady(int, IOEvents) (IOEvents, error) { return 0, errors.ErrUnsupported }

func hostWait(*waker, int, IOEvents, time.Duration) {}

func hostRead(int, []byte) (int, error) { return 0, errors.ErrUnsupported }

func hostWrite(int, []byte) (int, error) { return 0, errors.ErrUnsupported }

func isWouldBlock(error) bool { return false }

func guestErrno(error) int64 { return errnoEIO }
