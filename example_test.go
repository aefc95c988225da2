package guestloop_test

import (
	"context"
	"errors"
	"fmt"
	"os"

	guestloop "github.com/joeycumines/go-guestloop"
)

// A guest that branches speculatively and then faults is not stopped: the
// fault is discarded, and Recover rolls the guest back.
func ExampleScheduler_ForceBranch() {
	var step int
	s, err := guestloop.New(guestloop.ExecutorFunc(func(s *guestloop.Scheduler, g *guestloop.Guest) error {
		step++
		switch step {
		case 1:
			s.ForceBranch(g, 0x4000)
			return nil
		case 2:
			_ = g.WriteMem(0x10, []byte{0xff})
			return errors.New("divide by zero")
		default:
			s.Finish(g, 0)
			return nil
		}
	}))
	if err != nil {
		panic(err)
	}
	defer s.Close()

	g := s.Create(nil, nil, guestloop.Regs{PC: 0x1000})
	for range 2 {
		if _, err := s.Step(); err != nil {
			panic(err)
		}
	}
	fmt.Println(g.Status(), s.Stats().SuppressedFaults)

	s.Recover(g)
	b := make([]byte, 1)
	_ = g.ReadMem(0x10, b)
	fmt.Printf("%s pc=%#x mem=%d\n", g.Status(), g.Regs.PC, b[0])

	fmt.Println(s.Run(context.Background()), s.StopReason())

	// Output:
	// running specmode 1
	// running pc=0x1000 mem=0
	// <nil> NoGuests
}

func ExampleScheduler_FutexWake() {
	s, err := guestloop.New(guestloop.ExecutorFunc(func(*guestloop.Scheduler, *guestloop.Guest) error { return nil }))
	if err != nil {
		panic(err)
	}
	defer s.Close()

	leader := s.Create(nil, nil, guestloop.Regs{})
	for range 3 {
		s.FutexWait(s.Clone(leader, guestloop.CloneOptions{Thread: true}), 0x40, guestloop.FutexBitsetMatchAny)
	}
	fmt.Println(s.FutexWake(0x40, 2, guestloop.FutexBitsetMatchAny))
	_ = s.Dump(os.Stdout)

	// Output:
	// 2
	// guests=4 running=3 suspended=1 zombie=0 finished=0 alloc=0
	// guest 100: parent=0 group=0 status=[running] pc=0x0 sp=0x0 ret=0
	// guest 101: parent=100 group=100 status=[running] pc=0x0 sp=0x0 ret=0
	// guest 102: parent=100 group=100 status=[running] pc=0x0 sp=0x0 ret=0
	// guest 103: parent=100 group=100 status=[suspended futex] pc=0x0 sp=0x0 ret=0 wait=Futex [fd=0 events=0x0 deadline=0001-01-01 00:00:00 +0000 UTC pid=0 futex=0x40]
}
