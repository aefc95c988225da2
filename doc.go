// Package guestloop schedules emulated guest processes for an instruction-set
// simulator, letting a deterministic, single-goroutine emulation loop coexist
// with guest operations that block on the host.
//
// # Architecture
//
// A [Scheduler] owns every [Guest]. Each guest carries a [Status] flag set,
// from which its [Phase] and its membership of each [Collection] (running,
// suspended, zombie, finished, alloc) are derived; [Scheduler.SetStatus] is
// the single transition function keeping the two in sync.
//
// [Scheduler.Step] executes one instruction per running guest through an
// [Executor], frees finished guests, and runs an event pass
// ([Scheduler.ProcessEvents]). Executors suspend guests for blocking
// operations with [Scheduler.Suspend]; the event pass resolves each wait
// immediately where it can, and otherwise starts a host worker goroutine
// that blocks (sleeping, or polling a host descriptor) and then requests
// another pass. Workers never touch guest state.
//
// # Speculative Execution
//
// [Scheduler.ForceBranch] sends a guest down a possibly-wrong path, backing
// up its registers. Until [Scheduler.Recover], memory writes land in a
// private overlay ([Guest.WriteMem]), and faults returned by the executor are
// suppressed rather than stopping the loop.
//
// # Thread Safety
//
// Scheduler methods must be called from one goroutine, except for
// [Scheduler.ScheduleEvents], [Scheduler.WorkerActive], [Scheduler.Stats] and
// [Scheduler.Elapsed]. The dirty flag and per-guest worker references are
// the only state shared with workers, guarded by one mutex.
//
// # Platform Support
//
// Host readiness waits use poll(2), interrupted via an eventfd on Linux, and
// a self-pipe on Darwin. Other platforms support every wait except Poll, Read
// and Write.
package guestloop
