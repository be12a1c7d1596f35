// Package service supervises the external solver process.
//
// Overview
// The Supervisor owns an event loop and at most one active run. Callers
// submit a model.RunRequest, cancel the active run or ask for its status.
// Everything that changes run state happens on the Do goroutine, so the
// single active run invariant needs no locking.
//
// Runner is a thin wrapper around os/exec:
//   - starts the process with the serialized run config as arguments
//   - streams stdout and stderr into relay writers
//   - terminates (SIGTERM) or kills it on request
//   - reports one Result per process on a channel
//
// Data flow:
//
//	Submit()            Supervisor.Do            Runner{cmd}           events.Bus
//	   |  validate          |                        |                      |
//	   |  preflight         |                        |                      |
//	   |---- submitReq ---->| allocate dir           |                      |
//	   |                    | flags.Build            |                      |
//	   |                    | Start() -------------->| os/exec.Start        |
//	   |<---- run id -------| estimator.Start        | relay.Write -------->| log
//	   |                    |        estimator tick -------------------->| progress
//	   |                    |<------- Result --------| (process exits)      |
//	   |                    | relay.Close, estimator.Stop                   |
//	   |                    | history commit or discard                     |
//	   |                    |---------------------------------------------->| done/error
//
// Invariants:
//   - At most one process runs at a time. A second Submit gets
//     model.ErrAlreadyRunning and nothing is spawned.
//   - Each admitted run ends in exactly one done or error event, published
//     after its last progress and log event.
//   - Only completed runs keep their directory. Every other outcome deletes
//     it before the terminal event.
//   - The solver never outlives Do.
//
// internal/service/supervisor_test.go is the best source about how to
// properly use the Supervisor.
package service
