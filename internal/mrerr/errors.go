// Package mrerr defines the sentinel error kinds raised across the mrpeer
// runtime, mirroring the error-handling table in the design specification.
//
// Every kind here is fatal to the owning job when it surfaces at the
// Coordinator: there is no retry logic and no speculative re-execution in
// this core. Callers should use errors.Is against the sentinels below and
// errors.As / fmt.Errorf("...: %w", ...) to attach context.
package mrerr

import "errors"

// Sentinel error kinds. Wrap with fmt.Errorf("...: %w", ErrX) to add context
// without losing errors.Is comparability.
var (
	// ErrNoPeersAvailable is raised at client submission when the peer
	// directory is empty. Surfaced to the client immediately; no retry.
	ErrNoPeersAvailable = errors.New("mrpeer: no peers available")

	// ErrRPCUnreachable is raised by any caller of a remote endpoint
	// (Peer, Coordinator, Worker) that fails to respond. Fatal to the job.
	ErrRPCUnreachable = errors.New("mrpeer: rpc unreachable")

	// ErrSpawnFailed is raised by Peer.StartWorker when a child process
	// does not publish its RPC URL within the spawn timeout.
	ErrSpawnFailed = errors.New("mrpeer: worker spawn failed")

	// ErrProtocolFrame is raised by the Gatherer's channel parser on a
	// malformed frame. The offending channel is closed; fatal to the job.
	ErrProtocolFrame = errors.New("mrpeer: protocol frame error")

	// ErrBufferOverflow is raised by buffer.Chain.Append when a Gatherer
	// buffer's mapped region has no room for another record. The Worker
	// reports it to the Coordinator as a fault; it is not retried. Output
	// buffers never raise it: a full output buffer blocks its producer.
	ErrBufferOverflow = errors.New("mrpeer: output buffer overflow")

	// ErrKernel wraps a panic or returned error from user kernel code.
	ErrKernel = errors.New("mrpeer: kernel exception")

	// ErrUnknownKey is raised by registries (kernel kind, peer id) that
	// receive a key with no matching entry.
	ErrUnknownKey = errors.New("mrpeer: unknown key")

	// ErrJobShuttingDown indicates an operation was rejected because the
	// job is already in its shutdown cascade.
	ErrJobShuttingDown = errors.New("mrpeer: job shutting down")
)
