// Package client implements the submission-side half of spec.md §6's
// "client submission request": assembling a TaskSpec and job payload and
// streaming the resulting progress messages back from a Peer's
// execute() endpoint.
package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/dreamware/mrpeer/internal/kernel"
	"github.com/dreamware/mrpeer/internal/rpc"
	"github.com/dreamware/mrpeer/internal/rpcutil"
	"github.com/dreamware/mrpeer/internal/wire"
)

// SubmissionContext carries the program/cwd/argv/env a job's TaskSpec is
// built from. spec.md §9's "Global ambient state" design note calls out
// the source's process-wide globals for this and asks a re-implementation
// to thread it explicitly instead — this is that value.
type SubmissionContext struct {
	Program string
	Cwd     string
	Argv    []string
	Env     map[string]string
}

// NewSubmissionContext captures the current process's argv/cwd/env as a
// SubmissionContext. Callers that need a different program identity
// (e.g. a test harness submitting on behalf of a user script) can build
// one by hand instead.
func NewSubmissionContext() (SubmissionContext, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return SubmissionContext{}, fmt.Errorf("client: getwd: %w", err)
	}
	env := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	argv := append([]string(nil), os.Args[1:]...)
	program := ""
	if len(os.Args) > 0 {
		program = os.Args[0]
	}
	return SubmissionContext{Program: program, Cwd: cwd, Argv: argv, Env: env}, nil
}

// Job is everything Submit needs beyond the SubmissionContext: the
// kernel chain, opaque locals blob, and the input items (each an opaque
// byte value the feeder stage will emit one at a time).
type Job struct {
	Kernels []kernel.Serialized
	Locals  []byte
	Items   [][]byte
}

// Submit implements the client-facing half of Peer.execute(taskspec,
// payload): it builds the TaskSpec and JobPayload envelopes, posts them
// to peerURL's execute endpoint, and invokes onMessage once per streamed
// progress message until the connection closes (normally at DONE or
// ERROR).
func Submit(ctx context.Context, sc SubmissionContext, peerURL string, job Job, onMessage func(rpc.ProgressMessage) error) error {
	itemsBytes, err := wire.MarshalValue(job.Items)
	if err != nil {
		return fmt.Errorf("client: marshal items: %w", err)
	}

	spec := wire.TaskSpec{
		Env:      sc.Env,
		Program:  sc.Program,
		Cwd:      sc.Cwd,
		Argv:     sc.Argv,
		NItems:   len(job.Items),
		NKernels: len(job.Kernels),
		NLocals:  len(job.Locals),
	}
	specBytes, err := spec.Marshal()
	if err != nil {
		return fmt.Errorf("client: marshal taskspec: %w", err)
	}

	payload := wire.JobPayload{Kernels: job.Kernels, Locals: job.Locals, Items: itemsBytes}
	dataBytes, err := payload.Marshal()
	if err != nil {
		return fmt.Errorf("client: marshal payload: %w", err)
	}

	req := rpc.ExecuteRequest{Spec: specBytes, Data: dataBytes}
	return rpcutil.StreamPostNDJSON(ctx, peerURL+rpc.PeerExecute, req, onMessage)
}

// FetchResults reads a RESULT progress message's url to completion,
// decoding the `[length: u32 BE][value bytes]` records spec.md §6
// describes and returning every value in arrival order.
func FetchResults(ctx context.Context, url string) ([][]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: fetch results: %w", err)
	}
	defer resp.Body.Close()

	var values [][]byte
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(resp.Body, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return values, fmt.Errorf("client: read result length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		v := make([]byte, n)
		if _, err := io.ReadFull(resp.Body, v); err != nil {
			return values, fmt.Errorf("client: read result value: %w", err)
		}
		values = append(values, v)
	}
	return values, nil
}
