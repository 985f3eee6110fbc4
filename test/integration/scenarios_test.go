package integration

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dreamware/mrpeer/internal/client"
	"github.com/dreamware/mrpeer/internal/kernel"
	"github.com/dreamware/mrpeer/internal/rpc"
	"github.com/dreamware/mrpeer/internal/worker"
)

// submitAndCollect submits job to one of tc's peers and drains its
// progress stream, returning every (key, value) the job's result stream
// produced plus whether a terminal ERROR message was seen.
func submitAndCollect(t *testing.T, tc *testCluster, job client.Job) (results map[string]string, errored bool, errMsg string) {
	t.Helper()
	return submitAndCollectEnv(t, tc, job, nil)
}

// submitAndCollectEnv is submitAndCollect with an explicit TaskSpec.Env,
// used by the local-bypass scenario to flip MRPEER_DISABLE_LOCAL_BYPASS
// for every Worker the job's Peer spawns.
func submitAndCollectEnv(t *testing.T, tc *testCluster, job client.Job, env map[string]string) (results map[string]string, errored bool, errMsg string) {
	t.Helper()
	results = make(map[string]string)

	sc := client.SubmissionContext{Program: "test", Cwd: ".", Argv: nil, Env: env}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var resultURL string
	var done bool

	onMessage := func(msg rpc.ProgressMessage) error {
		switch msg.Kind {
		case rpc.KindResult:
			var args struct {
				URL string `json:"url"`
			}
			if err := decodeArgs(msg.Args, &args); err == nil {
				resultURL = args.URL
			}
		case rpc.KindDone:
			done = true
		case rpc.KindError:
			errored = true
			var args struct {
				Error string `json:"error"`
			}
			_ = decodeArgs(msg.Args, &args)
			errMsg = args.Error
		}
		return nil
	}

	if err := client.Submit(ctx, sc, tc.anyPeerURL(), job, onMessage); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if errored || !done || resultURL == "" {
		return results, errored, errMsg
	}

	values, err := client.FetchResults(ctx, resultURL)
	if err != nil {
		t.Fatalf("fetch results: %v", err)
	}
	for _, v := range values {
		key, value, err := worker.UnpackResult(v)
		if err != nil {
			t.Fatalf("unpack result: %v", err)
		}
		results[string(key)] = string(value)
	}
	return results, errored, errMsg
}

func decodeArgs(b []byte, out any) error {
	return json.Unmarshal(b, out)
}

func items(strs ...string) [][]byte {
	out := make([][]byte, len(strs))
	for i, s := range strs {
		out[i] = []byte(s)
	}
	return out
}

// Scenario 1: identity pipeline, single peer, single item.
func TestIdentityPipeline(t *testing.T) {
	tc := newTestCluster(t, 1, 19101)

	job := client.Job{
		Kernels: []kernel.Serialized{{Kind: kernel.KindIdentity}},
		Items:   items("42"),
	}
	results, errored, errMsg := submitAndCollect(t, tc, job)
	if errored {
		t.Fatalf("job errored: %s", errMsg)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d: %v", len(results), results)
	}
	found := false
	for _, v := range results {
		if v == "42" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected value 42 among results, got %v", results)
	}
}

// Scenario 2: word count, three peers, two kernels.
func TestWordCountThreePeers(t *testing.T) {
	tc := newTestCluster(t, 3, 19110)

	job := client.Job{
		Kernels: []kernel.Serialized{
			{Kind: kernel.KindSplitWords},
			{Kind: kernel.KindSumValues},
		},
		Items: items("a a b", "b c", "a"),
	}
	results, errored, errMsg := submitAndCollect(t, tc, job)
	if errored {
		t.Fatalf("job errored: %s", errMsg)
	}
	want := map[string]string{"a": "3", "b": "2", "c": "1"}
	if len(results) != len(want) {
		t.Fatalf("expected %v, got %v", want, results)
	}
	for k, v := range want {
		if got := results[k]; got != v {
			t.Errorf("word %q: expected %s, got %s", k, v, got)
		}
	}
}

// Scenario 3: funnel test, two peers.
func TestFunnelTwoPeers(t *testing.T) {
	tc := newTestCluster(t, 2, 19120)

	var its [][]byte
	for i := 0; i < 100; i++ {
		its = append(its, []byte(strconv.Itoa(i)))
	}
	job := client.Job{
		Kernels: []kernel.Serialized{
			{Kind: kernel.KindEmitKeyMod2},
			{Kind: kernel.KindSumValues},
		},
		Items: its,
	}
	results, errored, errMsg := submitAndCollect(t, tc, job)
	if errored {
		t.Fatalf("job errored: %s", errMsg)
	}
	want := map[string]string{"0": "2450", "1": "2500"}
	if len(results) != len(want) {
		t.Fatalf("expected %v, got %v", want, results)
	}
	for k, v := range want {
		if got := results[k]; got != v {
			t.Errorf("key %q: expected %s, got %s", k, v, got)
		}
	}
}

// Scenario 4: empty-emit stage must finish with DONE and zero RESULT
// payloads, never deadlocking the barrier.
func TestEmptyEmitStage(t *testing.T) {
	tc := newTestCluster(t, 1, 19130)

	job := client.Job{
		Kernels: []kernel.Serialized{{Kind: kernel.KindEmitNothing}},
		Items:   items("x", "y", "z"),
	}
	results, errored, errMsg := submitAndCollect(t, tc, job)
	if errored {
		t.Fatalf("job errored: %s", errMsg)
	}
	if len(results) != 0 {
		t.Fatalf("expected zero results, got %v", results)
	}
}

// Scenario 5: local bypass correctness. A single-peer job's bypass path
// must produce the same output as the same job with its Worker's bypass
// disabled, forcing every emission over TCP instead.
func TestLocalBypassCorrectness(t *testing.T) {
	tcBypass := newTestCluster(t, 1, 19140)
	job := client.Job{
		Kernels: []kernel.Serialized{
			{Kind: kernel.KindSplitWords},
			{Kind: kernel.KindSumValues},
		},
		Items: items("a a b", "b c", "a"),
	}
	withBypass, errored, errMsg := submitAndCollect(t, tcBypass, job)
	if errored {
		t.Fatalf("bypass job errored: %s", errMsg)
	}

	// Every Worker this second cluster's Peer spawns inherits the env var
	// below via the job's own TaskSpec.Env overlay (spawn.go's
	// clean-environment rule), which cmd/mrpeer's worker mode reads to
	// call Worker.DisableLocalBypass before Initialize runs.
	tcNoBypass := newTestCluster(t, 1, 19150)
	withoutBypass, errored2, errMsg2 := submitAndCollectEnv(t, tcNoBypass, job,
		map[string]string{"MRPEER_DISABLE_LOCAL_BYPASS": "1"})
	if errored2 {
		t.Fatalf("no-bypass job errored: %s", errMsg2)
	}

	if len(withBypass) != len(withoutBypass) {
		t.Fatalf("bypass produced %v, no-bypass produced %v", withBypass, withoutBypass)
	}
	for k, v := range withBypass {
		if withoutBypass[k] != v {
			t.Errorf("key %q: bypass=%s no-bypass=%s", k, v, withoutBypass[k])
		}
	}
}

// Scenario 6: peer loss during pre-launch. One peer's directory entry is
// left stale (as if its process crashed after registering but before
// Peer.execute could ever reach it), so the Coordinator's spawn sweep
// over every known peer fails before stage -1 ever runs. The job must
// surface RpcUnreachable as a terminal message, not hang.
func TestPeerLossDuringPreLaunch(t *testing.T) {
	tc := newTestCluster(t, 2, 19160)
	tc.killPeer(tc.peers[1]) // leaves peers[1]'s directory file behind, unreachable

	job := client.Job{
		Kernels: []kernel.Serialized{{Kind: kernel.KindIdentity}},
		Items:   items("1"),
	}
	_, errored, errMsg := submitAndCollect(t, tc, job)
	if !errored {
		t.Fatalf("expected job to error on unreachable peer, got none")
	}
	if !strings.Contains(errMsg, "unreachable") {
		t.Fatalf("expected an rpc-unreachable error, got: %s", errMsg)
	}
}
