// Package integration drives real mrpeer processes end to end, in the
// style of the example cluster harness this codebase descends from:
// build the binary once, fork one process per Peer, and talk to them
// over the same HTTP RPC surface any client would use.
package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dreamware/mrpeer/internal/rpc"
	"github.com/dreamware/mrpeer/internal/rpcutil"
)

var (
	buildOnce sync.Once
	binPath   string
	buildErr  error
)

// buildMrpeer compiles cmd/mrpeer once per test binary run and returns
// the path to the resulting executable.
func buildMrpeer(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		root, err := filepath.Abs(filepath.Join("..", ".."))
		if err != nil {
			buildErr = err
			return
		}
		binPath = filepath.Join(t.TempDir(), "mrpeer")
		cmd := exec.Command("go", "build", "-o", binPath, "./cmd/mrpeer")
		cmd.Dir = root
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		buildErr = cmd.Run()
	})
	if buildErr != nil {
		t.Fatalf("build mrpeer: %v", buildErr)
	}
	return binPath
}

// testPeer is one spawned `mrpeer` process running as a Peer.
type testPeer struct {
	cmd  *exec.Cmd
	url  string
	name string
}

// testCluster is a set of Peer processes sharing one filesystem
// directory, torn down together at the end of a test.
type testCluster struct {
	t       *testing.T
	dir     string
	peers   []*testPeer
	nextPort int
}

// newTestCluster starts n Peer processes, each on its own fixed port so
// their "<hostname>:<port>" directory entries stay distinct despite
// sharing a real hostname, and waits for every one to answer /stat.
func newTestCluster(t *testing.T, n int, basePort int) *testCluster {
	t.Helper()
	bin := buildMrpeer(t)
	dir := t.TempDir()

	tc := &testCluster{t: t, dir: dir, nextPort: basePort}
	t.Cleanup(tc.stop)

	for i := 0; i < n; i++ {
		port := tc.nextPort
		tc.nextPort++
		name := fmt.Sprintf("peer%d", i)
		addr := "127.0.0.1:" + strconv.Itoa(port)

		cmd := exec.Command(bin,
			"--listen="+addr,
			"--directory="+dir,
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			t.Fatalf("start peer %d: %v", i, err)
		}

		p := &testPeer{cmd: cmd, url: "http://" + addr, name: name}
		tc.peers = append(tc.peers, p)
	}

	for _, p := range tc.peers {
		tc.waitReady(p)
	}
	return tc
}

func (tc *testCluster) waitReady(p *testPeer) {
	tc.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		var resp rpc.StatResponse
		err := rpcutil.GetJSON(ctx, p.url+rpc.PeerStat, &resp)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	tc.t.Fatalf("peer %s (%s) never became ready", p.name, p.url)
}

// killPeer sends SIGKILL to one peer's process without deregistering it,
// leaving its stale directory entry behind — exactly the "crashed peer"
// behavior spec.md §6 documents for the filesystem directory backend.
func (tc *testCluster) killPeer(p *testPeer) {
	_ = p.cmd.Process.Kill()
	_, _ = p.cmd.Process.Wait()
}

func (tc *testCluster) stop() {
	for _, p := range tc.peers {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	}
	for _, p := range tc.peers {
		_, _ = p.cmd.Process.Wait()
	}
}

// anyPeerURL returns an arbitrary peer's RPC URL to submit a job to.
func (tc *testCluster) anyPeerURL() string {
	return tc.peers[0].url
}
