// Command mrpeer is the single binary that plays all three long-lived
// roles from spec.md §2. Without --worker it runs as a Peer: it
// registers into the shared directory, hosts the control RPC endpoint,
// and forks itself (with --worker) to run Workers on demand. With
// --worker=<hostname> it instead runs as a Worker for one job, printing
// its own RPC URL as the first line of stdout per spec.md §4.1's
// start_worker contract. The submit subcommand is the client side: it
// assembles a job and streams the resulting progress messages.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/mrpeer/internal/directory"
	"github.com/dreamware/mrpeer/internal/kernel"
	"github.com/dreamware/mrpeer/internal/logging"
	"github.com/dreamware/mrpeer/internal/peer"
	"github.com/dreamware/mrpeer/internal/worker"
)

var (
	workerHostname string
	taskID         string
	listenAddr     string
	dirPath        string
	boltPath       string
	peerSeedPath   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mrpeer:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mrpeer",
	Short: "Peer-to-peer MapReduce execution engine",
	Long: `mrpeer runs the Peer/Coordinator/Worker roles described by the
execution engine's core spec: peer discovery, Worker spawning, stage
barriers, and key/value scatter-gather between stages.

Invoked without --worker, the process runs as a Peer for the lifetime of
the host. Invoked with --worker=<hostname>, it instead runs as a single
Worker for one job and exits once that job's Coordinator shuts it down.`,
	RunE: runRoot,
}

func init() {
	rootCmd.Flags().StringVar(&workerHostname, "worker", "", "run as a Worker for this hostname instead of as a Peer")
	rootCmd.Flags().StringVar(&taskID, "task", "", "task id this Worker belongs to (set by Peer.start_worker)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:0", "address the Peer's RPC server binds (Worker mode always picks an ephemeral port)")
	rootCmd.Flags().StringVar(&dirPath, "directory", "", "shared filesystem directory for peer discovery (default: $MRPEER_DIR or ./mrpeer-directory)")
	rootCmd.Flags().StringVar(&boltPath, "bolt-directory", "", "use a bbolt file instead of the filesystem directory backend")
	rootCmd.Flags().StringVar(&peerSeedPath, "peer-seed", "", "use a static YAML peer-seed file instead of a shared directory path")

	rootCmd.AddCommand(submitCmd)
}

func runRoot(cmd *cobra.Command, args []string) error {
	if workerHostname != "" {
		return runWorker()
	}
	return runPeer()
}

// runWorker implements the Worker side of the --worker CLI convention
// (spec.md §9): bind an RPC server, print its URL as the first stdout
// line so the parent Peer's StartWorker can read it, then block until
// shutdown.
func runWorker() error {
	log := logging.New("worker")

	registry := kernel.NewRegistry()
	kernel.RegisterBuiltins(registry)

	w := worker.New(registry)
	srv, err := worker.Listen(w)
	if err != nil {
		return fmt.Errorf("worker: listen: %w", err)
	}

	if os.Getenv("MRPEER_DISABLE_LOCAL_BYPASS") != "" {
		w.DisableLocalBypass()
	}

	fmt.Println(w.SelfURL)
	log.Info().Str("task", taskID).Str("url", w.SelfURL).Msg("worker listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-stop:
		log.Info().Msg("worker shutting down")
		w.Shutdown()
		return srv.Close()
	}
}

// runPeer implements the long-lived Peer daemon: register into the
// shared directory, serve the control RPC surface, and deregister on
// graceful shutdown.
func runPeer() error {
	log := logging.New("peer")

	dir, err := openDirectory()
	if err != nil {
		return err
	}
	defer dir.Close()

	selfBin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("peer: resolve own executable: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "peer"
	}

	p := peer.New(dir, selfBin, hostname)
	srv, err := peer.Listen(p, listenAddr)
	if err != nil {
		return fmt.Errorf("peer: listen: %w", err)
	}

	if err := p.Register(); err != nil {
		return fmt.Errorf("peer: register: %w", err)
	}

	log.Info().Str("url", p.SelfURL).Msg("peer listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-stop:
		log.Info().Msg("peer shutting down")
		p.Deregister()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func openDirectory() (directory.Directory, error) {
	if peerSeedPath != "" {
		return directory.NewStaticDirectory(peerSeedPath)
	}
	if boltPath != "" {
		return directory.NewBoltDirectory(boltPath)
	}
	path := dirPath
	if path == "" {
		path = os.Getenv("MRPEER_DIR")
	}
	if path == "" {
		path = "./mrpeer-directory"
	}
	return directory.NewFilesystemDirectory(path)
}
