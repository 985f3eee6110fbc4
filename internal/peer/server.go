package peer

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/mrpeer/internal/rpc"
	"github.com/dreamware/mrpeer/internal/rpcutil"
	"github.com/dreamware/mrpeer/internal/wire"
)

// Server hosts a Peer's RPC surface: list_peers, start_worker, execute,
// stat (spec.md §6). One Server per Peer, bound for the lifetime of the
// host daemon.
type Server struct {
	P    *Peer
	http *http.Server
	ln   net.Listener
}

// Listen binds addr (empty string picks an ephemeral port) and sets
// p.SelfURL from the bound address.
func Listen(p *Peer, addr string) (*Server, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	p.SelfURL = "http://" + ln.Addr().String()

	mux := http.NewServeMux()
	s := &Server{P: p, ln: ln}
	s.routes(mux)
	s.http = &http.Server{Handler: mux}
	return s, nil
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc(rpc.PeerListPeers, s.handleListPeers)
	mux.HandleFunc(rpc.PeerStartWorker, s.handleStartWorker)
	mux.HandleFunc(rpc.PeerExecute, s.handleExecute)
	mux.HandleFunc(rpc.PeerStat, s.handleStat)
	mux.Handle("/metrics", promhttp.HandlerFor(s.P.mx.Reg, promhttp.HandlerOpts{}))
}

// Serve blocks serving the Peer's RPC surface until Close.
func (s *Server) Serve() error {
	err := s.http.Serve(s.ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts down the listener immediately, aborting in-flight requests.
func (s *Server) Close() error {
	return s.http.Close()
}

// Shutdown drains in-flight requests (notably any streaming execute()
// calls) before closing the listener, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Addr reports the bound TCP address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.P.ListPeers()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rpcutil.WriteJSON(w, http.StatusOK, rpc.ListPeersResponse{Peers: peers})
}

func (s *Server) handleStartWorker(w http.ResponseWriter, r *http.Request) {
	var req rpc.StartWorkerRequest
	if err := rpcutil.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	url, err := s.P.StartWorker(r.Context(), req.TaskID, req.TaskSpec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rpcutil.WriteJSON(w, http.StatusOK, rpc.StartWorkerResponse{WorkerURL: url})
}

// handleExecute implements the client-facing submission endpoint from
// spec.md §6. The request carries the client's TaskSpec envelope and the
// already-assembled wire.JobPayload ([kernels, locals] ++ items, built
// client-side); the response is a chunked stream of newline-delimited
// JSON progress messages, flushed as each one arrives so the client can
// render progress live rather than waiting for the job to finish.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req rpc.ExecuteRequest
	if err := rpcutil.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	spec, err := wire.UnmarshalTaskSpec(req.Spec)
	if err != nil {
		http.Error(w, "decode taskspec: "+err.Error(), http.StatusBadRequest)
		return
	}

	c, taskID, err := s.P.Execute(r.Context(), spec, req.Spec, req.Data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer s.P.FinishJob(taskID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := rpcutil.NewLineEncoder(w)
	for msg := range c.Progress() {
		if err := enc.Encode(msg); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleStat(w http.ResponseWriter, _ *http.Request) {
	rpcutil.WriteJSON(w, http.StatusOK, s.P.Stat())
}
