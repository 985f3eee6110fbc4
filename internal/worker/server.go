package worker

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/mrpeer/internal/rpc"
	"github.com/dreamware/mrpeer/internal/rpcutil"
)

// Server hosts a Worker's RPC surface: initialize, run_stage, stage_ended,
// get_gatherer_addr, shutdown, stat (spec.md §6).
type Server struct {
	W    *Worker
	http *http.Server
	ln   net.Listener
}

// Listen binds an ephemeral TCP port and sets w.SelfURL from it.
func Listen(w *Worker) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	w.SelfURL = "http://" + ln.Addr().String()

	mux := http.NewServeMux()
	s := &Server{W: w, ln: ln}
	s.routes(mux)
	s.http = &http.Server{Handler: mux}
	return s, nil
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc(rpc.WorkerInitialize, s.handleInitialize)
	mux.HandleFunc(rpc.WorkerRunStage, s.handleRunStage)
	mux.HandleFunc(rpc.WorkerStageEnded, s.handleStageEnded)
	mux.HandleFunc(rpc.WorkerGatherAddr, s.handleGatherAddr)
	mux.HandleFunc(rpc.WorkerShutdown, s.handleShutdown)
	mux.HandleFunc(rpc.WorkerStat, s.handleStat)
	mux.Handle("/metrics", promhttp.HandlerFor(s.W.mx.Reg, promhttp.HandlerOpts{}))
}

// Serve blocks serving the Worker's RPC surface until Close.
func (s *Server) Serve() error {
	err := s.http.Serve(s.ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts down the listener.
func (s *Server) Close() error {
	return s.http.Close()
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req rpc.InitializeRequest
	if err := rpcutil.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.W.Initialize(r.Context(), req.CoordinatorURL, req.Payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunStage(w http.ResponseWriter, r *http.Request) {
	var req rpc.RunStageRequest
	if err := rpcutil.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.W.RunStage(req.Stage, req.MaxPeers); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStageEnded answers the Coordinator's "stage S has globally ended"
// notification, per spec.md §4.2: flip buffer[S]'s all_received flag so
// any kernel thread blocked on it can observe termination.
func (s *Server) handleStageEnded(w http.ResponseWriter, r *http.Request) {
	var req rpc.StageEndedRequest
	if err := rpcutil.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.W.getOrCreateChain(req.Stage).SetAllReceived()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGatherAddr(w http.ResponseWriter, _ *http.Request) {
	rpcutil.WriteJSON(w, http.StatusOK, s.W.GatherAddr())
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	go func() {
		s.W.Shutdown()
		s.Close()
	}()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStat(w http.ResponseWriter, _ *http.Request) {
	rpcutil.WriteJSON(w, http.StatusOK, s.W.Stat())
}
