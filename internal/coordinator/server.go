package coordinator

import (
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/mrpeer/internal/metrics"
	"github.com/dreamware/mrpeer/internal/rpc"
	"github.com/dreamware/mrpeer/internal/rpcutil"
)

// Server hosts a Coordinator's RPC surface on a listen address the Peer
// picks for it; SelfURL is derived from the listener's actual address so
// multiple Coordinators can share one host without port conflicts.
type Server struct {
	C    *Coordinator
	mx   *metrics.Registry
	http *http.Server
	ln   net.Listener
}

// Listen binds an ephemeral TCP port and returns a Server ready to Serve,
// with c.SelfURL already populated from the bound address.
func Listen(c *Coordinator) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	c.SelfURL = "http://" + ln.Addr().String()

	mx := metrics.New("coordinator")
	mux := http.NewServeMux()
	s := &Server{C: c, mx: mx, ln: ln}
	s.routes(mux)
	s.http = &http.Server{Handler: mux}
	return s, nil
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc(rpc.CoordGetDestinations, s.handleGetDestinations)
	mux.HandleFunc(rpc.CoordStageThreadEnded, s.handleStageThreadEnded)
	mux.HandleFunc(rpc.CoordStageEnded, s.handleStageEnded)
	mux.HandleFunc(rpc.CoordNotifyResult, s.handleNotifyResult)
	mux.HandleFunc(rpc.CoordReportError, s.handleReportError)
	mux.HandleFunc(rpc.CoordStat, s.handleStat)
	mux.Handle("/metrics", promhttp.HandlerFor(s.mx.Reg, promhttp.HandlerOpts{}))
}

// Serve blocks serving the Coordinator's RPC surface until Close.
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

func (s *Server) handleGetDestinations(w http.ResponseWriter, r *http.Request) {
	var req rpc.GetDestinationsRequest
	if err := rpcutil.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dests, err := s.C.GetDestinations(r.Context(), req.Stage, req.KeyHash)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.mx.KeysRouted.Inc()

	out := make(map[string]string, len(dests))
	for kh, url := range dests {
		out[strconv.FormatUint(uint64(kh), 10)] = url
	}
	rpcutil.WriteJSON(w, http.StatusOK, rpc.GetDestinationsResponse{Destinations: out})
}

func (s *Server) handleStageThreadEnded(w http.ResponseWriter, r *http.Request) {
	var req rpc.StageThreadEndedRequest
	if err := rpcutil.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.C.StageThreadEnded(req.Worker, req.Stage)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStageEnded(w http.ResponseWriter, r *http.Request) {
	var req rpc.StageEndedRequest
	if err := rpcutil.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.C.StageEnded(req.Worker, req.Stage)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotifyResult(w http.ResponseWriter, r *http.Request) {
	var req rpc.NotifyResultRequest
	if err := rpcutil.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.C.NotifyClientOfResult(req.URL)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReportError(w http.ResponseWriter, r *http.Request) {
	var req rpc.ReportErrorRequest
	if err := rpcutil.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.C.ReportError(req.Worker, req.Stage, req.Message)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStat(w http.ResponseWriter, _ *http.Request) {
	rpcutil.WriteJSON(w, http.StatusOK, s.C.Stat())
}
