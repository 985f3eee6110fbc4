package worker

import (
	"net"

	"github.com/dreamware/mrpeer/internal/wire"
)

// Gatherer is the Worker's inbound key/value receiver, per spec.md §4.4: a
// listen socket plus one goroutine per accepted Scatterer channel. Each
// channel goroutine is this runtime's event loop slice for that
// connection — the idiomatic Go substitute for multiplexing every channel
// through a single epoll-equivalent thread, since the standard library
// already schedules blocking reads across goroutines efficiently.
type Gatherer struct {
	w  *Worker
	ln net.Listener
}

// listenGatherer binds an ephemeral port and starts accepting Scatterer
// connections in the background.
func listenGatherer(w *Worker) (*Gatherer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	g := &Gatherer{w: w, ln: ln}
	go g.acceptLoop()
	return g, nil
}

func (g *Gatherer) addr() (host string, port int) {
	tcpAddr := g.ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

func (g *Gatherer) close() error {
	return g.ln.Close()
}

func (g *Gatherer) acceptLoop() {
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			return // listener closed during shutdown
		}
		g.w.wg.Add(1)
		go g.serveChannel(conn)
	}
}

// serveChannel implements spec.md §4.4's per-channel read loop: parse
// frames; a FrameAckDone elicits a 4-byte ack reply and is never
// delivered to a buffer; anything else is appended to buffer[dest-stage].
func (g *Gatherer) serveChannel(conn net.Conn) {
	defer g.w.wg.Done()
	defer conn.Close()

	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			return // EOF or malformed frame: close the channel
		}

		switch f.Tag {
		case wire.FrameAckDone:
			if err := wire.WriteAck(conn, wire.AckFrame{Stage: f.DestStage}); err != nil {
				return
			}
		default:
			chain := g.w.getOrCreateChain(int(f.DestStage))
			if err := chain.Append(f.Key, f.Value); err != nil {
				g.w.reportError(int(f.DestStage), err.Error())
				return
			}
			g.w.mx.BytesGathered.Add(float64(len(f.Value)))
		}
	}
}
