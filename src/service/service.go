package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/strandnet/strand/src/controller"
	"github.com/strandnet/strand/src/ledger"
	"github.com/strandnet/strand/src/metrics"
	"github.com/strandnet/strand/src/node"
	"github.com/strandnet/strand/src/session"
	"github.com/strandnet/strand/src/transfer"
)

// PeerLister exposes the controller's roster. Nil on agent-only processes.
type PeerLister interface {
	Peers() []controller.Peer
}

// Service is the read-only HTTP status API of one process: node stats, the
// chain, sessions, peers, transfers, and the metrics endpoint. Everything
// is served from an explicit mux on its own http.Server.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	chain       *ledger.Ledger
	sessions    *session.Manager
	transfers   *transfer.Manager
	peers       PeerLister

	srv    *http.Server
	logger *logrus.Entry
}

// NewService ...
func NewService(bindAddress string,
	n *node.Node,
	chain *ledger.Ledger,
	sessions *session.Manager,
	transfers *transfer.Manager,
	peers PeerLister,
	m *metrics.Metrics,
	logger *logrus.Entry) *Service {

	service := Service{
		bindAddress: bindAddress,
		node:        n,
		chain:       chain,
		sessions:    sessions,
		transfers:   transfers,
		peers:       peers,
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", service.makeHandler(service.GetStats))
	mux.HandleFunc("/block/", service.makeHandler(service.GetBlock))
	mux.HandleFunc("/blocks", service.makeHandler(service.GetBlocks))
	mux.HandleFunc("/chain", service.makeHandler(service.GetChain))
	mux.HandleFunc("/sessions", service.makeHandler(service.GetSessions))
	mux.HandleFunc("/peers", service.makeHandler(service.GetPeers))
	mux.HandleFunc("/transfers", service.makeHandler(service.GetTransfers))
	mux.Handle("/metrics", m.Handler())

	service.srv = &http.Server{
		Addr:    bindAddress,
		Handler: mux,
	}

	return &service
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve is a blocking call. It returns once Shutdown is invoked.
func (s *Service) Serve() error {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving status API")

	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.Stats())
}

// GetBlock serves /block/{index}.
func (s *Service) GetBlock(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Path[len("/block/"):]

	blockIndex, err := strconv.Atoi(param)
	if err != nil {
		s.logger.WithError(err).Errorf("Parsing block_index parameter %s", param)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	blocks := s.chain.Blocks(blockIndex - 1)
	if len(blocks) == 0 || blocks[0].Index != blockIndex {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}

	writeJSON(w, blocks[0])
}

// GetBlocks serves /blocks?since=N&limit=M. since defaults to -1 (the whole
// chain), limit to everything.
func (s *Service) GetBlocks(w http.ResponseWriter, r *http.Request) {
	since := -1
	if param := r.URL.Query().Get("since"); param != "" {
		parsed, err := strconv.Atoi(param)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		since = parsed
	}

	blocks := s.chain.Blocks(since)

	if param := r.URL.Query().Get("limit"); param != "" {
		limit, err := strconv.Atoi(param)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if limit >= 0 && limit < len(blocks) {
			blocks = blocks[:limit]
		}
	}

	writeJSON(w, blocks)
}

// GetChain ...
func (s *Service) GetChain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.chain.Chain())
}

// GetSessions ...
func (s *Service) GetSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.sessions.List())
}

// GetPeers serves the controller's roster; empty on agent-only processes.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	if s.peers == nil {
		writeJSON(w, []controller.Peer{})
		return
	}
	writeJSON(w, s.peers.Peers())
}

// GetTransfers ...
func (s *Service) GetTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.transfers.List())
}
