package strand

import (
	"context"
	"fmt"
	"time"

	"github.com/strandnet/strand/src/agent"
	"github.com/strandnet/strand/src/config"
	"github.com/strandnet/strand/src/controller"
	"github.com/strandnet/strand/src/ledger"
	"github.com/strandnet/strand/src/metrics"
	"github.com/strandnet/strand/src/node"
	"github.com/strandnet/strand/src/service"
	"github.com/strandnet/strand/src/session"
	"github.com/strandnet/strand/src/shell"
	"github.com/strandnet/strand/src/transfer"
)

// shutdownTimeout bounds how long the HTTP service may take to drain.
const shutdownTimeout = 5 * time.Second

// Strand assembles one process: a node over a ledger, session and transfer
// managers, a role (controller, agent, or bare validator), and the status
// service.
type Strand struct {
	Config     *config.Config
	Chain      *ledger.Ledger
	Node       *node.Node
	Sessions   *session.Manager
	Transfers  *transfer.Manager
	Agent      *agent.Agent
	Controller *controller.Controller
	Service    *service.Service
	Metrics    *metrics.Metrics

	store session.Store
}

// NewStrand returns an unassembled engine. Call Init before Run. Setting
// Chain before Init makes the engine join that ledger instead of creating
// its own; this is how several in-process engines share one channel.
func NewStrand(conf *config.Config) *Strand {
	return &Strand{
		Config: conf,
	}
}

func (s *Strand) initMetrics() error {
	s.Metrics = metrics.New()
	return nil
}

func (s *Strand) initLedger() error {
	if s.Chain != nil {
		return nil
	}

	chain, err := ledger.New(s.Config.Authorities, s.Config.Logger().WithField("prefix", "ledger"))
	if err != nil {
		return err
	}

	s.Chain = chain
	return nil
}

func (s *Strand) initStore() error {
	if !s.Config.Store {
		s.store = session.NewInmemStore()

		s.Config.Logger().Debug("created new in-mem session store")

		return nil
	}

	s.Config.Logger().WithField("path", s.Config.DatabaseDir).
		Debug("Attempting to load or create database")

	store, err := session.NewBadgerStore(s.Config.DatabaseDir)
	if err != nil {
		return err
	}

	s.store = store
	return nil
}

func (s *Strand) initNode() error {
	s.Node = node.NewNode(
		s.Config,
		s.Config.NodeID,
		s.Chain,
		s.Config.Logger().WithField("prefix", "node"),
		s.Metrics,
	)
	return nil
}

func (s *Strand) initSessions() error {
	sessions, err := session.NewManager(
		s.Config,
		s.store,
		s.Config.Logger().WithField("prefix", "session"),
		s.Metrics,
	)
	if err != nil {
		return err
	}

	s.Sessions = sessions
	return nil
}

func (s *Strand) initTransfers() error {
	s.Transfers = transfer.NewManager(
		s.Config,
		s.Node,
		s.Config.Logger().WithField("prefix", "transfer"),
		s.Metrics,
	)
	return nil
}

func (s *Strand) initRole() error {
	switch s.Config.Role {
	case config.RoleAgent:
		s.Agent = agent.NewAgent(
			s.Config,
			s.Node,
			s.Sessions,
			s.Transfers,
			shell.NewExecRunner(),
			s.Config.Logger().WithField("prefix", "agent"),
		)
	case config.RoleController:
		s.Controller = controller.NewController(
			s.Config,
			s.Node,
			s.Sessions,
			s.Transfers,
			s.Config.Logger().WithField("prefix", "controller"),
		)
	case config.RoleValidator:
		// Seals only; the node loop covers it.
	default:
		return fmt.Errorf("unknown role %q", s.Config.Role)
	}

	return nil
}

func (s *Strand) initService() error {
	if s.Config.NoService || s.Config.ServiceAddr == "" {
		return nil
	}

	var peers service.PeerLister
	if s.Controller != nil {
		peers = s.Controller
	}

	s.Service = service.NewService(
		s.Config.ServiceAddr,
		s.Node,
		s.Chain,
		s.Sessions,
		s.Transfers,
		peers,
		s.Metrics,
		s.Config.Logger().WithField("prefix", "service"),
	)

	return nil
}

// Init assembles the engine from its config.
func (s *Strand) Init() error {
	if err := s.initMetrics(); err != nil {
		return err
	}

	if err := s.initLedger(); err != nil {
		return err
	}

	if err := s.initStore(); err != nil {
		return err
	}

	if err := s.initNode(); err != nil {
		return err
	}

	if err := s.initSessions(); err != nil {
		return err
	}

	if err := s.initTransfers(); err != nil {
		return err
	}

	if err := s.initRole(); err != nil {
		return err
	}

	if err := s.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts every loop of the engine. Non-blocking; pair with Shutdown.
func (s *Strand) Run() error {
	s.Node.Run()

	if err := s.Sessions.Run(); err != nil {
		return err
	}

	if s.Agent != nil {
		if err := s.Agent.Run(); err != nil {
			return err
		}
	}

	if s.Service != nil {
		go func() {
			if err := s.Service.Serve(); err != nil {
				s.Config.Logger().WithError(err).Error("Status service stopped")
			}
		}()
	}

	return nil
}

// Shutdown tears the engine down in reverse order of Run. Idempotent where
// the components are.
func (s *Strand) Shutdown() {
	if s.Service != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.Service.Shutdown(ctx); err != nil {
			s.Config.Logger().WithError(err).Error("Stopping status service")
		}
		cancel()
	}

	if s.Agent != nil {
		s.Agent.Shutdown()
	}

	if s.Sessions != nil {
		s.Sessions.Stop()
	}

	if s.Node != nil {
		s.Node.Shutdown()
	}
}
