// Package kernel implements the Fluffy supervisor: the IPC server over a
// Unix Domain Socket, the request dispatcher, and the orchestration that
// wires the policy engine, token issuer, state machine, audit log, and
// sandbox manager together.
package kernel

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/client"

	"fluffy/internal/audit"
	"fluffy/internal/policy"
	"fluffy/internal/sandbox"
	"fluffy/internal/session"
	"fluffy/internal/token"
	"fluffy/pkg/protocol"
)

// Config holds the kernel server configuration.
type Config struct {
	SocketPath    string
	PolicyPath    string
	AuditPath     string
	StatePath     string
	EvaluatorPath string // optional external-evaluator socket
	Logger        *log.Logger
}

// Server owns the listening socket and every long-lived kernel component.
type Server struct {
	config Config
	logger *log.Logger

	listener  net.Listener
	dispatch  *Dispatcher
	session   *session.Machine
	policyEng *policy.Engine
	tokens    *token.Issuer
	audit     *audit.Logger
	sandboxes *sandbox.Manager
	snapshots *session.SnapshotStore
	watcher   *policy.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer builds the kernel: opens the stores, restores persisted state,
// and wires every component. Collaborators that are unavailable (the
// container runtime, the external evaluator) degrade rather than abort.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[kernel] ", log.LstdFlags|log.Lmsgprefix)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		config: cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}

	auditLogger, err := audit.Open(cfg.AuditPath, audit.Config{Logger: cfg.Logger})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	srv.audit = auditLogger

	snapshots, err := session.OpenSnapshotStore(cfg.StatePath)
	if err != nil {
		auditLogger.Close()
		cancel()
		return nil, fmt.Errorf("open state store: %w", err)
	}
	srv.snapshots = snapshots

	srv.session = session.NewMachine(session.Config{
		Store:  snapshots,
		Audit:  NewSessionRecorder(auditLogger, cfg.Logger),
		Logger: cfg.Logger,
	})

	issuer, err := token.NewIssuer(cfg.Logger)
	if err != nil {
		snapshots.Close()
		auditLogger.Close()
		cancel()
		return nil, fmt.Errorf("create token issuer: %w", err)
	}
	srv.tokens = issuer

	var evaluator policy.Evaluator
	if cfg.EvaluatorPath != "" {
		evaluator = policy.NewSocketEvaluator(cfg.EvaluatorPath, cfg.Logger)
	}
	srv.policyEng = policy.NewEngine(policy.Config{
		Tokens:    issuer,
		Evaluator: evaluator,
		Logger:    cfg.Logger,
	})

	if cfg.PolicyPath != "" {
		if err := srv.policyEng.LoadFile(cfg.PolicyPath); err != nil {
			cfg.Logger.Printf("warning: could not load capability document from %s: %v (builtin rules only)", cfg.PolicyPath, err)
		}

		watcher, err := policy.NewWatcher(cfg.PolicyPath, srv.policyEng, cfg.Logger)
		if err != nil {
			cfg.Logger.Printf("warning: capability document hot-reload disabled: %v", err)
		} else {
			srv.watcher = watcher
		}
	}

	dockerClient, dockerErr := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if dockerErr != nil {
		cfg.Logger.Printf("warning: container runtime unavailable: %v (sandbox methods disabled)", dockerErr)
	} else {
		rt := sandbox.NewDockerRuntime(dockerClient, cfg.Logger)
		srv.sandboxes = sandbox.NewManager(rt, cfg.Logger)

		if reclaimed, err := srv.sandboxes.ReclaimOrphans(ctx); err != nil {
			cfg.Logger.Printf("warning: orphan reclamation failed: %v", err)
		} else if reclaimed > 0 {
			cfg.Logger.Printf("reclaimed %d orphaned sandboxes", reclaimed)
		}
	}

	srv.dispatch = NewDispatcher(DispatcherConfig{
		Session:   srv.session,
		Policy:    srv.policyEng,
		Tokens:    issuer,
		Audit:     auditLogger,
		Sandboxes: srv.sandboxes,
		Logger:    cfg.Logger,
	})

	return srv, nil
}

// prepareSocket gets the bind path into a usable state: parent directory
// mode 0700, stale sockets removed, live sockets and non-socket files
// refused.
func prepareSocket(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat socket path: %w", err)
	}

	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s", ErrNonSocketPath, path)
	}

	// Probe: if something answers, another kernel owns this path.
	probe, err := net.DialTimeout("unix", path, 250*time.Millisecond)
	if err == nil {
		probe.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, path)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// ListenAndServe binds the socket and accepts connections until Shutdown.
func (s *Server) ListenAndServe() error {
	if err := prepareSocket(s.config.SocketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.SocketPath, err)
	}
	s.listener = listener
	defer listener.Close()

	if err := os.Chmod(s.config.SocketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	if s.watcher != nil {
		if err := s.watcher.Start(s.ctx); err != nil {
			s.logger.Printf("warning: capability document watcher failed to start: %v", err)
		}
	}

	s.audit.Append(audit.CategoryLifecycle, "kernel.start", "kernel", map[string]any{"socket": s.config.SocketPath}, "")
	s.logger.Printf("listening on %s", s.config.SocketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil // clean shutdown
			default:
				s.logger.Printf("accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Shutdown stops accepting, closes live connections, destroys sandboxes,
// and flushes the audit log.
func (s *Server) Shutdown() {
	s.cancel()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.sandboxes != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		s.sandboxes.Shutdown(shutdownCtx)
		cancel()
	}
	if s.audit != nil {
		s.audit.Append(audit.CategoryLifecycle, "kernel.stop", "kernel", nil, "")
		if err := s.audit.Close(); err != nil {
			s.logger.Printf("close audit log: %v", err)
		}
	}
	if s.snapshots != nil {
		s.snapshots.Close()
	}
}

// handleConnection serves one client: derive the peer identity, build the
// request context, then decode frames and dispatch them serially. Requests
// from different connections interleave; within a connection each handler
// completes before the next frame is dispatched.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	peer, err := extractPeerIdentity(conn)
	if err != nil {
		// No identity, no service: close without reading a byte.
		s.logger.Printf("refusing connection: %v", err)
		return
	}

	containerID, err := resolveContainerID(peer.PID)
	if err != nil {
		s.logger.Printf("warning: could not resolve container for pid %d: %v", peer.PID, err)
	}
	cc := newConnContext(peer, containerID, uint32(os.Getuid()))

	s.track(conn)
	defer s.untrack(conn)

	s.logger.Printf("connection from pid=%d uid=%d container=%s", peer.PID, peer.UID, cc.actor())

	decoder := protocol.NewDecoder()
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}

		msgs, err := decoder.Feed(buf[:n])
		if err != nil {
			s.logger.Printf("protocol violation from pid %d: %v", peer.PID, err)
			return
		}

		for _, msg := range msgs {
			resp := s.dispatch.Dispatch(s.ctx, cc, msg)
			if err := protocol.Write(conn, resp); err != nil {
				s.logger.Printf("write response: %v", err)
				return
			}
		}
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}
