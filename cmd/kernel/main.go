// Command kernel is the Fluffy supervisor process. It listens on a Unix
// Domain Socket, brokers privileged operations for a driven coding agent,
// and records every decision in a hash-chained audit log.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"fluffy/internal/kernel"
	"fluffy/pkg/protocol"
)

func main() {
	workspace := flag.String("workspace", ".", "Workspace root the kernel supervises")
	socketPath := flag.String("socket", "", "Unix Domain Socket path (default <workspace>/"+protocol.DefaultSocketPath+")")
	policyPath := flag.String("policy", "", "Capability document path (default <workspace>/.fluffy/policy.yaml)")
	auditPath := flag.String("audit", "", "Audit store path (default <workspace>/.fluffy/audit.db)")
	statePath := flag.String("state", "", "Session snapshot store path (default <workspace>/.fluffy/state.db)")
	evaluatorPath := flag.String("evaluator-socket", "", "External evaluator socket path (optional)")
	flag.Parse()

	if *socketPath == "" {
		*socketPath = filepath.Join(*workspace, protocol.DefaultSocketPath)
	}
	if *policyPath == "" {
		*policyPath = filepath.Join(*workspace, ".fluffy", "policy.yaml")
	}
	if *auditPath == "" {
		*auditPath = filepath.Join(*workspace, ".fluffy", "audit.db")
	}
	if *statePath == "" {
		*statePath = filepath.Join(*workspace, ".fluffy", "state.db")
	}

	logger := log.New(os.Stdout, "[kernel] ", log.LstdFlags|log.Lmsgprefix)

	srv, err := kernel.NewServer(kernel.Config{
		SocketPath:    *socketPath,
		PolicyPath:    *policyPath,
		AuditPath:     *auditPath,
		StatePath:     *statePath,
		EvaluatorPath: *evaluatorPath,
		Logger:        logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel: failed to initialize: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down...", sig)
		srv.Shutdown()
	}()

	logger.Printf("starting kernel on %s", *socketPath)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "kernel: %v\n", err)
		os.Exit(1)
	}
}
