package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vzdtic/raftcore/pkg/api"
	"github.com/vzdtic/raftcore/pkg/kv"
	"github.com/vzdtic/raftcore/pkg/raft"
	"github.com/vzdtic/raftcore/pkg/transport/grpc"
	"github.com/vzdtic/raftcore/pkg/wal"
)

func main() {
	nodeID := flag.String("id", "", "Node ID")
	addr := flag.String("addr", "", "gRPC listen address (e.g., localhost:5000)")
	httpAddr := flag.String("http", "", "HTTP API listen address (e.g., localhost:8000)")
	peers := flag.String("peers", "", "Comma-separated list of peer addresses (id1=addr1,id2=addr2)")
	walDir := flag.String("wal", "", "WAL directory path")
	bootstrap := flag.Bool("bootstrap", false, "Initialize a brand-new single/seed cluster on this node")
	flag.Parse()

	if *nodeID == "" || *addr == "" || *httpAddr == "" {
		flag.Usage()
		os.Exit(1)
	}

	peerAddrs := make(map[string]string)
	members := map[string]bool{*nodeID: true}
	if *peers != "" {
		for _, peer := range strings.Split(*peers, ",") {
			parts := strings.Split(peer, "=")
			if len(parts) == 2 {
				peerAddrs[parts[0]] = parts[1]
				members[parts[0]] = true
			}
		}
	}
	peerAddrs[*nodeID] = *addr

	walPath := *walDir
	if walPath == "" {
		walPath = fmt.Sprintf("/tmp/raft-wal-%s", *nodeID)
	}

	logger := log.New(os.Stderr, fmt.Sprintf("[%s] ", *nodeID), log.LstdFlags)
	logger.Printf("starting raftcore node: grpc=%s http=%s wal=%s", *addr, *httpAddr, walPath)

	store := kv.New()
	storage, err := wal.New(walPath, store)
	if err != nil {
		logger.Fatalf("failed to open wal: %v", err)
	}

	transport := grpc.New(*addr, peerAddrs)
	if err := transport.Start(); err != nil {
		logger.Fatalf("failed to start transport: %v", err)
	}

	cfg := raft.DefaultConfig(*nodeID)
	node := raft.NewNode(cfg, storage, transport, logger)
	transport.SetNode(node)

	if *bootstrap {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := node.Initialize(ctx, members); err != nil {
			logger.Printf("initialize: %v", err)
		}
		cancel()
	}

	apiServer := &http.Server{
		Addr:    *httpAddr,
		Handler: api.NewHTTPHandler(node, store),
	}
	go func() {
		logger.Printf("http api listening on %s", *httpAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Println("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	apiServer.Shutdown(ctx)
	node.Stop()
	transport.Stop()
	storage.Close()

	logger.Println("shutdown complete")
}
