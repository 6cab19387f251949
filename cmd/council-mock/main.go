// council-mock serves the rule-based review council over gRPC for local
// development.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/ashureev/review-bridge/internal/council"
)

func main() {
	addr := pflag.String("addr", ":50051", "listen address")
	artifacts := pflag.Bool("artifacts", true, "return a generated test for qa reviews")
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		slog.Error("Failed to listen", "addr", *addr, "error", err)
		os.Exit(1)
	}

	srv := grpc.NewServer()
	council.RegisterServer(srv, &council.RuleServer{WithArtifacts: *artifacts})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("Shutting down council mock")
		srv.GracefulStop()
	}()

	slog.Info("Council mock listening", "addr", lis.Addr().String(), "artifacts", *artifacts)
	if err := srv.Serve(lis); err != nil {
		slog.Error("Council mock failed", "error", err)
		os.Exit(1)
	}
}
