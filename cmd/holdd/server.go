package main

import (
	"net/http"
	"net/http/pprof"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

const defaultInstrumentationAddress = "127.0.0.1:9090"

// newGrpcServer builds the control-plane grpc server: reflection plus the
// Prometheus/zap interceptor chain, following the construction block of
// cmd/lnmuxd/run.go. The RPC service bodies (invoice creation, settle,
// cancel, subscribe) are the host-integration boundary and are out of
// scope here; a deployment wires its own service implementation into
// this server before calling Serve.
func newGrpcServer(cfg *Config) *grpc.Server {
	streamInterceptors := []grpc.StreamServerInterceptor{
		grpc_prometheus.StreamServerInterceptor,
	}
	unaryInterceptors := []grpc.UnaryServerInterceptor{
		grpc_prometheus.UnaryServerInterceptor,
	}

	if cfg.Logging.GrpcLogging {
		unaryInterceptors = append(unaryInterceptors,
			grpc_zap.UnaryServerInterceptor(log.Desugar()),
		)
		streamInterceptors = append(streamInterceptors,
			grpc_zap.StreamServerInterceptor(log.Desugar()), //nolint: contextcheck
		)
	}

	grpcServer := grpc.NewServer(
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(streamInterceptors...)),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(unaryInterceptors...)),
	)

	reflection.Register(grpcServer)
	grpc_prometheus.Register(grpcServer)

	return grpcServer
}

// newInstrumentationServer exposes /metrics and the pprof endpoints on a
// dedicated listener, keeping instrumentation off the control-plane port.
func newInstrumentationServer(addr string) *http.Server {
	if addr == "" {
		addr = defaultInstrumentationAddress
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
