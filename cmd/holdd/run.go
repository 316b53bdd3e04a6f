package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/holdinvoice/hold/eventbus"
	"github.com/holdinvoice/hold/handler"
	"github.com/holdinvoice/hold/settler"
	"github.com/holdinvoice/hold/statemachine"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var runCommand = &cli.Command{
	Name:   "run",
	Action: runAction,
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}

	if err := initLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.WithCaller); err != nil {
		return err
	}

	return run(context.Background(), cfg)
}

func run(ctx context.Context, cfg *Config) error {
	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.Ping(ctx); err != nil {
		return err
	}

	bus := eventbus.New()
	clk := clock.NewDefaultClock()
	machine := statemachine.New(repo, bus, clk, log)
	s := settler.New(repo, machine, log)
	height := handler.NewHeightTracker(0)

	eng := handler.New(repo, machine, s, bus, height, handler.Config{
		MppTimeout:        cfg.mppTimeout(),
		CltvSafetyBlocks:  cfg.CltvSafetyBlocks,
		OverpaymentFactor: cfg.OverpaymentFactor,
		Clock:             clk,
		Logger:            log,
	})
	_ = eng // no service in this tree calls HandleHtlc; see server.go

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Infof("Press ctrl-c to exit")

		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-sigint:
			return errors.New("user requested termination")
		case <-ctx.Done():
			return nil
		}
	})

	instServer := newInstrumentationServer(cfg.InstrumentationAddress)
	group.Go(func() error {
		log.Infow("instrumentation server starting", "address", instServer.Addr)

		return instServer.ListenAndServe()
	})
	group.Go(func() error {
		<-ctx.Done()
		log.Infow("instrumentation server stopping")

		return instServer.Close()
	})

	grpcServer := newGrpcServer(cfg)
	lis, err := net.Listen("tcp", cfg.GrpcAddress)
	if err != nil {
		return err
	}
	group.Go(func() error {
		log.Infow("grpc server starting", "address", cfg.GrpcAddress)

		return grpcServer.Serve(lis)
	})
	group.Go(func() error {
		<-ctx.Done()
		log.Infow("grpc server stopping")
		grpcServer.Stop()

		return nil
	})

	group.Go(func() error {
		runGcLoop(ctx, cfg, repo)

		return nil
	})

	return group.Wait()
}
