package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ruteri/gpu-cc-key-manager/attestation"
	"github.com/ruteri/gpu-cc-key-manager/cmd/flags"
	"github.com/ruteri/gpu-cc-key-manager/engine"
	"github.com/ruteri/gpu-cc-key-manager/httpserver"
	"github.com/ruteri/gpu-cc-key-manager/interfaces"
	"github.com/ruteri/gpu-cc-key-manager/session"
	"github.com/ruteri/gpu-cc-key-manager/variant"
)

var cliFlags = append([]cli.Flag{
	flags.ListenAddrFlag,
	flags.VariantBitsFlag,
	flags.EnableCCFlag,
	flags.EnableDevtoolsFlag,
	flags.EnableMultiGpuFlag,
	flags.AnchorDelayFlag,
	flags.HandshakeTimeoutFlag,
	flags.RotationScheduleFlag,
	flags.RotationMaxAgeFlag,
	&cli.StringFlag{
		Name:  "attestation-provider",
		Value: "dummy",
		Usage: "attestation evidence provider: 'dummy', 'dcap' or a remote provider URL",
	},
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "ccmanager",
		Usage: "Run the GPU confidential-compute key manager",
		Flags: cliFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			v := variant.Resolve(uint64(cCtx.Uint(flags.VariantBitsFlag.Name)))
			logger.Info("Resolved device variant", "variant", v.String())

			var provider attestation.Provider
			switch providerSpec := cCtx.String("attestation-provider"); providerSpec {
			case "dummy":
				provider = attestation.DummyProvider{}
			case "dcap":
				provider = attestation.DCAPProvider{}
			default:
				provider = &attestation.RemoteProvider{Address: providerSpec}
			}

			anchor := &session.LoopbackAnchor{
				Delay: cCtx.Duration(flags.AnchorDelayFlag.Name),
			}
			// Real quote providers get their evidence checked by the anchor.
			if provider.Type() == "qemu-tdx" {
				anchor.VerifyEvidence = session.DCAPEvidenceVerifier()
			}

			zapLog := zap.NewNop()
			if cCtx.Bool(flags.LogDebugFlag.Name) {
				if l, err := zap.NewDevelopment(); err == nil {
					zapLog = l
				}
			}
			defer func() { _ = zapLog.Sync() }()

			eng := engine.New(engine.Config{
				Flags: interfaces.FlagsConfig{
					EnableCC:       cCtx.Bool(flags.EnableCCFlag.Name),
					EnableDevtools: cCtx.Bool(flags.EnableDevtoolsFlag.Name),
					EnableMultiGpu: cCtx.Bool(flags.EnableMultiGpuFlag.Name),
				},
				Transport:        anchor,
				Provider:         provider,
				HandshakeTimeout: cCtx.Duration(flags.HandshakeTimeoutFlag.Name),
				RotationSchedule: cCtx.String(flags.RotationScheduleFlag.Name),
				RotationMaxAge:   cCtx.Duration(flags.RotationMaxAgeFlag.Name),
				Log:              logger,
				SchedulerLog:     zapLog,
			})

			driver := engine.NewDriver(eng, nil)
			if err := driver.Construct(v); err != nil {
				logger.Error("Engine construction failed", "err", err)
				return err
			}

			ctx := context.Background()
			if err := driver.Bringup(ctx, 0); err != nil {
				logger.Error("Engine bring-up failed", "err", err, "phase", driver.Phase().String())
				return fmt.Errorf("engine bring-up: %w", err)
			}
			logger.Info("Engine active", "phase", driver.Phase().String())

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name))
			server, err := httpserver.New(cfg, httpserver.NewHandler(eng, driver, logger))
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			if err := driver.Teardown(ctx, 0); err != nil {
				logger.Error("Engine teardown reported errors", "err", err)
			}
			logger.Info("Shutdown complete", "phase", driver.Phase().String())

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
