package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/gpu-cc-key-manager/common"
	"github.com/ruteri/gpu-cc-key-manager/httpserver"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for the key-manager API",
}

var VariantBitsFlag = &cli.UintFlag{
	Name:  "variant-bits",
	Value: 0x18,
	Usage: "raw capability register bits selecting silicon family and privilege role",
}

var EnableCCFlag = &cli.BoolFlag{
	Name:  "enable-cc",
	Value: true,
	Usage: "enable the confidential-compute feature on capable silicon",
}

var EnableDevtoolsFlag = &cli.BoolFlag{
	Name:  "enable-devtools",
	Value: false,
	Usage: "enable devtools mode alongside confidential compute",
}

var EnableMultiGpuFlag = &cli.BoolFlag{
	Name:  "enable-multi-gpu",
	Value: false,
	Usage: "enable multi-GPU protected-PCIe mode",
}

var AnchorDelayFlag = &cli.DurationFlag{
	Name:  "anchor-delay",
	Value: 0,
	Usage: "artificial delay on the loopback trust anchor, for handshake testing",
}

var HandshakeTimeoutFlag = &cli.DurationFlag{
	Name:  "handshake-timeout",
	Value: 10 * time.Second,
	Usage: "upper bound on the attestation session handshake",
}

var RotationScheduleFlag = &cli.StringFlag{
	Name:  "rotation-schedule",
	Value: "@every 1m",
	Usage: "cron spec for the periodic key-rotation evaluation",
}

var RotationMaxAgeFlag = &cli.DurationFlag{
	Name:  "rotation-max-age",
	Value: 12 * time.Hour,
	Usage: "key generation age after which the periodic evaluation rotates it",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
