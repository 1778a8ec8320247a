// Command nvmfrdmatgt runs a standalone NVMe-over-Fabrics RDMA
// transport: it discovers RDMA-capable NICs, listens for incoming
// queue-pair connections, and polls every established connection's
// data path in a tight loop.
//
// Configuration sources, in order of precedence: CLI flags, NVMF_*
// environment variables, a YAML config file, then built-in defaults.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	nvmf "github.com/npeterson-io/nvmf-rdma"
	"github.com/npeterson-io/nvmf-rdma/internal/logging"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:     "nvmfrdmatgt",
		Short:   "NVMe-over-Fabrics RDMA transport target",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "0.0.0.0:4420", "address to listen for incoming NVMe-oF RDMA connections")
	flags.String("metrics-listen", "127.0.0.1:9100", "address to serve Prometheus metrics on")
	flags.Uint32("max-queue-depth", nvmf.DefaultMaxQueueDepth, "maximum outstanding capsules per queue pair")
	flags.Uint32("max-rw-depth", nvmf.DefaultMaxRWDepth, "maximum concurrent RDMA Read/Write work requests per queue pair")
	flags.Uint32("in-capsule-data-size", nvmf.DefaultInCapsuleDataSize, "bytes of in-capsule data colocated with each command capsule")
	flags.Uint32("max-io-size", nvmf.DefaultMaxIOSize, "maximum payload size for a single command, in bytes")
	flags.Bool("debug", false, "enable debug logging")
	flags.String("config", "", "path to a YAML configuration file")

	v.BindPFlags(flags)
	v.SetEnvPrefix("nvmf")
	v.AutomaticEnv()

	cobra.OnInitialize(func() {
		if cfgFile := v.GetString("config"); cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				fmt.Fprintf(os.Stderr, "nvmfrdmatgt: %v\n", err)
				os.Exit(1)
			}
		}
	})

	return cmd
}

func run(v *viper.Viper) error {
	level := logging.LevelInfo
	if v.GetBool("debug") {
		level = logging.LevelDebug
	}
	logger := logging.NewLogger(&logging.Config{Level: level})
	logging.SetDefault(logger)

	reg := prometheus.NewRegistry()
	metrics := nvmf.NewMetrics(reg)

	metricsAddr := v.GetString("metrics-listen")
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server: %v", err)
		}
	}()

	transport, devicesFound, err := nvmf.TransportInit(nvmf.TransportConfig{
		MaxQueueDepth:     v.GetUint32("max-queue-depth"),
		MaxRWDepth:        v.GetUint32("max-rw-depth"),
		InCapsuleDataSize: v.GetUint32("in-capsule-data-size"),
		MaxIOSize:         v.GetUint32("max-io-size"),
		SQHeadMax:         uint16(v.GetUint32("max-queue-depth")),
		Observer:          metrics,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("transport init: %w", err)
	}
	logger.Printf("discovered %d RDMA device(s)", devicesFound)

	resolver := newDefaultSessionResolver(transport)

	listenAddr := v.GetString("listen")
	if err := transport.AcceptorInit(listenAddr, resolver); err != nil {
		return fmt.Errorf("acceptor init: %w", err)
	}
	logger.Printf("listening on %s", listenAddr)

	done, stop := notifyStop(os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			logger.Printf("shutting down")
			metricsSrv.Close()
			return transport.Fini()
		case <-ticker.C:
			if err := transport.AcceptorPoll(); err != nil {
				logger.Printf("acceptor poll: %v", err)
			}
			resolver.pollEstablished()
		}
	}
}

// notifyStop returns a channel that closes once one of sigs is
// received, and a function to stop listening for them.
func notifyStop(sigs ...os.Signal) (<-chan struct{}, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	done := make(chan struct{})
	go func() {
		<-ch
		close(done)
	}()
	return done, func() { signal.Stop(ch) }
}
