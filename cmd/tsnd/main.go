// tsnd runs the TSN burst pipeline against an XDMA device
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsnlab/libtsn/internal/buffer"
	"github.com/tsnlab/libtsn/internal/clock"
	"github.com/tsnlab/libtsn/internal/device"
	"github.com/tsnlab/libtsn/internal/pipeline"
	"github.com/tsnlab/libtsn/internal/tsn"
)

type options struct {
	rxDev       string
	txDev       string
	barPath     string
	barSize     int
	mode        string
	mac         string
	metricsAddr string
	txTimestamp bool
	debug       bool
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:          "tsnd",
		Short:        "TSN egress scheduler and burst pipeline daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	f := root.Flags()
	f.StringVar(&opts.rxDev, "rx-dev", "/dev/xdma0_c2h_0", "card-to-host DMA character device")
	f.StringVar(&opts.txDev, "tx-dev", "/dev/xdma0_h2c_0", "host-to-card DMA character device")
	f.StringVar(&opts.barPath, "bar", "", "BAR0 resource file of the device")
	f.IntVar(&opts.barSize, "bar-size", 0x10000, "size of the BAR0 mapping")
	f.StringVar(&opts.mode, "mode", "tsn", "run mode: tsn or normal")
	f.StringVar(&opts.mac, "mac", "02:00:00:00:00:01", "MAC address the pipeline answers as")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "listen address for prometheus metrics, empty to disable")
	f.BoolVar(&opts.txTimestamp, "tx-timestamp", false, "reserve hardware TX timestamps")
	f.BoolVar(&opts.debug, "debug", false, "verbose logging")
	_ = root.MarkFlagRequired("bar")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts *options) error {
	log, err := newLogger(opts.debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var mode pipeline.Mode
	switch opts.mode {
	case "tsn":
		mode = pipeline.ModeTSN
	case "normal":
		mode = pipeline.ModeNormal
	default:
		return fmt.Errorf("unknown mode %q", opts.mode)
	}

	hwAddr, err := net.ParseMAC(opts.mac)
	if err != nil || len(hwAddr) != 6 {
		return fmt.Errorf("invalid mac %q", opts.mac)
	}
	var mac [6]byte
	copy(mac[:], hwAddr)

	regs, closeBar, err := device.OpenBAR0(opts.barPath, opts.barSize)
	if err != nil {
		return err
	}
	defer func() { _ = closeBar() }()
	dev := device.New(regs)

	rxFD, err := device.OpenChar(opts.rxDev)
	if err != nil {
		return err
	}
	defer func() { _ = device.CloseChar(rxFD) }()
	txFD, err := device.OpenChar(opts.txDev)
	if err != nil {
		return err
	}
	defer func() { _ = device.CloseChar(txFD) }()

	pool, err := buffer.NewPool()
	if err != nil {
		return err
	}
	defer func() { _ = pool.Release() }()

	clk := clock.New(dev, log)
	cfg := tsn.NewConfig(clk, dev, log)
	cfg.SetTxTimestamping(opts.txTimestamp)

	rt := pipeline.NewRuntime(pipeline.Options{
		Log:  log,
		Dev:  dev,
		DMA:  &device.CharDMA{RxFD: rxFD, TxFD: txFD},
		Clk:  clk,
		Pool: pool,
		Cfg:  cfg,
		Mode: mode,
		MAC:  mac,
	})

	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(pipeline.NewCollector(&rt.RxStats, &rt.TxStats, cfg))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(opts.metricsAddr, mux); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	rt.Start()
	log.Info("pipeline running",
		zap.String("mode", opts.mode),
		zap.String("rx", opts.rxDev),
		zap.String("tx", opts.txDev))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	rt.Stop()
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
