// Command hioload-tuner receives a UDP stream into a tuner channel and
// drains it with the blocking multi-buffer read, exporting pool and channel
// metrics over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tuner/api"
	"github.com/momentics/hioload-tuner/control"
	"github.com/momentics/hioload-tuner/facade"
	"github.com/momentics/hioload-tuner/transport/udp"
)

type cliSettings struct {
	configPath   string
	listenAddr   string
	metricsAddr  string
	channel      uint32
	buffers      int
	timeout      time.Duration
	markInterval time.Duration
	cpu          int
}

var settings cliSettings

func init() {
	pflag.CommandLine.SortFlags = false
	pflag.StringVarP(&settings.configPath, "config", "c", "", "YAML configuration file. Empty uses built-in defaults")
	pflag.StringVarP(&settings.listenAddr, "listen", "l", "127.0.0.1:5500", "UDP address the stream is received on")
	pflag.StringVar(&settings.metricsAddr, "metrics", "127.0.0.1:9105", "HTTP address for /metrics. Empty disables it")
	pflag.Uint32Var(&settings.channel, "channel", 0, "Tuner channel id to bind. 0 picks the lowest free id")
	pflag.IntVarP(&settings.buffers, "buffers", "b", 7, "Buffers per read call")
	pflag.DurationVarP(&settings.timeout, "timeout", "t", time.Second, "Read timeout. Negative waits forever")
	pflag.DurationVar(&settings.markInterval, "mark-interval", 0, "Inject an out-of-band marker at this interval. 0 disables")
	pflag.IntVar(&settings.cpu, "cpu", -1, "Pin the UDP receive loop to this CPU. -1 leaves it unpinned")
}

func main() {
	pflag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hioload-tuner: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (control.Config, error) {
	if settings.configPath == "" {
		return control.DefaultConfig(), nil
	}
	return control.LoadFile(settings.configPath)
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dp, err := facade.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := dp.Shutdown(); err != nil {
			log.L.WithError(err).Error("shutdown")
		}
	}()

	id, err := dp.Tuners().Bind(api.ChannelID(settings.channel))
	if err != nil {
		return err
	}
	conn, err := net.ListenPacket("udp", settings.listenAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	recv, err := dp.NewReceiver(conn, id, udp.WithCPU(settings.cpu))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("channel", id))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return recv.Run(ctx) })
	g.Go(func() error { return readLoop(ctx, dp, id) })
	g.Go(func() error { return reloadLoop(ctx, dp) })
	if settings.markInterval > 0 {
		g.Go(func() error { return markLoop(ctx, recv.Mark) })
	}
	if settings.metricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, dp) })
	}

	log.G(ctx).WithField("addr", recv.Addr().String()).Info("receiving")
	return g.Wait()
}

func readLoop(ctx context.Context, dp *facade.Dataplane, id api.ChannelID) error {
	bufs := api.NewIoBuffers(settings.buffers, dp.Tuners().DatagramSize())
	var total uint64
	for {
		n, err := dp.Tuners().Read(ctx, id, bufs, settings.timeout)
		total += uint64(n)
		switch api.StatusOf(err) {
		case api.StatusOK:
			for i := range bufs {
				if bufs[i].Flags.Has(api.FlagOutOfBand) {
					log.G(ctx).WithField("bytes_total", total).Debug("marker")
				}
			}
		case api.StatusInterrupted:
			log.G(ctx).WithField("bytes_total", total).Info("reader stopped")
			return nil
		default:
			return err
		}
	}
}

func markLoop(ctx context.Context, mark func() error) error {
	t := time.NewTicker(settings.markInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := mark(); err != nil {
				return err
			}
		}
	}
}

// reloadLoop re-reads the config file on SIGHUP.
func reloadLoop(ctx context.Context, dp *facade.Dataplane) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, unix.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			cfg, err := loadConfig()
			if err == nil {
				err = dp.Reconfigure(cfg)
			}
			if err != nil {
				log.G(ctx).WithError(err).Warn("reload rejected")
			}
		}
	}
}

func serveMetrics(ctx context.Context, dp *facade.Dataplane) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(dp.Collector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              settings.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
