package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drpcorg/sharedtree"
	"github.com/drpcorg/sharedtree/network"
	"github.com/drpcorg/sharedtree/protocol"
	"github.com/drpcorg/sharedtree/sequencer"
	"github.com/drpcorg/sharedtree/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (a *app) serveCmd() *cobra.Command {
	var listen []string
	var metrics string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a sequencer for remote replicas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(listen) == 0 {
				listen = a.cfg.Network.Listen
			}
			if len(listen) == 0 {
				return errors.New("nothing to listen on, pass --listen")
			}
			if metrics == "" {
				metrics = a.cfg.Network.Metrics
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, listen, metrics, func(addrs []string) {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sequencer listening on %v\n", addrs)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&listen, "listen", "l", nil, "addresses to listen on, tcp:// tls:// ws:// or wss://")
	cmd.Flags().StringVar(&metrics, "metrics", "", "address to serve prometheus metrics on")
	return cmd
}

// Server is a running sequencer with its transport.
type Server struct {
	Service *sequencer.Service
	Net     *network.Net
}

func NewServer(log utils.Logger, opts network.Options) *Server {
	svc := sequencer.New(sequencer.Options{Logger: log})
	return &Server{
		Service: svc,
		Net: network.New(opts, func(name string) protocol.FeedDrainCloser {
			return svc.Session(name)
		}, func(name string, err error) {
			log.Info("replica gone", "name", name, "err", err)
		}),
	}
}

// serve runs until ctx is done; ready gets the bound addresses.
func (a *app) serve(ctx context.Context, listen []string, metrics string, ready func(addrs []string)) error {
	log := a.cfg.Logger()
	srv := NewServer(log, a.cfg.NetOptions(log))
	var bound []string
	for _, addr := range listen {
		if err := srv.Net.Listen(addr); err != nil {
			_ = srv.Net.Close()
			return errors.Wrapf(err, "listen %s", addr)
		}
		bound = append(bound, srv.Net.ListenAddr(addr).String())
	}

	g, gctx := errgroup.WithContext(ctx)
	if metrics != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(sharedtree.Collectors()...)
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sharedtree",
			Subsystem: "sequencer",
			Name:      "position",
			Help:      "Edits ordered so far",
		}, func() float64 { return float64(srv.Service.Position()) }))
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sharedtree",
			Subsystem: "sequencer",
			Name:      "peers",
			Help:      "Connected replicas",
		}, func() float64 { return float64(len(srv.Net.Peers())) }))
		hs := &http.Server{
			Addr:              metrics,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return hs.Close()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return srv.Net.Close()
	})
	if ready != nil {
		ready(bound)
	}
	log.Info("serving", "listen", bound, "metrics", metrics)
	return g.Wait()
}
