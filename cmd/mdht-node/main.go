// Command mdht-node runs a single Mainline DHT participant bound to every
// stable IPv6 address the host's interfaces currently carry.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	mdht "github.com/brineport/mdht"
	"github.com/brineport/mdht/internal/kademlia"
	"github.com/brineport/mdht/internal/metrics"
)

var log = logging.Logger("cmd")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		nodeID    string
		bindPort  int
		seeds     []string
		debugAddr string
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "mdht-node",
		Short: "Run a Mainline DHT node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.SetLogLevel("*", logLevel); err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}

			self, err := resolveSelfID(nodeID)
			if err != nil {
				return err
			}

			seedAddrs, err := resolveSeeds(seeds)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			if debugAddr != "" {
				go serveDebug(debugAddr, reg)
			}

			d := mdht.New(mdht.Config{
				SelfID:  self,
				Port:    bindPort,
				Seeds:   seedAddrs,
				Metrics: m,
			})

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Infof("mdht-node: starting, id=%s port=%d", self, bindPort)
			err = d.Run(ctx)
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&nodeID, "node-id", "", "40-char hex node id (random if empty)")
	flags.IntVar(&bindPort, "bind-port", 6881, "UDP port to bind on every stable address")
	flags.StringSliceVar(&seeds, "seeds", nil, "bootstrap seed addresses, host:port")
	flags.StringVar(&debugAddr, "debug-addr", "", "optional address to serve /metrics on, e.g. 127.0.0.1:9100")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	return cmd
}

func resolveSelfID(raw string) (kademlia.Id, error) {
	if raw == "" {
		return kademlia.Random(), nil
	}
	return kademlia.ParseId(raw)
}

func resolveSeeds(raw []string) ([]*net.UDPAddr, error) {
	out := make([]*net.UDPAddr, 0, len(raw))
	for _, s := range raw {
		addr, err := net.ResolveUDPAddr("udp6", s)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", s, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func serveDebug(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Infof("mdht-node: debug listener on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("mdht-node: debug listener failed: %v", err)
	}
}
