// Command nanoipd is the reference runtime: it wires together the stack's
// allocator, route table, interface manager, and socket manager behind a
// single loopback driver, exposes Prometheus metrics, and idles until
// interrupted. It exists to give the library a runnable home and a
// friendly operator console — production deployments embed the internal
// packages directly against a real NIC driver.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nanoip/nanoip/internal/config"
	"github.com/nanoip/nanoip/internal/drivertest"
	"github.com/nanoip/nanoip/internal/ethernet"
	"github.com/nanoip/nanoip/internal/iface"
	"github.com/nanoip/nanoip/internal/netaddr"
	"github.com/nanoip/nanoip/internal/oal"
	"github.com/nanoip/nanoip/internal/packet"
	"github.com/nanoip/nanoip/internal/route"
	"github.com/nanoip/nanoip/internal/socket"
)

var (
	configPath    = flag.String("config", "", "path to a JSON config file overriding the built-in defaults")
	ifaceName     = flag.String("iface", "lo0", "name of the (loopback) interface to bring up")
	ifaceMAC      = flag.String("mac", "02:00:00:00:00:01", "MAC address of the interface to bring up")
	ifaceIP       = flag.String("ip", "10.0.0.1", "IPv4 address of the interface to bring up")
	ifaceMask     = flag.String("netmask", "255.255.255.0", "netmask of the interface to bring up")
	verbose       = flag.Bool("verbose", false, "enable debug-level logging")
	metricsEnable = flag.Bool("metrics-enable", false, "enable the prometheus /metrics endpoint")
	metricsAddr   = flag.String("metrics-addr", ":8080", "address to listen on for prometheus metrics")

	smallBufSize  = flag.Int("small-buf-size", 256, "size in bytes of each small allocator buffer")
	smallBufCount = flag.Int("small-buf-count", 64, "number of small allocator buffers")
	bigBufSize    = flag.Int("big-buf-size", 1600, "size in bytes of each big allocator buffer")
	bigBufCount   = flag.Int("big-buf-count", 16, "number of big allocator buffers")
	rxRingSize    = flag.Int("rx-ring-size", 16, "number of Rx buffers primed on the interface")

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func parseMAC(s string) (ethernet.Addr, error) {
	var a ethernet.Addr
	if _, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&a[0], &a[1], &a[2], &a[3], &a[4], &a[5]); err != nil {
		return a, fmt.Errorf("invalid MAC address %q: %w", s, err)
	}
	return a, nil
}

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(log)

	log.Info("nanoipd starting", "version", version, "commit", commit, "date", date)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	mac, err := parseMAC(*ifaceMAC)
	if err != nil {
		log.Error("invalid --mac", "error", err)
		os.Exit(1)
	}
	ip, err := netaddr.ParseIPv4(*ifaceIP)
	if err != nil {
		log.Error("invalid --ip", "error", err)
		os.Exit(1)
	}
	netmask, err := netaddr.ParseIPv4(*ifaceMask)
	if err != nil {
		log.Error("invalid --netmask", "error", err)
		os.Exit(1)
	}

	if *metricsEnable {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info("prometheus metrics server starting", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error("prometheus metrics server exited", "error", err)
			}
		}()
	}

	alloc := packet.NewPoolAllocator(*smallBufSize, *smallBufCount, *bigBufSize, *bigBufCount)
	clock := oal.SystemClock{}
	mu := oal.NewMutex()
	routes := route.NewTable(cfg.MaxRoutes)

	mgr := iface.NewManager(log, cfg, alloc, clock, routes)
	drv := drivertest.New(alloc)
	ifc, st := mgr.AddInterface(iface.AddInterfaceParams{
		Name:          *ifaceName,
		MAC:           mac,
		Driver:        drv,
		IPv4:          ip,
		Netmask:       netmask,
		RxPacketCount: *rxRingSize,
		RxPacketSize:  *bigBufSize,
	})
	if !st.Ok() {
		log.Error("failed to add interface", "iface", *ifaceName, "status", st)
		os.Exit(1)
	}
	log.Info("interface up", "iface", ifc.Name(), "mac", *ifaceMAC, "ip", ip, "netmask", netmask)

	// The socket manager is constructed here so an embedder can reach it
	// (e.g. via a future control surface); this reference build doesn't
	// open any sockets of its own.
	sockMgr := socket.NewManager(cfg, alloc, mu)
	log.Info("socket manager ready", "max_sockets", cfg.MaxSockets)
	_ = sockMgr

	ifc.Start(mu)

	tok := mu.NewToken()
	if ch := cfg.Changed(); ch != nil {
		go func() {
			for range ch {
				log.Info("config changed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("nanoipd shutting down")
	mu.Lock(tok)
	ifc.Stop()
	mu.Unlock(tok)
}
