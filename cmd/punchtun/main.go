// Command punchtun establishes a direct UDP path between two peers behind
// NAT by running the punching state machine against real sockets and
// handing the winning one off once a lane is selected.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/juanrs/punchtun/internal/conncode"
	"github.com/juanrs/punchtun/internal/config"
	"github.com/juanrs/punchtun/internal/hostrunner"
	"github.com/juanrs/punchtun/internal/puncher"
	"github.com/juanrs/punchtun/internal/role"
	"github.com/juanrs/punchtun/internal/socketbind"
	"github.com/juanrs/punchtun/internal/transport"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var (
	// set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "connect":
		err = runConnect(os.Args[2:])
	case "listen":
		err = runListen(os.Args[2:])
	case "version":
		fmt.Printf("punchtun version=%s commit=%s date=%s\n", version, commit, date)
		return
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "punchtun: "+err.Error())
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: punchtun <connect|listen|version> [flags]")
}

func runConnect(args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	cfg := config.Connect{}
	fs.StringVar(&cfg.MyAddress, "address", "", "this peer's public IPv4/IPv6 address (required)")
	fs.Uint16Var(&cfg.Port, "port", 0, "desired starting local port (0 = OS-chosen)")
	fs.StringVar(&cfg.Code, "code", "", "the peer's connection code (required)")
	fs.Uint16VarP(&cfg.LaneCount, "lanes", "l", config.DefaultLaneCount, "number of parallel port lanes to attempt")
	fs.DurationVar(&cfg.TickPeriod, "tick-period", config.DefaultTickPeriod, "interval between resend ticks")
	fs.DurationVar(&cfg.Timeout, "timeout", config.DefaultTimeout, "give up if no lane selects within this long")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "enable debug logging")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", config.DefaultMetricsAddr, "prometheus metrics listen address, empty to disable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		fs.Usage()
		return err
	}

	log := newLogger(cfg.Verbose)

	myAddr, err := parseIP(cfg.MyAddress)
	if err != nil {
		return fmt.Errorf("--address: %w", err)
	}
	peerCode, err := conncode.DecodeFromString(cfg.Code)
	if err != nil {
		return fmt.Errorf("--code: %w", err)
	}

	return runPunch(punchParams{
		log:         log,
		myAddr:      myAddr,
		myPort:      cfg.Port,
		peer:        peerCode,
		laneCount:   cfg.LaneCount,
		tickPeriod:  cfg.TickPeriod,
		timeout:     cfg.Timeout,
		metricsAddr: cfg.MetricsAddr,
	})
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	cfg := config.Listen{}
	fs.StringVar(&cfg.MyAddress, "address", "", "this peer's public IPv4/IPv6 address (required)")
	fs.Uint16Var(&cfg.Port, "port", 0, "desired starting local port (0 = OS-chosen)")
	fs.Uint16VarP(&cfg.LaneCount, "lanes", "l", config.DefaultLaneCount, "number of parallel port lanes to attempt")
	fs.DurationVar(&cfg.TickPeriod, "tick-period", config.DefaultTickPeriod, "interval between resend ticks")
	fs.DurationVar(&cfg.Timeout, "timeout", config.DefaultTimeout, "give up if no lane selects within this long")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "enable debug logging")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", config.DefaultMetricsAddr, "prometheus metrics listen address, empty to disable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		fs.Usage()
		return err
	}

	log := newLogger(cfg.Verbose)

	myAddr, err := parseIP(cfg.MyAddress)
	if err != nil {
		return fmt.Errorf("--address: %w", err)
	}

	// Bind early so the code we print carries the port range we actually
	// got, not just the one we asked for.
	conns, err := socketbind.Bind(myAddr, cfg.Port, cfg.LaneCount)
	if err != nil {
		return fmt.Errorf("binding sockets: %w", err)
	}

	myCode := conncode.Code{
		Address:   myAddr,
		PortStart: uint16(conns[0].LocalAddr().(*net.UDPAddr).Port),
		LaneCount: cfg.LaneCount,
		Timestamp: uint64(time.Now().Unix()),
	}
	encoded, err := myCode.EncodeToString()
	if err != nil {
		closeAll(conns)
		return fmt.Errorf("encoding connection code: %w", err)
	}

	fmt.Println("your connection code (send this to your peer):")
	fmt.Println(encoded)
	fmt.Print("paste the peer's connection code and press enter: ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		closeAll(conns)
		return fmt.Errorf("reading peer code: %w", err)
	}
	peerCode, err := conncode.DecodeFromString(strings.TrimSpace(line))
	if err != nil {
		closeAll(conns)
		return fmt.Errorf("decoding peer code: %w", err)
	}

	return runPunchWithConns(punchParams{
		log:         log,
		myAddr:      myAddr,
		myPort:      myCode.PortStart,
		peer:        peerCode,
		laneCount:   cfg.LaneCount,
		tickPeriod:  cfg.TickPeriod,
		timeout:     cfg.Timeout,
		metricsAddr: cfg.MetricsAddr,
	}, conns)
}

type punchParams struct {
	log         *slog.Logger
	myAddr      net.IP
	myPort      uint16
	peer        conncode.Code
	laneCount   uint16
	tickPeriod  time.Duration
	timeout     time.Duration
	metricsAddr string
}

func runPunch(p punchParams) error {
	conns, err := socketbind.Bind(p.myAddr, p.myPort, p.laneCount)
	if err != nil {
		return fmt.Errorf("binding sockets: %w", err)
	}
	p.myPort = uint16(conns[0].LocalAddr().(*net.UDPAddr).Port)
	return runPunchWithConns(p, conns)
}

func runPunchWithConns(p punchParams, conns []*net.UDPConn) error {
	defer closeAll(conns)

	if age := time.Since(time.Unix(int64(p.peer.Timestamp), 0)); age > 10*time.Minute {
		fmt.Fprintf(os.Stderr, "punchtun: warning: the peer's connection code was created %s ago\n", age.Round(time.Second))
	}

	if p.laneCount != p.peer.LaneCount {
		p.log.Warn("lane counts differ between peers", "mine", p.laneCount, "theirs", p.peer.LaneCount)
		if p.peer.LaneCount < p.laneCount {
			closeAll(conns[p.peer.LaneCount:])
			conns = conns[:p.peer.LaneCount]
			p.laneCount = p.peer.LaneCount
		}
	}

	isServer, err := role.Resolve(p.myAddr, p.peer.Address)
	if err != nil {
		return fmt.Errorf("resolving role: %w", err)
	}
	p.log.Info("role resolved", "isServer", isServer, "myAddress", p.myAddr, "peerAddress", p.peer.Address)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if p.metricsAddr != "" {
		go serveMetrics(ctx, p.log, p.metricsAddr)
	}

	now := clockwork.NewRealClock().Now()
	engine := puncher.New(puncher.Config{
		IsServer:        isServer,
		MyAddress:       p.myAddr,
		MyPortStart:     p.myPort,
		RemoteAddress:   p.peer.Address,
		RemotePortStart: p.peer.PortStart,
		LaneCount:       p.laneCount,
		TickPeriod:      p.tickPeriod,
		Timeout:         p.timeout,
		Now:             now,
	})

	runner, err := hostrunner.NewRunner(hostrunner.Config{
		Engine:        engine,
		Conns:         conns,
		RemoteAddress: p.peer.Address,
		Clock:         clockwork.NewRealClock(),
		Log:           p.log,
		Handoff:       transport.LoggingHandoff{Log: p.log},
	})
	if err != nil {
		return err
	}

	return runner.Run(ctx)
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics server listening", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", "error", err)
	}
}

func parseIP(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("%q is not a valid IP address", s)
	}
	return ip, nil
}

func closeAll(conns []*net.UDPConn) {
	for _, c := range conns {
		c.Close()
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	}))
}
