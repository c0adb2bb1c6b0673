package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"meshctl/internal/codec"
	"meshctl/internal/config"
	"meshctl/internal/execx"
	"meshctl/internal/helper"
	"meshctl/internal/helpersim"
	"meshctl/internal/metrics"
	"meshctl/internal/model"
	"meshctl/internal/poller"
	"meshctl/internal/store"
	"meshctl/internal/stunutil"
	"meshctl/internal/supervisor"
)

const version = "0.4.0"

const usage = `meshctl - mesh tunnel control plane

Usage:
  meshctl up --config <path> [--wait]
  meshctl down --config <path> [--wait]
  meshctl restart --config <path>
  meshctl status --config <path>
  meshctl watch --config <path> [--record]
  meshctl events --config <path> [--follow]
  meshctl stats --config <path> [--window 5m]
  meshctl export csv --config <path> --out <file>
  meshctl version --config <path>
  meshctl doctor --config <path>
  meshctl helper-sim [--socket <path>]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "up":
		handleUp(os.Args[2:])
	case "down":
		handleDown(os.Args[2:])
	case "restart":
		handleRestart(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	case "watch":
		handleWatch(os.Args[2:])
	case "events":
		handleEvents(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "export":
		handleExport(os.Args[2:])
	case "version":
		handleVersion(os.Args[2:])
	case "doctor":
		handleDoctor(os.Args[2:])
	case "helper-sim":
		handleHelperSim(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	wait := fs.Bool("wait", false, "wait for the connected transition")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, stop, err := connectHelper(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer stop()

	if _, err := helper.CheckVersion(ctx, client); err != nil {
		fatal(err)
	}

	sup := supervisor.New(client, cfg)
	sup.Load(ctx)
	go sup.Run(ctx, client.RunningInfoUpdates())

	if err := sup.Start(ctx, cfg.Network); err != nil {
		fatal(err)
	}
	fmt.Fprintln(os.Stdout, "start issued, status: connecting")

	if *wait {
		waitForStatus(ctx, sup, model.StatusConnected)
	}
}

func handleDown(args []string) {
	fs := flag.NewFlagSet("down", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	wait := fs.Bool("wait", false, "wait for the disconnected transition")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)

	ctx, cancel := signalContext()
	defer cancel()

	client, stop, err := connectHelper(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer stop()

	sup := supervisor.New(client, cfg)
	sup.Load(ctx)
	go sup.Run(ctx, client.RunningInfoUpdates())

	if sup.Status() == model.StatusDisconnected {
		fmt.Fprintln(os.Stdout, "already disconnected")
		return
	}
	if err := sup.Stop(ctx); err != nil {
		fatal(err)
	}
	fmt.Fprintln(os.Stdout, "stop issued, status: disconnecting")

	if *wait {
		waitForStatus(ctx, sup, model.StatusDisconnected)
	}
}

func handleRestart(args []string) {
	fs := flag.NewFlagSet("restart", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, stop, err := connectHelper(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer stop()

	sup := supervisor.New(client, cfg)
	sup.Load(ctx)
	go sup.Run(ctx, client.RunningInfoUpdates())

	if err := sup.Restart(ctx, cfg.Network); err != nil {
		fatal(err)
	}
	fmt.Fprintln(os.Stdout, "restart issued")
	waitForStatus(ctx, sup, model.StatusConnected)
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)

	ctx, cancel := signalContext()
	defer cancel()

	client, stop, err := connectHelper(ctx, cfg)
	if err != nil {
		printCachedStatus(cfg, err)
		return
	}
	defer stop()

	pid, err := client.GetCoreStatus(ctx)
	if err != nil {
		fatal(err)
	}
	if pid == 0 {
		fmt.Fprintln(os.Stdout, "status: disconnected")
		return
	}

	fmt.Fprintf(os.Stdout, "status: connected (core pid %d)\n", pid)
	if at, err := client.GetCoreStartTime(ctx); err == nil && !at.IsZero() {
		fmt.Fprintf(os.Stdout, "uptime: %s\n", time.Since(at).Round(time.Second))
	}

	raw, err := client.GetRunningInfo(ctx)
	if err != nil {
		if errors.Is(err, helper.ErrCoreNotRunning) {
			return
		}
		fatal(err)
	}
	snap, err := codec.DecodeRunningInfo(raw)
	if err != nil {
		fatal(err)
	}
	printSnapshot(snap)
}

// printCachedStatus falls back to the persisted last-known state when the
// helper is not reachable. The cache is clearly labelled as such.
func printCachedStatus(cfg config.Config, cause error) {
	fmt.Fprintf(os.Stderr, "helper unreachable: %v\n", cause)
	if cfg.StatePath == "" {
		os.Exit(1)
	}
	st, err := store.LoadState(cfg.StatePath)
	if err != nil || st.Status == "" {
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "last known status: %s (as of %s, %s ago)\n",
		st.Status, st.UpdatedAt.Format(time.RFC3339), time.Since(st.UpdatedAt).Round(time.Second))
	os.Exit(1)
}

func printSnapshot(snap model.Snapshot) {
	fmt.Fprintf(os.Stdout, "node: %s addr=%s nat=%s version=%s\n",
		snap.Node.Hostname, snap.Node.VirtualAddr, snap.Node.NATType, snap.Node.Version)
	if snap.ErrorMsg != "" {
		fmt.Fprintf(os.Stdout, "core error: %s\n", snap.ErrorMsg)
	}
	if len(snap.Peers) == 0 {
		fmt.Fprintln(os.Stdout, "no peers")
		return
	}

	fmt.Fprintf(os.Stdout, "%-8s  %-14s  %-18s  %-6s  %-10s  %-18s  %-5s\n",
		"PEER", "HOSTNAME", "ADDR", "COST", "LATENCY", "NAT", "CONNS")
	for _, p := range snap.Peers {
		fmt.Fprintf(os.Stdout, "%-8d  %-14s  %-18s  %-6d  %-10s  %-18s  %-5d\n",
			p.PeerID, p.Hostname, p.VirtualAddr, p.Cost,
			fmt.Sprintf("%.1fms", float64(p.PathLatency)/1000.0), p.NATType, len(p.Conns))
	}
}

func handleWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	record := fs.Bool("record", false, "append telemetry rows to the metrics CSV")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	if *record && cfg.MetricsPath == "" {
		fatal(errors.New("--record requires metrics_path in config"))
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, stop, err := connectHelper(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer stop()

	sup := supervisor.New(client, cfg)
	p := poller.New(client, sup, cfg.Polling)
	sup.Load(ctx)
	go sup.Run(ctx, client.RunningInfoUpdates())
	go p.Run(ctx)

	p.AddSubscriber()
	defer p.RemoveSubscriber()
	p.ForceRefresh()

	statuses, cancelStatuses := sup.Statuses().Subscribe()
	defer cancelStatuses()
	updates, cancelUpdates := p.Updates().Subscribe()
	defer cancelUpdates()
	notices, cancelNotices := sup.Notices().Subscribe()
	defer cancelNotices()

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-statuses:
			fmt.Fprintf(os.Stdout, "-- status: %s\n", st)
		case n := <-notices:
			fmt.Fprintf(os.Stdout, "-- notice: %s\n", n.Message)
		case u := <-updates:
			printUpdate(u)
			if *record {
				if err := metrics.AppendCSV(cfg.MetricsPath, metrics.FromTelemetry(u.Telemetry)); err != nil {
					fmt.Fprintf(os.Stderr, "append metrics failed: %v\n", err)
				}
			}
		}
	}
}

func printUpdate(u poller.Update) {
	fmt.Fprintf(os.Stdout, "%s  peak=%s\n", u.Telemetry.At.Format("15:04:05"), fmtRate(u.Peak))
	fmt.Fprintf(os.Stdout, "%-8s  %-14s  %-18s  %-12s  %-12s  %-9s  %-7s\n",
		"PEER", "HOSTNAME", "ADDR", "RX", "TX", "LATENCY", "LOSS")
	for _, row := range u.Telemetry.Peers {
		rx, tx := "-", "-"
		if row.HasSpeed {
			rx = fmtRate(row.Speed.RxBytesPerSec)
			tx = fmtRate(row.Speed.TxBytesPerSec)
		}
		latency := "-"
		if row.HasLatency {
			latency = fmt.Sprintf("%.1fms", row.LatencyMs)
		}
		loss := "-"
		if row.HasLoss {
			loss = fmt.Sprintf("%.1f%%", row.LossRate*100)
		}
		fmt.Fprintf(os.Stdout, "%-8s  %-14s  %-18s  %-12s  %-12s  %-9s  %-7s\n",
			row.Key(), row.Peer.Hostname, row.Peer.VirtualAddr, rx, tx, latency, loss)
	}
}

func fmtRate(bytesPerSec float64) string {
	switch {
	case bytesPerSec >= 1<<20:
		return fmt.Sprintf("%.2f MiB/s", bytesPerSec/(1<<20))
	case bytesPerSec >= 1<<10:
		return fmt.Sprintf("%.1f KiB/s", bytesPerSec/(1<<10))
	default:
		return fmt.Sprintf("%.0f B/s", bytesPerSec)
	}
}

func handleEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	follow := fs.Bool("follow", false, "keep polling for new events")
	interval := fs.Duration("interval", 2*time.Second, "poll interval with --follow")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)

	ctx, cancel := signalContext()
	defer cancel()

	client, stop, err := connectHelper(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer stop()

	for {
		batch, err := client.FetchRecentEvents(ctx)
		if err != nil {
			var gap *helper.EventGapError
			if errors.As(err, &gap) {
				fmt.Fprintf(os.Stderr, "warning: %d events lost to ring wrap\n", gap.Lost)
			} else {
				fatal(err)
			}
		}
		for _, line := range batch.Events {
			fmt.Fprintln(os.Stdout, line)
		}
		if !*follow {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(*interval):
		}
	}
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	window := fs.Duration("window", 5*time.Minute, "time window")
	path := fs.String("path", "", "metrics CSV path override")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)

	metricsPath := cfg.MetricsPath
	if *path != "" {
		metricsPath = *path
	}
	if metricsPath == "" {
		fatal(errors.New("metrics path required"))
	}

	items, err := metrics.ReadCSV(metricsPath)
	if err != nil {
		fatal(err)
	}

	cutoff := time.Now().UTC().Add(-*window)
	summary := metrics.Summarize(items, cutoff)
	if summary.Count == 0 {
		fmt.Fprintln(os.Stdout, "no samples in window")
		return
	}

	fmt.Fprintf(os.Stdout, "samples=%d from=%s to=%s\n",
		summary.Count, summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "latency avg=%.2fms p95=%.2fms min=%.2fms max=%.2fms\n",
		summary.AvgLatencyMs, summary.P95LatencyMs, summary.MinLatencyMs, summary.MaxLatencyMs)
	fmt.Fprintf(os.Stdout, "loss avg=%.2f%%  rx avg=%s peak=%s  tx avg=%s peak=%s\n",
		summary.AvgLossPct, fmtRate(summary.AvgRxBps), fmtRate(summary.PeakRxBps),
		fmtRate(summary.AvgTxBps), fmtRate(summary.PeakTxBps))
}

func handleExport(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "export subcommand required\n")
		os.Exit(2)
	}
	if args[0] != "csv" {
		fmt.Fprintf(os.Stderr, "unknown export format %q\n", args[0])
		os.Exit(2)
	}

	fs := flag.NewFlagSet("export csv", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	out := fs.String("out", "", "output file")
	path := fs.String("path", "", "metrics CSV path override")
	_ = fs.Parse(args[1:])

	if *out == "" {
		fatal(errors.New("--out is required"))
	}

	cfg := mustLoadConfig(*configPath)
	metricsPath := cfg.MetricsPath
	if *path != "" {
		metricsPath = *path
	}
	if metricsPath == "" {
		fatal(errors.New("metrics path required"))
	}

	if err := copyFile(metricsPath, *out); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "exported %s\n", *out)
}

func handleVersion(args []string) {
	fs := flag.NewFlagSet("version", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	fmt.Fprintf(os.Stdout, "meshctl %s\n", version)
	if *configPath == "" {
		return
	}

	cfg := mustLoadConfig(*configPath)
	ctx, cancel := signalContext()
	defer cancel()

	client, stop, err := connectHelper(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stdout, "helper: unreachable (%v)\n", err)
		return
	}
	defer stop()

	v, err := client.GetVersion(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "helper %s (minimum %s)\n", v, helper.MinHelperVersion)
}

func handleDoctor(args []string) {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)

	ctx, cancel := signalContext()
	defer cancel()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stdout, "config: INVALID (%v)\n", err)
	} else {
		fmt.Fprintln(os.Stdout, "config: ok")
	}

	if _, err := os.Stat(cfg.Helper.Socket); err != nil {
		fmt.Fprintf(os.Stdout, "helper socket %s: MISSING\n", cfg.Helper.Socket)
	} else {
		fmt.Fprintf(os.Stdout, "helper socket %s: present\n", cfg.Helper.Socket)
	}

	doctorCoreBinary(ctx, cfg)

	client, stop, err := connectHelper(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stdout, "helper connection: FAILED (%v)\n", err)
		return
	}
	defer stop()

	if v, err := helper.CheckVersion(ctx, client); err != nil {
		fmt.Fprintf(os.Stdout, "helper version: INCOMPATIBLE (%v)\n", err)
	} else {
		fmt.Fprintf(os.Stdout, "helper version: %s (minimum %s)\n", v, helper.MinHelperVersion)
	}

	pid, err := client.GetCoreStatus(ctx)
	switch {
	case err != nil:
		fmt.Fprintf(os.Stdout, "core status: FAILED (%v)\n", err)
	case pid > 0:
		fmt.Fprintf(os.Stdout, "core status: running (pid %d)\n", pid)
	default:
		fmt.Fprintln(os.Stdout, "core status: stopped")
	}

	doctorNAT(ctx, cfg, client, pid)
}

func doctorCoreBinary(ctx context.Context, cfg config.Config) {
	if cfg.Core.BinaryPath == "" {
		fmt.Fprintln(os.Stdout, "core binary: path not configured, helper default in use")
		return
	}
	if _, err := os.Stat(cfg.Core.BinaryPath); err != nil {
		fmt.Fprintf(os.Stdout, "core binary %s: MISSING\n", cfg.Core.BinaryPath)
		return
	}
	runner := execx.NewOSRunner(io.Discard, io.Discard)
	verCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := runner.Output(verCtx, cfg.Core.BinaryPath, "--version")
	if err != nil {
		fmt.Fprintf(os.Stdout, "core binary %s: present, --version failed (%v)\n", cfg.Core.BinaryPath, err)
		return
	}
	fmt.Fprintf(os.Stdout, "core binary: %s\n", out)
}

// doctorNAT cross-checks the NAT class the core reports against an
// independent STUN probe.
func doctorNAT(ctx context.Context, cfg config.Config, client *helper.Client, pid int32) {
	if len(cfg.STUNServers) == 0 {
		fmt.Fprintln(os.Stdout, "stun: no servers configured, skipping NAT check")
		return
	}

	publicAddr, probed, err := stunutil.Probe(ctx, cfg.STUNServers, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stdout, "stun probe: FAILED (%v)\n", err)
		return
	}
	fmt.Fprintf(os.Stdout, "stun probe: public_addr=%s nat=%s\n", publicAddr, probed)

	if pid == 0 {
		return
	}
	raw, err := client.GetRunningInfo(ctx)
	if err != nil {
		return
	}
	snap, err := codec.DecodeRunningInfo(raw)
	if err != nil {
		return
	}
	if stunutil.Consistent(snap.Node.NATType, probed) {
		fmt.Fprintf(os.Stdout, "nat agreement: ok (core reports %s)\n", snap.Node.NATType)
	} else {
		fmt.Fprintf(os.Stdout, "nat agreement: MISMATCH (core reports %s, probe says %s)\n",
			snap.Node.NATType, probed)
	}
}

func handleHelperSim(args []string) {
	fs := flag.NewFlagSet("helper-sim", flag.ExitOnError)
	socket := fs.String("socket", "/tmp/meshd-helper.sock", "unix socket to listen on")
	_ = fs.Parse(args)

	_ = os.Remove(*socket)
	l, err := net.Listen("unix", *socket)
	if err != nil {
		fatal(err)
	}
	defer l.Close()

	ctx, cancel := signalContext()
	defer cancel()

	srv := helpersim.NewServer()
	go func() {
		if err := srv.Serve(l); err != nil {
			log.Printf("helper-sim: %v", err)
		}
	}()
	go simulateTraffic(ctx, srv)

	fmt.Fprintf(os.Stdout, "helper simulator listening on %s\n", *socket)
	<-ctx.Done()
}

// simulateTraffic feeds the simulator synthetic running info while its core
// is "running", so watch and status have something to show against it.
func simulateTraffic(ctx context.Context, srv *helpersim.Server) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var rx, tx uint64
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if srv.CorePID() == 0 {
			continue
		}
		rx += 350_000
		tx += 120_000
		tick++
		srv.SetRunningInfo(fmt.Sprintf(`{
  "running": true,
  "my_node_info": {
    "virtual_ipv4": {"address": {"addr": 167837953}, "network_length": 24},
    "hostname": "sim-node",
    "version": "%s",
    "stun_info": {"udp_nat_type": 3, "public_ip": ["203.0.113.7:40000"]}
  },
  "peer_route_pairs": [
    {
      "route": {"peer_id": 7, "ipv4_addr": {"address": {"addr": 167837954}, "network_length": 24}, "hostname": "sim-peer", "cost": 1, "path_latency": 8200, "version": "%s"},
      "peer": {"peer_id": 7, "conns": [{"conn_id": "sim-0", "tunnel": {"tunnel_type": "udp"}, "stats": {"rx_bytes": %d, "tx_bytes": %d, "latency_us": 8200}, "loss_rate": 0.004}]}
    }
  ]
}`, version, version, rx, tx))
		if tick%10 == 0 {
			srv.AppendEvents(fmt.Sprintf("%s sim: %d bytes exchanged", time.Now().Format(time.RFC3339), rx+tx))
		}
	}
}

// connectHelper starts the client's connection loop and waits until the
// listener is registered and the connection is ready, bounded by the
// configured request timeout.
func connectHelper(ctx context.Context, cfg config.Config) (*helper.Client, context.CancelFunc, error) {
	client := helper.NewClient(cfg.Helper.Socket, cfg.Helper.RequestTimeout())

	runCtx, cancel := context.WithCancel(ctx)
	states, unsub := client.ConnStates().Subscribe()
	go func() { _ = client.Run(runCtx) }()

	timer := time.NewTimer(cfg.Helper.RequestTimeout())
	defer timer.Stop()
	defer unsub()
	for {
		select {
		case ready := <-states:
			if ready {
				return client, cancel, nil
			}
		case <-timer.C:
			cancel()
			return nil, nil, fmt.Errorf("helper not reachable at %s", cfg.Helper.Socket)
		case <-ctx.Done():
			cancel()
			return nil, nil, ctx.Err()
		}
	}
}

func waitForStatus(ctx context.Context, sup *supervisor.Supervisor, want model.TunnelStatus) {
	ch, cancel := sup.Statuses().Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stdout, "status: %s\n", st)
			if st == want {
				return
			}
			if want == model.StatusConnected && st == model.StatusDisconnected {
				// The service reports plain disconnected for a failed
				// connect; there is nothing further to wait for.
				fmt.Fprintln(os.Stderr, "tunnel did not come up")
				os.Exit(1)
			}
		}
	}
}

func mustLoadConfig(path string) config.Config {
	if path == "" {
		fatal(errors.New("--config is required"))
	}
	cfg, err := config.Load(path)
	if err != nil {
		fatal(err)
	}
	return cfg
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
