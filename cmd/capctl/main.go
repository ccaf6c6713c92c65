package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"capctl/internal/agent"
	"capctl/internal/config"
	"capctl/internal/controller"
)

const usage = `capctl - multi-device capture synchronization control plane

Usage:
  capctl controller init --config <path> [--listen :7600] [--data-dir <dir>]
  capctl controller run --config <path>
  capctl node init --config <path> --name <id> --controller <host:port> --sensors <a,b>
  capctl node run --config <path>
  capctl status --http <host:port>
  capctl session start --http <host:port> --sensors <a,b>
  capctl session stop --http <host:port>
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch cmd := os.Args[1]; cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "controller":
		handleController(os.Args[2:])
	case "node":
		handleNode(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	case "session":
		handleSession(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleController(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "controller subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "init":
		controllerInit(args[1:])
	case "run":
		controllerRun(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown controller subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func controllerInit(args []string) {
	fs := flag.NewFlagSet("controller init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "control-plane listen address")
	httpListen := fs.String("http", "", "status/metrics HTTP listen address")
	dataDir := fs.String("data-dir", "", "data directory")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil && !os.IsNotExist(err) {
		fatal(err)
	}
	if cfg.Controller == nil {
		cfg.Controller = &config.ControllerConfig{}
	}
	if *listen != "" {
		cfg.Controller.Listen = *listen
	}
	if *httpListen != "" {
		cfg.Controller.HTTPListen = *httpListen
	}
	if *dataDir != "" {
		cfg.Controller.DataDir = *dataDir
	}

	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Printf("wrote %s\n", *configPath)
}

func controllerRun(args []string) {
	fs := flag.NewFlagSet("controller run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Controller == nil {
		fatal(errors.New("controller config required"))
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	srv, err := controller.New(*cfg.Controller)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func handleNode(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "node subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "init":
		nodeInit(args[1:])
	case "run":
		nodeRun(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown node subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func nodeInit(args []string) {
	fs := flag.NewFlagSet("node init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	name := fs.String("name", "", "node identity")
	controllerAddr := fs.String("controller", "", "controller host:port")
	sensors := fs.String("sensors", "", "comma-separated sensor types")
	stunList := fs.String("stun", "", "comma-separated STUN servers")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil && !os.IsNotExist(err) {
		fatal(err)
	}
	if cfg.Node == nil {
		cfg.Node = &config.NodeConfig{}
	}
	if *name != "" {
		cfg.Node.Name = *name
	}
	if *controllerAddr != "" {
		cfg.Node.Controller = *controllerAddr
	}
	if *sensors != "" {
		cfg.Node.Sensors = splitList(*sensors)
	}
	if *stunList != "" {
		cfg.Node.STUNServers = splitList(*stunList)
	}

	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Printf("wrote %s\n", *configPath)
}

func nodeRun(args []string) {
	fs := flag.NewFlagSet("node run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Node == nil {
		fatal(errors.New("node config required"))
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := agent.New(*cfg.Node).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	httpAddr := fs.String("http", "127.0.0.1:7601", "controller HTTP address")
	_ = fs.Parse(args)

	var reply struct {
		Nodes []struct {
			ID       string   `json:"id"`
			State    string   `json:"state"`
			Sensors  []string `json:"sensors"`
			OffsetMS float64  `json:"offset_ms"`
			Synced   bool     `json:"synced"`
			LastSeen string   `json:"last_seen_at"`
		} `json:"nodes"`
		Session *struct {
			ID       string `json:"id"`
			State    string `json:"state"`
			Active   int    `json:"active"`
			Degraded int    `json:"degraded"`
			Excluded int    `json:"excluded"`
		} `json:"session"`
	}
	if err := getJSON("http://"+*httpAddr+"/status", &reply); err != nil {
		fatal(err)
	}

	if len(reply.Nodes) == 0 {
		fmt.Println("no registered nodes")
	} else {
		fmt.Printf("%-12s  %-12s  %-24s  %-10s  %-6s  %-20s\n",
			"NODE", "STATE", "SENSORS", "OFFSET_MS", "SYNCED", "LAST_SEEN")
		for _, n := range reply.Nodes {
			fmt.Printf("%-12s  %-12s  %-24s  %-10.3f  %-6t  %-20s\n",
				n.ID, n.State, strings.Join(n.Sensors, ","), n.OffsetMS, n.Synced, n.LastSeen)
		}
	}
	if reply.Session != nil {
		fmt.Printf("\nsession %s state=%s active=%d degraded=%d excluded=%d\n",
			reply.Session.ID, reply.Session.State,
			reply.Session.Active, reply.Session.Degraded, reply.Session.Excluded)
	}
}

func handleSession(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "session subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "start":
		sessionStart(args[1:])
	case "stop":
		sessionStop(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown session subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func sessionStart(args []string) {
	fs := flag.NewFlagSet("session start", flag.ExitOnError)
	httpAddr := fs.String("http", "127.0.0.1:7601", "controller HTTP address")
	sensors := fs.String("sensors", "", "comma-separated sensor types")
	_ = fs.Parse(args)

	if *sensors == "" {
		fatal(errors.New("--sensors is required"))
	}

	body, err := json.Marshal(map[string]any{"sensor_types": splitList(*sensors)})
	if err != nil {
		fatal(err)
	}
	resp, err := http.Post("http://"+*httpAddr+"/sessions/start", "application/json", bytes.NewReader(body))
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	printSessionReply(resp)
}

func sessionStop(args []string) {
	fs := flag.NewFlagSet("session stop", flag.ExitOnError)
	httpAddr := fs.String("http", "127.0.0.1:7601", "controller HTTP address")
	_ = fs.Parse(args)

	resp, err := http.Post("http://"+*httpAddr+"/sessions/stop", "application/json", strings.NewReader("{}"))
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	printSessionReply(resp)
}

func printSessionReply(resp *http.Response) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		fatal(fmt.Errorf("controller: %s: %s", resp.Status, strings.TrimSpace(string(data))))
	}

	var sess struct {
		ID          string    `json:"id"`
		State       string    `json:"state"`
		GlobalStart time.Time `json:"global_start"`
		Active      int       `json:"active"`
		Excluded    int       `json:"excluded"`
		Participants []struct {
			NodeID string `json:"node_id"`
			Status string `json:"status"`
			Reason string `json:"reason"`
		} `json:"participants"`
	}
	if err := json.Unmarshal(data, &sess); err != nil {
		fatal(err)
	}

	fmt.Printf("session %s state=%s active=%d excluded=%d\n", sess.ID, sess.State, sess.Active, sess.Excluded)
	if !sess.GlobalStart.IsZero() {
		fmt.Printf("global start %s\n", sess.GlobalStart.UTC().Format(time.RFC3339Nano))
	}
	for _, p := range sess.Participants {
		line := fmt.Sprintf("  %-12s %s", p.NodeID, p.Status)
		if p.Reason != "" {
			line += " (" + p.Reason + ")"
		}
		fmt.Println(line)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func getJSON(url string, out any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("controller: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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
