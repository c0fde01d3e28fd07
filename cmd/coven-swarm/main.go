// ABOUTME: Entry point for coven-swarm agents and coordinators
// ABOUTME: Serves an agent, runs purposes, and inspects the registry, keys and escalations

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-swarm/internal/config"
	"github.com/2389/coven-swarm/internal/envelope"
	"github.com/2389/coven-swarm/internal/node"
	"github.com/2389/coven-swarm/internal/orchestrator"
	"github.com/2389/coven-swarm/internal/sharedlog"
	"github.com/2389/coven-swarm/internal/store"
	"github.com/2389/coven-swarm/internal/transport"
)

// Version is set at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _____      ____ _ _ __ _ __ ___
 / __/ _ \ \ / / _ \ '_ \ _____/ __\ \ /\ / / _' | '__| '_ ' _ \
| (_| (_) \ V /  __/ | | |_____\__ \\ V  V / (_| | |  | | | | | |
 \___\___/ \_/ \___|_| |_|     |___/ \_/\_/ \__,_|_|  |_| |_| |_|
`

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ", ") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func usage() {
	fmt.Println("Usage: coven-swarm <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Run this agent (coordinator or worker, by agent.role)")
	fmt.Println("  run [flags] PURPOSE            Run a purpose to completion on the coordinator")
	fmt.Println("  status                         List live agents and their status")
	fmt.Println("  send --to AGENT MESSAGE        Send a signed message")
	fmt.Println("  escalations [--all]            List escalations awaiting an answer")
	fmt.Println("  respond ID ANSWER              Answer an escalation")
	fmt.Println("  keys                           List published agent keys")
	fmt.Println("  version                        Print the version")
	fmt.Println()
	fmt.Printf("Config: $%s or %s\n", config.EnvConfigPath, config.ResolvePath())
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "run":
		err = runPurpose(ctx, args)
	case "status":
		err = runStatus(ctx)
	case "send":
		err = runSend(ctx, args)
	case "escalations":
		err = runEscalations(ctx, args)
	case "respond":
		err = runRespond(ctx, args)
	case "keys":
		err = runKeys(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	path := config.ResolvePath()
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     ")
	cyan.Print(cfg.Agent.ID)
	gray.Printf(" (%s)\n", cfg.Agent.Role)
	green.Print("    ▶ ")
	fmt.Printf("Ports:     %s:%d-%d\n", cfg.Transport.Host, cfg.Transport.PortMin, cfg.Transport.PortMax)
	green.Print("    ▶ ")
	fmt.Printf("Log:       %s\n", cfg.SharedLog.Dir)
	green.Print("    ▶ ")
	fmt.Printf("Provider:  %s", cfg.Provider.Kind)
	gray.Printf(" %s\n", cfg.Provider.Model)
	if cfg.Runtime.AllowExec {
		yellow.Println("    ! command execution is enabled")
	}
	fmt.Println()

	logger.Info("starting coven-swarm", "config", configPath, "agent_id", cfg.Agent.ID, "role", cfg.Agent.Role)

	n, err := node.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}
	defer n.Close()
	return n.Run(ctx)
}

func runPurpose(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var constraints, criteria stringList
	fs.Var(&constraints, "constraint", "constraint on the work (repeatable)")
	fs.Var(&criteria, "success", "success criterion (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	description := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if description == "" {
		return errors.New("a purpose description is required")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Agent.Role != config.RoleCoordinator {
		return fmt.Errorf("agent %s has role %q; run needs the coordinator config", cfg.Agent.ID, cfg.Agent.Role)
	}
	logger := setupLogger(cfg.Logging)

	n, err := node.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}
	defer n.Close()

	// The endpoint has to be up for remote workers to report back.
	serveCtx, stop := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- n.Run(serveCtx) }()
	defer func() {
		stop()
		<-served
	}()

	report, err := n.RunPurpose(ctx, orchestrator.Purpose{
		Description:     description,
		Constraints:     constraints,
		SuccessCriteria: criteria,
	})
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func printReport(r *orchestrator.Report) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)

	fmt.Println()
	fmt.Printf("Purpose %s\n", r.Purpose.ID)
	for i, wave := range r.Waves {
		gray.Printf("  wave %d: %s\n", i+1, strings.Join(wave, ", "))
	}
	for _, t := range r.Tasks {
		if t.Status == store.TaskFailed {
			red.Print("  ✗ ")
			fmt.Printf("%s (%s): %s\n", t.ID, t.WorkerID, t.Error)
			continue
		}
		green.Print("  ✓ ")
		fmt.Printf("%s (%s)\n", t.ID, t.WorkerID)
	}
	fmt.Println()
	fmt.Printf("Summary: %s\n", r.SummaryPath)
	if r.HTMLPath != "" {
		fmt.Printf("HTML:    %s\n", r.HTMLPath)
	}
}

func runStatus(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := sharedlog.Open(cfg.SharedLog.Dir)
	if err != nil {
		return err
	}
	reg := transport.NewRegistry(l, slog.New(slog.DiscardHandler))
	live, err := reg.Live(3 * cfg.Transport.HeartbeatInterval)
	if err != nil {
		return err
	}
	if len(live) == 0 {
		fmt.Println("no live agents")
		return nil
	}
	sort.Slice(live, func(i, j int) bool { return live[i].AgentID < live[j].AgentID })

	client := transport.NewClient(transport.ClientConfig{AgentID: cfg.Agent.ID, ProbeTimeout: cfg.Transport.ProbeTimeout})
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tROLE\tSTATUS\tENDPOINT\tLAST HEARTBEAT")
	for _, rec := range live {
		state := color.RedString("unreachable")
		if st, err := client.Probe(ctx, rec); err == nil {
			state = color.GreenString(st.Status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\n", rec.AgentID, rec.Role, state, rec.URL,
			time.Since(rec.LastHeartbeat).Round(time.Second))
	}
	return w.Flush()
}

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	to := fs.String("to", "", "recipient agent id, or \"all\"")
	question := fs.Bool("question", false, "send as a question")
	if err := fs.Parse(args); err != nil {
		return err
	}
	content := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if *to == "" || content == "" {
		return errors.New("usage: send --to AGENT MESSAGE")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	n, err := node.New(ctx, cfg, setupLogger(cfg.Logging))
	if err != nil {
		return err
	}
	defer n.Close()

	typ := envelope.TypeMessage
	if *question {
		typ = envelope.TypeQuestion
	}
	res, err := n.Client().Send(ctx, envelope.New(cfg.Agent.ID, *to, typ, content))
	if err != nil {
		return err
	}
	fmt.Printf("sent %s via %s\n", res.MessageID, res.Path)
	return nil
}

func openStore() (*store.SQLiteStore, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path := cfg.Database.Path
	if env := os.Getenv(node.EnvDBPath); env != "" {
		path = env
	}
	return store.NewSQLiteStore(path)
}

func runEscalations(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("escalations", flag.ContinueOnError)
	all := fs.Bool("all", false, "include answered escalations")
	purpose := fs.String("purpose", "", "only this purpose")
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.ListEscalations(ctx, *purpose, !*all)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no escalations")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKER\tTASK\tSTATUS\tQUESTION")
	for _, e := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.WorkerID, e.TaskID, e.Status, e.Question)
	}
	return w.Flush()
}

func runRespond(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: respond ID ANSWER")
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	// The coordinator waiting on it picks the answer up from the store.
	e, err := st.AnswerEscalation(ctx, args[0], strings.Join(args[1:], " "))
	if errors.Is(err, store.ErrAlreadyAnswered) {
		return fmt.Errorf("escalation %s was already answered: %q", e.ID, e.Response)
	}
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("answered %s for %s\n", e.ID, e.WorkerID)
	return nil
}

func runKeys(ctx context.Context) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	keys, err := st.ListKeys(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tROLE\tFINGERPRINT")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\t%s\n", k.AgentID, k.Role, k.Fingerprint)
	}
	return w.Flush()
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{level: level, mu: &sync.Mutex{}}
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// colorHandler writes one colorized line per record.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}
	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprint(os.Stderr, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}
