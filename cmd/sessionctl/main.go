// sessionctl is the control CLI for the session persistence engine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"sessiond/internal/checkpoint"
	"sessiond/internal/config"
	"sessiond/internal/engine"
	"sessiond/internal/event"
	"sessiond/internal/logging"
	"sessiond/internal/query"
)

var (
	configPath = flag.String("config", "", "path to config file (TOML or YAML)")
	asJSON     = flag.Bool("json", false, "emit machine-readable JSON output")
	limit      = flag.Int("limit", 0, "query result limit (0 = configured default)")
	mode       = flag.String("mode", "keyword", "query mode: keyword, semantic, combined")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)

	switch cmd {
	case "new":
		requireArgs(2, "sessionctl new <workflow-type>")
		cmdNew(flag.Arg(1))
	case "record":
		requireArgs(4, "sessionctl record <session> <category> <payload-json|->")
		cmdRecord(flag.Arg(1), flag.Arg(2), flag.Arg(3))
	case "sessions":
		cmdSessions()
	case "status":
		requireArgs(2, "sessionctl status <session>")
		cmdStatus(flag.Arg(1))
	case "resume":
		requireArgs(2, "sessionctl resume <session>")
		cmdResume(flag.Arg(1))
	case "checkpoint":
		requireArgs(2, "sessionctl checkpoint <session>")
		cmdCheckpoint(flag.Arg(1))
	case "query":
		requireArgs(3, "sessionctl query <session> <terms...>")
		cmdQuery(flag.Arg(1), strings.Join(flag.Args()[2:], " "))
	case "verify":
		requireArgs(2, "sessionctl verify <session>")
		cmdVerify(flag.Arg(1))
	case "rebuild":
		requireArgs(2, "sessionctl rebuild <session>")
		cmdRebuild(flag.Arg(1))
	case "sync":
		requireArgs(3, "sessionctl sync <push|pull|resolve> <session>")
		cmdSync(flag.Arg(1), flag.Arg(2))
	case "close":
		requireArgs(2, "sessionctl close <session>")
		cmdClose(flag.Arg(1))
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `sessionctl - Control utility for the session persistence engine

Usage: sessionctl [options] <command> [args]

Commands:
  new <workflow-type>                    Create a session
  record <session> <category> <json|->   Append one event ("-" reads stdin)
  sessions                               List sessions
  status <session>                       Show session and sync state
  resume <session>                       Print the resumption context
  checkpoint <session>                   Take a manual checkpoint
  query <session> <terms...>             Search the session (see -mode, -limit)
  verify <session>                       Full integrity scan of the event log
  rebuild <session>                      Rebuild the index from the event log
  sync <push|pull|resolve> <session>     Reconcile with the remote
  close <session>                        Checkpoint and close a session
  help                                   Show this help message

Options:
  -config <path>  Path to config file (default: built-in defaults)
  -json           Emit JSON instead of text
  -limit <n>      Query result limit
  -mode <m>       Query mode: keyword, semantic, combined`)
}

func requireArgs(n int, usageLine string) {
	if flag.NArg() < n {
		fmt.Fprintln(os.Stderr, "Usage:", usageLine)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	if *configPath == "" {
		return config.Default()
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func openEngine() *engine.Engine {
	cfg := loadConfig()
	logger, closer, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}
	_ = closer // process-lifetime CLI, closed on exit
	eng, err := engine.Open(cfg, nil, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening engine: %v\n", err)
		os.Exit(1)
	}
	return eng
}

func emit(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding output: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func cmdNew(workflowType string) {
	eng := openEngine()
	defer eng.Close()

	id, err := eng.CreateSession(workflowType)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating session: %v\n", err)
		os.Exit(1)
	}
	if *asJSON {
		emit(map[string]string{"session_id": id, "workflow_type": workflowType})
		return
	}
	fmt.Println(id)
}

func cmdRecord(sessionID, category, payload string) {
	if payload == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stdin: %v\n", err)
			os.Exit(1)
		}
		payload = string(data)
	}

	eng := openEngine()
	defer eng.Close()

	seq, err := eng.Record(sessionID, event.Category(category), json.RawMessage(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error recording event: %v\n", err)
		os.Exit(1)
	}
	if *asJSON {
		emit(map[string]uint64{"seq": seq})
		return
	}
	fmt.Printf("Recorded event seq %d\n", seq)
}

func cmdSessions() {
	eng := openEngine()
	defer eng.Close()

	sessions, err := eng.Sessions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing sessions: %v\n", err)
		os.Exit(1)
	}
	if *asJSON {
		emit(sessions)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return
	}
	fmt.Printf("%-38s %-12s %-14s %8s %s\n", "Session", "Workflow", "Status", "Events", "Created")
	fmt.Println(strings.Repeat("-", 90))
	for _, s := range sessions {
		fmt.Printf("%-38s %-12s %-14s %8d %s\n",
			s.ID, s.WorkflowType, s.Status, s.LastEventSeq,
			s.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}

func cmdStatus(sessionID string) {
	eng := openEngine()
	defer eng.Close()

	sess, err := eng.Session(sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	sync, err := eng.SyncRecord(sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cps, err := eng.Checkpoints(sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		emit(map[string]any{"session": sess, "sync": sync, "checkpoints": cps})
		return
	}

	fmt.Println("=== Session Status ===")
	fmt.Printf("Session:        %s\n", sess.ID)
	fmt.Printf("Workflow:       %s\n", sess.WorkflowType)
	fmt.Printf("Status:         %s\n", sess.Status)
	fmt.Printf("Created:        %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Last event:     %d\n", sess.LastEventSeq)
	fmt.Printf("Last indexed:   %d\n", sess.LastIndexedSeq)
	if sess.Degraded {
		fmt.Println("Index:          DEGRADED (run: sessionctl rebuild)")
	}
	fmt.Println()
	fmt.Printf("Sync status:    %s\n", sync.Status)
	fmt.Printf("Local rev:      %d\n", sync.LocalRev)
	fmt.Printf("Remote rev:     %d\n", sync.RemoteRev)
	fmt.Printf("Pushed through: %d\n", sync.LastPushedSeq)
	fmt.Println()
	fmt.Printf("Checkpoints:    %d\n", len(cps))
	if len(cps) > 0 {
		last := cps[len(cps)-1]
		fmt.Printf("Latest:         %s (seq %d, %s, %s)\n",
			last.ID, last.Seq, last.Trigger, last.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}

func cmdResume(sessionID string) {
	eng := openEngine()
	defer eng.Close()

	ctx, err := eng.Resume(sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resuming: %v\n", err)
		os.Exit(1)
	}
	if *asJSON {
		emit(ctx)
		return
	}

	fmt.Println("=== Resume Context ===")
	fmt.Printf("Session:   %s\n", ctx.SessionID)
	fmt.Printf("Workflow:  %s\n", ctx.WorkflowType)
	fmt.Printf("Last seq:  %d\n", ctx.LastSeq)
	fmt.Printf("Progress:  %.0f%%\n", ctx.Progress*100)
	fmt.Printf("Summary:   %s\n", ctx.Summary)
	if len(ctx.Open) > 0 {
		fmt.Println("\nOpen items:")
		for _, o := range ctx.Open {
			fmt.Printf("  - %s\n", o)
		}
	}
	if len(ctx.Recent) > 0 {
		fmt.Println("\nRecent events:")
		for _, d := range ctx.Recent {
			fmt.Printf("  %6d %-18s %s\n", d.Seq, d.Category, d.Text)
		}
	}
}

func cmdCheckpoint(sessionID string) {
	eng := openEngine()
	defer eng.Close()

	id, err := eng.Checkpoint(sessionID, checkpoint.TriggerManual)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error checkpointing: %v\n", err)
		os.Exit(1)
	}
	if id == "" {
		fmt.Println("Nothing to checkpoint (no events).")
		return
	}
	if *asJSON {
		emit(map[string]string{"checkpoint_id": id})
		return
	}
	fmt.Printf("Checkpoint committed: %s\n", id)
}

func cmdQuery(sessionID, text string) {
	eng := openEngine()
	defer eng.Close()

	results, err := eng.Search(context.Background(), query.Request{
		SessionID: sessionID,
		Mode:      query.Mode(*mode),
		Text:      text,
		Limit:     *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying: %v\n", err)
		os.Exit(1)
	}
	if *asJSON {
		emit(results)
		return
	}
	if len(results) == 0 {
		fmt.Println("No results.")
		return
	}
	fmt.Printf("%6s %-18s %-8s %s\n", "Seq", "Category", "Score", "Text")
	fmt.Println(strings.Repeat("-", 70))
	for _, r := range results {
		fmt.Printf("%6d %-18s %-8.3f %s\n", r.Seq, r.Category, r.Score, r.Text)
	}
}

func cmdVerify(sessionID string) {
	eng := openEngine()
	defer eng.Close()

	points, err := eng.Verify(sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Verification error: %v\n", err)
		os.Exit(1)
	}
	if *asJSON {
		emit(points)
		if len(points) > 0 {
			os.Exit(1)
		}
		return
	}
	if len(points) == 0 {
		fmt.Println("✓ Event log verified: no integrity failures.")
		return
	}
	fmt.Printf("✗ %d integrity failure(s):\n", len(points))
	for _, p := range points {
		fmt.Printf("  line %d (seq %d): %s\n", p.Line, p.Seq, p.Detail)
	}
	os.Exit(1)
}

func cmdRebuild(sessionID string) {
	eng := openEngine()
	defer eng.Close()

	if err := eng.Rebuild(sessionID); err != nil {
		fmt.Fprintf(os.Stderr, "Error rebuilding index: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Index rebuilt from event log.")
}

func cmdSync(op, sessionID string) {
	eng := openEngine()
	defer eng.Close()

	var err error
	switch op {
	case "push":
		err = eng.Push(context.Background(), sessionID)
	case "pull":
		err = eng.Pull(context.Background(), sessionID)
	case "resolve":
		err = eng.Resolve(context.Background(), sessionID)
	default:
		fmt.Fprintf(os.Stderr, "Unknown sync operation: %s\n", op)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sync %s failed: %v\n", op, err)
		os.Exit(1)
	}
	fmt.Printf("Sync %s complete.\n", op)
}

func cmdClose(sessionID string) {
	eng := openEngine()
	defer eng.Close()

	if err := eng.CloseSession(sessionID); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing session: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Session closed.")
}
