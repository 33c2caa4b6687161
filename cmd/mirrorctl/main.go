package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/config"
	"github.com/matheus3301/chatmirror/internal/daemon"
	"github.com/matheus3301/chatmirror/internal/remote"
	"github.com/matheus3301/chatmirror/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	tenantFlag := flag.String("tenant", "", "tenant of the context (default: first configured)")
	participantFlag := flag.String("participant", "", "participant of the context (default: first configured)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "status":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cmdStatus(ctx, sessionName, *jsonFlag)
	case "paths":
		cmdPaths(sessionName, *jsonFlag)
	case "import":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: mirrorctl import <chat.json>")
			os.Exit(1)
		}
		root, c := target(sessionName, *tenantFlag, *participantFlag)
		cmdImport(root, c, args[1])
	case "push":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: mirrorctl push <chat-id> <message-id> <text>")
			os.Exit(1)
		}
		root, c := target(sessionName, *tenantFlag, *participantFlag)
		cmdPush(root, c, args[1], args[2], args[3])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: mirrorctl [--session <name>] [--json] [--tenant <t> --participant <p>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show daemon health")
	fmt.Fprintln(os.Stderr, "  paths                           Show session paths")
	fmt.Fprintln(os.Stderr, "  import <chat.json>              Add a chat export to the source directory")
	fmt.Fprintln(os.Stderr, "  push <chat> <message> <text>    Push a live message to the daemon")
}

func cmdStatus(ctx context.Context, sessionName string, jsonOut bool) {
	conn, err := grpc.NewClient(
		"unix://"+session.SocketPath(sessionName),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		fail(fmt.Errorf("cannot connect to daemon for session %q: %w", sessionName, err))
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.ServiceName})
	if err != nil {
		fail(fmt.Errorf("daemon for session %q unreachable: %w", sessionName, err))
	}
	if jsonOut {
		outputJSON(map[string]string{"session": sessionName, "status": resp.Status.String()})
		return
	}
	fmt.Printf("Session: %s\n", sessionName)
	fmt.Printf("Status:  %s\n", resp.Status)
}

func cmdPaths(sessionName string, jsonOut bool) {
	layout := session.For(sessionName)
	if jsonOut {
		outputJSON(layout)
		return
	}
	for _, p := range []struct{ key, path string }{
		{"config", layout.Config},
		{"session", layout.Session},
		{"socket", layout.Socket},
		{"lock", layout.Lock},
		{"archive", layout.Archive},
		{"source", layout.Source},
		{"log", layout.Log},
	} {
		fmt.Printf("%-8s %s\n", p.key+":", p.path)
	}
}

func cmdImport(root string, c archive.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fail(err)
	}
	var chat remote.Chat
	if err := json.Unmarshal(data, &chat); err != nil {
		fail(fmt.Errorf("decode %s: %w", path, err))
	}
	if chat.ID == "" {
		fail(fmt.Errorf("%s has no chat id", path))
	}
	if err := remote.WriteChat(root, c, chat); err != nil {
		fail(err)
	}
	fmt.Printf("Imported %s (%d messages) into %s\n", chat.ID, len(chat.Messages), c)
}

func cmdPush(root string, c archive.Context, chatID, msgID, text string) {
	now := time.Now()
	err := remote.WritePush(root, c, remote.Push{
		ChatID: chatID,
		Message: remote.Message{
			ID:          msgID,
			Version:     now.UnixMilli(),
			ArrivalTime: now,
			TextBody:    text,
		},
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("Queued %s for %s in %s\n", msgID, chatID, c)
}

// target resolves the source directory and context a command writes into.
func target(sessionName, tenant, participant string) (string, archive.Context) {
	cfg, err := config.Resolve(session.ConfigPath())
	if err != nil {
		fail(fmt.Errorf("invalid config: %w", err))
	}
	c := cfg.ArchiveContexts()[0]
	if tenant != "" || participant != "" {
		c = archive.Context{Tenant: tenant, Participant: participant}
		if c.Tenant == "" || c.Participant == "" {
			fail(fmt.Errorf("--tenant and --participant go together"))
		}
	}
	root := cfg.Source.DumpDir
	if root == "" {
		root = session.SourceDir(sessionName)
	}
	return root, c
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
