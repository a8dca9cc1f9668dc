package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/medvall/campus/internal/api"
	"github.com/medvall/campus/internal/bus"
	"github.com/medvall/campus/internal/config"
	"github.com/medvall/campus/internal/daemon"
	"github.com/medvall/campus/internal/lock"
	"github.com/medvall/campus/internal/notify"
	"github.com/medvall/campus/internal/outbox"
	"github.com/medvall/campus/internal/roster"
	"github.com/medvall/campus/internal/session"
	"github.com/medvall/campus/internal/store"
	intsync "github.com/medvall/campus/internal/sync"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	domainFlag := flag.String("domain", "", "filter roster contacts by domain (GL, RSI, DS)")
	imageFlag := flag.String("image", "", "path of an image to attach to a message")
	membersFlag := flag.String("members", "", "comma-separated user ids for group create")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "login" {
		cmdLogin(profile, args[1:])
		return
	}

	app, err := newApp(profile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer app.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(app, *jsonFlag)
	case "roster":
		query := ""
		if len(args) > 1 {
			query = args[1]
		}
		cmdRoster(ctx, app, query, *domainFlag, *jsonFlag)
	case "watch":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: campusctl watch <direct|group>:<id>")
			os.Exit(1)
		}
		cmdWatch(app, args[1])
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: campusctl send <direct|group>:<id> <text>")
			os.Exit(1)
		}
		cmdSend(ctx, app, args[1], strings.Join(args[2:], " "), *imageFlag)
	case "notifications":
		cmdNotifications(ctx, app, *jsonFlag)
	case "read":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: campusctl read <id|all>")
			os.Exit(1)
		}
		cmdRead(ctx, app, args[1])
	case "group":
		if len(args) < 3 || args[1] != "create" {
			fmt.Fprintln(os.Stderr, "usage: campusctl group create <name> --members 1,2,3")
			os.Exit(1)
		}
		cmdGroupCreate(ctx, app, args[2], *membersFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: campusctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  login <token>                 Store the API bearer token")
	fmt.Fprintln(os.Stderr, "  status                        Show profile and token state")
	fmt.Fprintln(os.Stderr, "  roster [query] [--domain D]   List contacts and groups")
	fmt.Fprintln(os.Stderr, "  watch <direct|group>:<id>     Follow a conversation live")
	fmt.Fprintln(os.Stderr, "  send <direct|group>:<id> <text> [--image path]")
	fmt.Fprintln(os.Stderr, "  notifications                 List notifications")
	fmt.Fprintln(os.Stderr, "  read <id|all>                 Mark notification(s) read")
	fmt.Fprintln(os.Stderr, "  group create <name> --members 1,2,3")
}

// app bundles the client stack for one-shot commands. It takes the profile
// lock, so it cannot run alongside campusd on the same profile.
type app struct {
	profile  string
	token    *session.Token
	cfg      *config.Config
	db       *store.DB
	client   *api.Client
	bus      *bus.Bus
	engine   *intsync.Engine
	roster   *intsync.RosterSync
	pipeline *outbox.Pipeline
	notify   *notify.Syncer
	lk       *lock.Lock
}

func newApp(profile string) (*app, error) {
	tok, err := session.LoadToken(profile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no token for profile %q, run: campusctl login <token>", profile)
		}
		return nil, err
	}
	if tok.Expired() {
		return nil, fmt.Errorf("token for profile %q expired at %s, log in again", profile, tok.ExpiresAt.Format(time.RFC3339))
	}

	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return nil, err
	}

	if err := session.EnsureDir(profile); err != nil {
		return nil, err
	}
	lk, err := lock.Acquire(session.Dir(profile))
	if err != nil {
		return nil, err
	}

	db, err := store.Open(session.CacheDBPath(profile))
	if err != nil {
		_ = lk.Release()
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = lk.Release()
		return nil, err
	}

	logger := zap.NewNop()
	b := bus.New()
	client := api.NewClient(cfg.ResolvedBaseURL(), api.WithToken(tok.Raw))
	engine := intsync.NewEngine(db, b, logger, tok.UserID, daemon.EchoWindow)
	return &app{
		profile:  profile,
		token:    tok,
		cfg:      cfg,
		db:       db,
		client:   client,
		bus:      b,
		engine:   engine,
		roster:   intsync.NewRosterSync(db, client, b, logger, tok.UserID),
		pipeline: outbox.NewPipeline(db, engine, client, b, logger, tok.UserID),
		notify:   notify.NewSyncer(db, client, b, logger, cfg.NotifyPollInterval()),
		lk:       lk,
	}, nil
}

func (a *app) close() {
	_ = a.db.Close()
	_ = a.lk.Release()
}

func cmdLogin(profile string, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: campusctl login <token>")
		os.Exit(1)
	}
	tok, err := session.ParseToken(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if tok.Expired() {
		fmt.Fprintln(os.Stderr, "error: token is already expired")
		os.Exit(1)
	}
	if err := session.SaveToken(profile, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Token stored for profile %q (user %d)\n", profile, tok.UserID)
}

func cmdStatus(a *app, jsonOut bool) {
	if jsonOut {
		outputJSON(map[string]any{
			"profile":  a.profile,
			"user_id":  a.token.UserID,
			"expires":  a.token.ExpiresAt,
			"base_url": a.cfg.ResolvedBaseURL(),
		})
		return
	}
	fmt.Printf("Profile:  %s\n", a.profile)
	fmt.Printf("User:     %d\n", a.token.UserID)
	fmt.Printf("Token:    valid until %s\n", a.token.ExpiresAt.Format(time.RFC3339))
	fmt.Printf("API:      %s\n", a.cfg.ResolvedBaseURL())
}

func cmdRoster(ctx context.Context, a *app, query, domain string, jsonOut bool) {
	if err := a.roster.Refresh(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	entries := a.roster.Entries(query, domain)
	if jsonOut {
		type row struct {
			Key  string `json:"key"`
			Name string `json:"name"`
		}
		rows := make([]row, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, row{Key: e.Address().Key(), Name: e.DisplayName()})
		}
		outputJSON(rows)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, e := range entries {
		fmt.Printf("%-14s %s\n", e.Address().Key(), e.DisplayName())
	}
}

func cmdWatch(a *app, key string) {
	addr, err := roster.ParseKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ch, unsub := a.bus.Subscribe(bus.KindMessageUpserted, 64)
	defer unsub()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poller := intsync.NewPoller(a.client, a.engine, zap.NewNop(), a.cfg.HistoryPollInterval())
	poller.Select(ctx, addr)
	defer poller.Stop()

	printed := make(map[int64]bool)
	dump := func() {
		msgs, err := a.db.Snapshot(addr.Key())
		if err != nil {
			return
		}
		for _, m := range msgs {
			if printed[m.ID] {
				continue
			}
			printed[m.ID] = true
			dir := "<-"
			if m.FromMe {
				dir = "->"
			}
			ts := time.UnixMilli(m.SentAt).Local().Format("15:04:05")
			fmt.Printf("%s %s [%s] %s\n", ts, dir, m.Status, m.Body)
		}
	}

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", addr.Key())
	dump()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			dump()
		}
	}
}

func cmdSend(ctx context.Context, a *app, key, text, imagePath string) {
	addr, err := roster.ParseKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	draft := outbox.Draft{Text: text}
	if imagePath != "" {
		f, err := os.Open(imagePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		draft.Attachment = &api.Attachment{Name: filepath.Base(imagePath), Reader: f}
	}

	localID, err := a.pipeline.Send(ctx, addr, draft)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: send failed (kept as %s): %v\n", localID, err)
		os.Exit(1)
	}
	fmt.Printf("Sent to %s\n", addr.Key())
}

func cmdNotifications(ctx context.Context, a *app, jsonOut bool) {
	if err := a.notify.Refresh(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	items, err := a.db.ListNotifications()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(items)
		return
	}
	if len(items) == 0 {
		fmt.Println("No notifications.")
		return
	}
	for _, n := range items {
		mark := "*"
		if n.IsRead {
			mark = " "
		}
		ts := time.UnixMilli(n.CreatedAt).Local().Format("2006-01-02 15:04")
		fmt.Printf("%s %6d  %s  [%s] %s\n", mark, n.ID, ts, n.Kind, n.Body)
	}
}

func cmdRead(ctx context.Context, a *app, arg string) {
	if arg == "all" {
		if err := a.notify.MarkAllRead(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("All notifications marked read.")
		return
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid notification id %q\n", arg)
		os.Exit(1)
	}
	if err := a.notify.MarkRead(ctx, id); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Notification %d marked read.\n", id)
}

func cmdGroupCreate(ctx context.Context, a *app, name, members string) {
	if members == "" {
		fmt.Fprintln(os.Stderr, "error: --members is required")
		os.Exit(1)
	}
	var ids []int64
	for _, part := range strings.Split(members, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid member id %q\n", part)
			os.Exit(1)
		}
		ids = append(ids, id)
	}

	groupID, err := a.client.CreateGroup(ctx, name, "", ids)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := a.roster.Refresh(ctx); err == nil {
		fmt.Printf("Group %q created (group:%d)\n", name, groupID)
	} else {
		fmt.Printf("Group %q created (group:%d); roster refresh failed: %v\n", name, groupID, err)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
