package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/eventstore"
	"github.com/loqalabs/loqa-companion/internal/protocol"
	"github.com/nats-io/nats.go"
	flag "github.com/spf13/pflag"
)

var version = "0.1.0-dev"

const usage = `usage: companion-ctl <command> [flags]

commands:
  connect | disconnect | start | stop | cancel   send an intent to a companion
  watch                                          print state changes and transcripts
  sessions                                       list recorded sessions
  timeline <session-id>                          print one recorded session
  version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case protocol.ActionConnect, protocol.ActionDisconnect, protocol.ActionStart, protocol.ActionStop, protocol.ActionCancel:
		err = runIntent(cmd, os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "sessions":
		err = runSessions(os.Args[2:])
	case "timeline":
		err = runTimeline(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type busFlags struct {
	server  string
	device  string
	timeout time.Duration
}

func (b *busFlags) register(fs *flag.FlagSet) {
	fs.StringVarP(&b.server, "server", "s", nats.DefaultURL, "NATS server URL")
	fs.StringVarP(&b.device, "device", "d", "companion-1", "Companion device id")
	fs.DurationVarP(&b.timeout, "timeout", "t", 15*time.Second, "Request timeout")
}

func (b *busFlags) connect() (*nats.Conn, error) {
	conn, err := nats.Connect(b.server, nats.Name("companion-ctl"), nats.Timeout(b.timeout))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", b.server, err)
	}
	return conn, nil
}

func runIntent(action string, args []string) error {
	var bf busFlags
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	bf.register(fs)
	_ = fs.Parse(args)

	conn, err := bf.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	payload, err := json.Marshal(protocol.Intent{DeviceID: bf.device, Action: action, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	msg, err := conn.Request(protocol.IntentSubject(bf.device, action), payload, bf.timeout)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("no companion %q is listening", bf.device)
		}
		return fmt.Errorf("%s: %w", action, err)
	}
	var reply protocol.IntentReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("%s refused in state %s: %s", action, reply.State, reply.Error)
	}
	fmt.Printf("%s ok (state %s)\n", action, reply.State)
	return nil
}

func runWatch(args []string) error {
	var bf busFlags
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	bf.register(fs)
	_ = fs.Parse(args)

	conn, err := bf.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	msgs := make(chan *nats.Msg, 64)
	for _, subject := range []string{
		protocol.StateSubject(bf.device),
		protocol.TranscriptSubject(bf.device, "*"),
		protocol.PresenceSubject(bf.device),
	} {
		sub, err := conn.ChanSubscribe(subject, msgs)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		defer sub.Unsubscribe()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			printMessage(os.Stdout, msg)
		}
	}
}

func printMessage(w io.Writer, msg *nats.Msg) {
	switch {
	case strings.HasPrefix(msg.Subject, protocol.SubjectTranscriptPrefix+"."):
		var t protocol.Transcript
		if err := json.Unmarshal(msg.Data, &t); err == nil {
			fmt.Fprintf(w, "%s  %-10s %s\n", t.Timestamp.Local().Format(time.TimeOnly), t.Role+":", t.Text)
		}
	case strings.HasPrefix(msg.Subject, protocol.SubjectStatePrefix+"."):
		var u protocol.StateUpdate
		if err := json.Unmarshal(msg.Data, &u); err == nil {
			fmt.Fprintf(w, "%s  %-10s %s -> %s  %q\n", u.Timestamp.Local().Format(time.TimeOnly), "state", u.From, u.State, u.DisplayText)
		}
	case strings.HasPrefix(msg.Subject, protocol.SubjectPresencePrefix+"."):
		var p protocol.Presence
		if err := json.Unmarshal(msg.Data, &p); err == nil {
			fmt.Fprintf(w, "%s  %-10s %s\n", p.Timestamp.Local().Format(time.TimeOnly), "presence", p.State)
		}
	}
}

func openStore(args []string, name string) (*eventstore.Store, *flag.FlagSet, error) {
	var path string
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&path, "db", config.Default().EventStore.Path, "Path to the companion event database")
	_ = fs.Parse(args)

	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("event database: %w", err)
	}
	cfg := config.EventStoreConfig{Enabled: true, Path: path, RetentionMode: "persistent"}
	store, err := eventstore.Open(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return nil, nil, err
	}
	return store, fs, nil
}

func runSessions(args []string) error {
	store, _, err := openStore(args, "sessions")
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(context.Background(), 50)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		fmt.Printf("%s  %-24s %-12s %d events\n", s.StartedAt.Local().Format(time.DateTime), s.ID, s.DeviceID, s.Events)
	}
	return nil
}

func runTimeline(args []string) error {
	store, fs, err := openStore(args, "timeline")
	if err != nil {
		return err
	}
	defer store.Close()

	if fs.NArg() != 1 {
		return errors.New("timeline needs exactly one session id")
	}
	events, err := store.ListSessionEvents(context.Background(), fs.Arg(0), 1000)
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Printf("%s  %-20s %s\n", e.CreatedAt.Local().Format(time.TimeOnly), e.Kind, e.Text)
	}
	return nil
}
