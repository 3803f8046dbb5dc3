package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-callout/internal/bus"
	"github.com/loqalabs/loqa-callout/internal/config"
	"github.com/loqalabs/loqa-callout/internal/match"
	"github.com/loqalabs/loqa-callout/internal/presence"
	"github.com/loqalabs/loqa-callout/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'tail', 'press', 'release', 'status', 'vocab' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "tail":
		err = runTail(os.Args[2:])
	case "press", "release":
		err = runTrigger(os.Args[1], os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "vocab":
		err = runVocab(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runTail prints every event streamed by calloutd until interrupted.
func runTail(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	url := fs.String("url", "ws://127.0.0.1:8080/ws", "Streaming server websocket URL")
	raw := fs.Bool("raw", false, "Print raw JSON messages")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, _, err := gws.DefaultDialer.DialContext(ctx, *url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", *url, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(gws.CloseMessage,
			gws.FormatCloseMessage(gws.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if *raw {
			fmt.Println(string(data))
			continue
		}
		fmt.Println(formatMessage(data))
	}
}

func formatMessage(data []byte) string {
	var msg struct {
		Type protocol.Category `json:"type"`
		Data json.RawMessage   `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return string(data)
	}
	ts := time.Now().Format("15:04:05")
	switch msg.Type {
	case protocol.CategoryVehicle:
		var v protocol.VehiclePayload
		if err := json.Unmarshal(msg.Data, &v); err == nil {
			if v.Image != nil {
				return fmt.Sprintf("%s vehicle %s (%s)", ts, v.Name, *v.Image)
			}
			return fmt.Sprintf("%s vehicle %s", ts, v.Name)
		}
	case protocol.CategoryMatch, protocol.CategoryLog:
		var s string
		if err := json.Unmarshal(msg.Data, &s); err == nil {
			return fmt.Sprintf("%s %-7s %s", ts, msg.Type, s)
		}
	}
	return fmt.Sprintf("%s %s", ts, data)
}

// runTrigger sends one push-to-talk edge over HTTP, or over NATS when -nats
// is given.
func runTrigger(edge string, args []string) error {
	fs := flag.NewFlagSet(edge, flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8080", "calloutd HTTP address")
	natsURL := fs.String("nats", "", "Publish on the bus instead of HTTP")
	prefix := fs.String("prefix", "callout", "Bus subject prefix")
	fs.Parse(args)

	if *natsURL != "" {
		conn, err := nats.Connect(*natsURL, nats.Name("callout-cli"))
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer conn.Close()
		payload, err := json.Marshal(protocol.TriggerEdge{Edge: edge})
		if err != nil {
			return err
		}
		subject := *prefix + "." + protocol.SubjectTrigger
		if err := conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
		return conn.Flush()
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(strings.TrimRight(*addr, "/")+"/trigger/"+edge, "application/json", nil)
	if err != nil {
		return fmt.Errorf("post %s: %w", edge, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%s rejected: %s", edge, resp.Status)
	}
	return nil
}

// runStatus asks a bus-connected calloutd for its status snapshot.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	natsURL := fs.String("nats", "nats://127.0.0.1:4222", "NATS server URL")
	prefix := fs.String("prefix", "callout", "Bus subject prefix")
	timeout := fs.Duration("timeout", 2*time.Second, "Request timeout")
	fs.Parse(args)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{*natsURL},
		ConnectTimeout: int(timeout.Milliseconds()),
		SubjectPrefix:  *prefix,
	}, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	st, err := presence.Query(ctx, client)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// runVocab validates a road vocabulary file and optionally scores a phrase
// against it.
func runVocab(args []string) error {
	fs := flag.NewFlagSet("vocab", flag.ExitOnError)
	path := fs.String("file", "roads.json", "Path to road vocabulary")
	text := fs.String("match", "", "Phrase to score against the vocabulary")
	threshold := fs.Int("threshold", 65, "Match threshold")
	fs.Parse(args)

	vocab, err := match.LoadRoads(*path)
	if err != nil {
		return err
	}
	if vocab.Len() == 0 {
		return errors.New("vocabulary is empty")
	}
	fmt.Printf("%d roads\n", vocab.Len())
	if *text == "" {
		return nil
	}

	m := match.NewMatcher(match.Road, vocab, *threshold, nil)
	res, ok := m.Match(*text)
	verdict := "no match"
	if ok {
		verdict = "match"
	}
	fmt.Printf("%s: %q score=%d\n", verdict, res.Text, res.Score)
	return nil
}
