// Command livetail is a development tool that dials a project's feed
// over the websocket transport (§4.H's alternative to SSE) and prints
// each span event to stdout as it arrives, using pkg/websocket.Client's
// reconnecting connection against the same feed the browser SSE client
// consumes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	ws "sideseat/pkg/websocket"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "server host:port")
	projectID := flag.String("project", "", "project id to tail (required)")
	traceID := flag.String("trace", "", "filter to a single trace id")
	sessionID := flag.String("session", "", "filter to a single session id")
	insecure := flag.Bool("insecure", true, "use ws:// instead of wss://")
	flag.Parse()

	if *projectID == "" {
		fmt.Fprintln(os.Stderr, "livetail: -project is required")
		os.Exit(2)
	}

	target := buildURL(*addr, *projectID, *traceID, *sessionID, *insecure)

	cfg := ws.DefaultClientConfig()
	cfg.URL = target
	client := ws.NewClient(cfg)

	client.OnEvent("message", func(_ string, data []byte) error {
		printEvent(data)
		return nil
	})
	client.OnError(func(err error) {
		fmt.Fprintf(os.Stderr, "livetail: %v\n", err)
	})
	client.OnStateChange(func(oldState, newState ws.ConnectionState) {
		fmt.Fprintf(os.Stderr, "livetail: %s -> %s\n", oldState, newState)
	})

	if err := client.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "livetail: connect failed: %v\n", err)
		os.Exit(1)
	}
	defer client.Disconnect()

	fmt.Fprintf(os.Stderr, "livetail: tailing %s\n", target)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}

func buildURL(addr, projectID, traceID, sessionID string, insecure bool) string {
	scheme := "wss"
	if insecure {
		scheme = "ws"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   addr,
		Path:   fmt.Sprintf("/v1/projects/%s/feed/ws", projectID),
	}
	q := u.Query()
	if traceID != "" {
		q.Set("trace_id", traceID)
	}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func printEvent(data []byte) {
	var pretty map[string]any
	if err := json.Unmarshal(data, &pretty); err != nil {
		fmt.Printf("%s\n", data)
		return
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Printf("%s\n", data)
		return
	}
	fmt.Printf("[%s] %s\n", time.Now().Format(time.RFC3339), out)
}
