// Package main provides an interactive probe client for the presence
// websocket. It logs in, answers heartbeats, and relays typed JSON frames.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
)

func main() {
	host := flag.String("host", "localhost:8418", "Broker host")
	handle := flag.String("handle", "", "Handle to log in with (guest mode)")
	token := flag.String("token", "", "Identity provider bearer token")
	resume := flag.String("resume", "", "Resume token from a previous session")
	visibility := flag.String("visibility", "", "Initial visibility mode")
	flag.Parse()

	if *handle == "" && *token == "" && *resume == "" {
		log.Fatal("at least one of -handle, -token, or -resume is required")
	}

	u := url.URL{Scheme: "ws", Host: *host, Path: "/ws/"}
	log.Printf("Connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	login := map[string]interface{}{"type": "login"}
	if *handle != "" {
		login["handle"] = *handle
	}
	if *token != "" {
		login["token"] = *token
	}
	if *resume != "" {
		login["resumeToken"] = *resume
	}
	if *visibility != "" {
		login["visibilityMode"] = *visibility
	}
	if err := conn.WriteJSON(login); err != nil {
		log.Fatalf("Login write failed: %v", err)
	}

	done := make(chan struct{})

	// Reader: print everything, answer heartbeat pings.
	go func() {
		defer close(done)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				log.Printf("Connection closed: %v", err)
				return
			}
			var frame map[string]interface{}
			if err := json.Unmarshal(message, &frame); err != nil {
				fmt.Printf("<< %s\n", message)
				continue
			}
			if frame["t"] == "hb" && frame["ack"] == nil {
				_ = conn.WriteJSON(map[string]interface{}{"t": "hb", "ts": frame["ts"]})
				continue
			}
			pretty, _ := json.MarshalIndent(frame, "", "  ")
			fmt.Printf("<< %s\n", pretty)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	// Writer: each stdin line is sent as a raw frame. A few shorthands
	// expand to full frames.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			frame := expandShorthand(line)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				log.Printf("Write failed: %v", err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-interrupt:
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
}

// expandShorthand turns a few terse commands into protocol frames so the
// probe is usable without typing JSON. Anything unrecognized passes through
// as-is.
func expandShorthand(line string) string {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/status":
		if len(fields) < 2 {
			return line
		}
		frame := map[string]interface{}{"type": "statusUpdate", "activity": fields[1]}
		if len(fields) > 2 {
			frame["project"] = fields[2]
		}
		if len(fields) > 3 {
			frame["language"] = fields[3]
		}
		out, _ := json.Marshal(frame)
		return string(out)
	case "/invite":
		out, _ := json.Marshal(map[string]interface{}{"type": "createInvite"})
		return string(out)
	case "/accept":
		if len(fields) < 2 {
			return line
		}
		out, _ := json.Marshal(map[string]interface{}{"type": "acceptInvite", "code": fields[1]})
		return string(out)
	case "/msg":
		if len(fields) < 3 {
			return line
		}
		out, _ := json.Marshal(map[string]interface{}{
			"type": "chat.send", "to": fields[1], "body": strings.Join(fields[2:], " "),
		})
		return string(out)
	default:
		return line
	}
}
