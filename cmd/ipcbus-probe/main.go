// ipcbus-probe dials a master directly and prints the raw frames it
// exchanges, bypassing ipc.Peer entirely. It is a wire-level diagnostic
// tool, not an example of how to use the library.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type authFrame struct {
	Type    string   `json:"type"`
	Data    string   `json:"data,omitempty"`
	OK      *bool    `json:"ok,omitempty"`
	Message string   `json:"message,omitempty"`
	Labels  []string `json:"labels,omitempty"`
}

func main() {
	addr := flag.String("addr", "localhost:46000", "master address")
	path := flag.String("path", "/nextcord-ipc", "websocket path")
	secret := flag.String("secret", "", "shared secret")
	count := flag.Int("count", 10, "stop after this many frames (0 = unlimited)")
	timeout := flag.Duration("timeout", 15*time.Second, "read deadline per frame")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *addr, Path: *path}
	log.Printf("connecting to %s", u.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			log.Fatalf("dial error: %v (status=%s)", err, resp.Status)
		}
		log.Fatalf("dial error: %v", err)
	}
	defer c.Close()

	if err := c.WriteJSON(authFrame{Type: "auth", Data: *secret}); err != nil {
		log.Fatalf("failed sending auth frame: %v", err)
	}
	var reply authFrame
	if err := c.ReadJSON(&reply); err != nil {
		log.Fatalf("failed reading auth reply: %v", err)
	}
	if reply.OK == nil || !*reply.OK {
		log.Fatalf("auth rejected: %s", reply.Message)
	}
	log.Printf("authenticated, %d seeded label(s)", len(reply.Labels))

	for i := 0; *count == 0 || i < *count; i++ {
		c.SetReadDeadline(time.Now().Add(*timeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			log.Printf("read error: %v", err)
			os.Exit(1)
		}
		fmt.Printf("frame[%d]=%s\n", i, string(msg))
	}
}
