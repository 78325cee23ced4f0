// Command simulate_agent connects a fake node agent to a locally
// running control plane. It heartbeats every few seconds and answers
// the hub's commands with plausible data, which is enough to exercise
// drain, recovery and the watchdog end to end without a real node.
//
// Usage:
//
//	go run scripts/simulate_agent.go -url ws://localhost:8080/ws/agent -node node-sim-1
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

type command struct {
	ID     string          `json:"id"`
	Cmd    string          `json:"cmd"`
	Params json.RawMessage `json:"params,omitempty"`
}

type reply struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws/agent", "agent websocket endpoint")
	node := flag.String("node", "node-sim-1", "node id to register as")
	instances := flag.Int("instances", 3, "instance count reported in stats")
	flag.Parse()

	header := http.Header{"X-Node-ID": []string{*node}}
	conn, _, err := websocket.DefaultDialer.Dial(*url, header)
	if err != nil {
		log.Fatalf("dial %s: %v", *url, err)
	}
	defer conn.Close()
	log.Printf("connected as %s", *node)

	// Heartbeat frames carry no id.
	go func() {
		for range time.Tick(5 * time.Second) {
			if err := conn.WriteJSON(map[string]string{"node": *node}); err != nil {
				return
			}
		}
	}()

	for {
		var cmd command
		if err := conn.ReadJSON(&cmd); err != nil {
			log.Fatalf("read: %v", err)
		}
		log.Printf("<- %s %s", cmd.Cmd, string(cmd.Params))

		rep := reply{ID: cmd.ID, OK: true}
		switch cmd.Cmd {
		case "stats.get":
			rep.Data = map[string]any{
				"instances": *instances,
				"cpuLoad":   rand.Float64(),
				"memUsedMb": 512 + rand.Intn(2048),
			}
		case "export.begin":
			rep.Data = map[string]string{
				"backupKey": fmt.Sprintf("backups/%s/%d.tar.zst", *node, time.Now().Unix()),
			}
		case "restore.begin", "drain.step":
			// Pretend the work takes a moment.
			time.Sleep(200 * time.Millisecond)
		default:
			rep.OK = false
			rep.Error = "unknown command " + cmd.Cmd
		}

		if err := conn.WriteJSON(rep); err != nil {
			log.Fatalf("write: %v", err)
		}
	}
}
