package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flexiblepower/defpi-core-sub002/internal/agent"
	"github.com/flexiblepower/defpi-core-sub002/internal/config"
	"github.com/nats-io/nats.go"
)

// agent-sim answers agent commands on a local NATS server so the
// orchestrator can be exercised without real nodes.
func main() {
	var (
		failRate  = flag.Float64("fail-rate", 0, "Fraction of commands to reject (0..1)")
		retryable = flag.Bool("retryable", true, "Mark rejections as retryable")
		latency   = flag.Duration("latency", 100*time.Millisecond, "Delay before replying")
	)
	flag.Parse()

	if *failRate < 0 || *failRate > 1 {
		panic("--fail-rate must be within 0..1")
	}

	cfg := config.Load()

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("defpi-agent-sim"))
	if err != nil {
		panic(err)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(agent.Subject(">"), func(m *nats.Msg) {
		var cmd agent.Command
		reply := agent.Reply{OK: true}
		if err := json.Unmarshal(m.Data, &cmd); err != nil {
			reply = agent.Reply{Error: "bad command: " + err.Error()}
		} else if rand.Float64() < *failRate {
			reply = agent.Reply{Error: "simulated failure", Retryable: *retryable}
		}

		time.Sleep(*latency)
		b, _ := json.Marshal(reply)
		fmt.Printf("%s op=%s ok=%t %s\n", m.Subject, cmd.Op, reply.OK, reply.Error)
		_ = m.Respond(b)
	})
	if err != nil {
		panic(err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	fmt.Println("agent-sim listening on", agent.Subject(">"))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	fmt.Println("done")
}
