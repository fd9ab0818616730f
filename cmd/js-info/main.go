package main

import (
	"context"
	"fmt"

	"github.com/flexiblepower/defpi-core-sub002/internal/config"
	"github.com/flexiblepower/defpi-core-sub002/internal/events"
	"github.com/flexiblepower/defpi-core-sub002/internal/logging"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Service: "defpi-js-info"})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	pub, err := events.New(context.Background(), events.Config{
		NATSURL:    cfg.NATSURL,
		StreamName: cfg.NATSStreamName,
	})
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer pub.Close()

	js := pub.JetStream()

	info, err := js.StreamInfo(cfg.NATSStreamName)
	if err != nil {
		logger.Fatal("StreamInfo failed", zap.Error(err))
	}

	fmt.Println("STREAM:", info.Config.Name, "max_age=", info.Config.MaxAge)
	fmt.Println("SUBJECTS:")
	for _, s := range info.Config.Subjects {
		fmt.Println(" -", s)
	}
	fmt.Println("STATE:", "msgs=", info.State.Msgs, "bytes=", info.State.Bytes, "consumers=", info.State.Consumers)

	for name := range js.ConsumerNames(cfg.NATSStreamName) {
		ci, err := js.ConsumerInfo(cfg.NATSStreamName, name)
		if err != nil {
			logger.Warn("ConsumerInfo failed", zap.String("consumer", name), zap.Error(err))
			continue
		}
		fmt.Println("CONSUMER:", name, "pending=", ci.NumPending, "ack_pending=", ci.NumAckPending)
	}
}
