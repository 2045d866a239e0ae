// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command riverecho is a minimal demonstration of a client and server
// exchanging messages over an in-memory transport: a server echoes every
// payload it receives, and the client prints every reply.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/riverrpc/river"
	"github.com/riverrpc/river/codec"
	"github.com/riverrpc/river/retrybudget"
	"github.com/riverrpc/river/transport"
)

func main() {
	message := flag.String("message", "hello from riverecho", "payload to send to the echo server")
	count := flag.Int("count", 3, "number of messages to send")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	network := transport.NewInMemoryNetwork()

	serverOptions := river.DefaultSessionOptions(codec.JSON())
	serverOptions.Logger = logger.With("side", "server")
	server := river.NewServerTransport("server", serverOptions, nil)

	network.Listen("server", server.HandleConnection)

	server.Events().Message.On(func(ev river.MessageEvent) {
		msg := ev.Message
		logger.Info("server received message", "from", msg.From, "payload", string(msg.Payload))
		if err := server.Send(msg.From, river.OutboundMessage{
			ServiceName:   msg.ServiceName,
			ProcedureName: msg.ProcedureName,
			Payload:       msg.Payload,
		}); err != nil {
			logger.Error("server echo failed", "error", err)
		}
	})

	clientOptions := river.DefaultSessionOptions(codec.JSON())
	clientOptions.Logger = logger.With("side", "client")
	budget := retrybudget.New(retrybudget.DefaultOptions())
	client := river.NewClientTransport("client", network.Dial, budget, clientOptions, nil)

	done := make(chan struct{})
	received := 0
	client.Events().Message.On(func(ev river.MessageEvent) {
		logger.Info("client received reply", "payload", string(ev.Message.Payload))
		received++
		if received >= *count {
			close(done)
		}
	})
	client.Events().ProtocolError.On(func(err *river.ProtocolError) {
		logger.Error("protocol error", "error", err)
	})

	client.Connect("server")

	for i := 0; i < *count; i++ {
		payload, _ := json.Marshal(fmt.Sprintf("%s #%d", *message, i))
		if err := client.Send("server", river.OutboundMessage{
			ProcedureName: "echo",
			Payload:       payload,
		}); err != nil {
			logger.Error("send failed", "error", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("timed out waiting for all echoes")
	}

	client.Close()
	server.Close()
}
