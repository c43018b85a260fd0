// Command rudp-echo-client connects to a rudp-echo-server, sends one
// reliable payload per line of stdin, and prints whatever comes back.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"rudp/client"
	"rudp/eventloop"
	"rudp/pkg/logger"
)

const version = "1.0.0"

func main() {
	logger.Banner("rudp echo client", version)

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <host:port>\n", os.Args[0])
		os.Exit(1)
	}
	target := os.Args[1]

	loop := eventloop.New()
	defer loop.Stop()

	done := make(chan struct{})
	shell := client.New(loop, nil, logger.Base(), client.Callbacks{
		Connected: func() {
			logger.Success("connected to %s", target)
		},
		ServerLost: func() {
			logger.Warn("server lost")
			close(done)
		},
		HandlePacket: func(subCmd byte, data []byte) {
			fmt.Printf("recv [%d]: %s\n", subCmd, data)
		},
	}, nil)

	if err := shell.Connect(target); err != nil {
		logger.Fatal("connect: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go readStdin(shell)

	select {
	case <-done:
	case sig := <-sigCh:
		logger.Warn("received signal: %v", sig)
		shell.Close()
	}
}

func readStdin(shell *client.Shell) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := shell.Send(1, scanner.Bytes(), true); err != nil {
			logger.Warn("send failed: %v", err)
		}
	}
}
