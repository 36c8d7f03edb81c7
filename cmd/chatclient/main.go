// Package main runs the terminal chat client.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	chatclientcmd "github.com/louisbranch/classroom.chat/internal/cmd/chatclient"
	"github.com/louisbranch/classroom.chat/internal/platform/config"
)

func main() {
	cfg, err := chatclientcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	config.ExitOnError("parse flags", err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ExitOnError("chat client", chatclientcmd.Run(ctx, cfg, os.Stdin, os.Stdout))
}
