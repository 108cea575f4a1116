package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	cli "github.com/spf13/pflag"

	"darko/internal/ipc"
)

const usage = `usage: darko-ctl [--socket PATH] start|stop|reset|status|say <text>`

func main() {
	socket := cli.StringP("socket", "s", ipc.DefaultSocketPath, "Daemon control socket")
	timeout := cli.DurationP("timeout", "t", 2*time.Minute, "How long to wait for the reply")
	cli.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		cli.PrintDefaults()
	}
	cli.Parse()

	args := cli.Args()
	if len(args) == 0 {
		cli.Usage()
		os.Exit(2)
	}

	msg := ipc.ControlMessage{Cmd: args[0]}
	switch msg.Cmd {
	case ipc.CmdStart, ipc.CmdStop, ipc.CmdReset, ipc.CmdStatus:
	case ipc.CmdSay:
		msg.Text = strings.Join(args[1:], " ")
		if msg.Text == "" {
			cli.Usage()
			os.Exit(2)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", msg.Cmd)
		cli.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	reply, err := ipc.SendCommand(ctx, *socket, msg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "darko not running:", err)
		os.Exit(1)
	}
	if !reply.OK {
		fmt.Fprintln(os.Stderr, "error:", reply.Error)
		os.Exit(1)
	}
	fmt.Println(reply.Message)
}
