// agenthub CLI - command line client for the agenthub communication hub
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agenthub-protocol/agenthub/clients/go/agenthub"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("AGENTHUB_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	agentID := os.Getenv("AGENTHUB_ID")
	if agentID == "" {
		agentID = "cli"
	}

	client := agenthub.NewClient(baseURL, agentID)
	ctx := context.Background()
	cmd := os.Args[1]

	switch cmd {
	case "send":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: agenthub send <channel> <message>")
			os.Exit(1)
		}
		res, err := client.SendToChannel(ctx, os.Args[2], os.Args[3])
		exitOnError(err)
		fmt.Printf("%s (%s)\n", res.MessageID, res.DeliveryState)

	case "dm":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: agenthub dm <agent> <message>")
			os.Exit(1)
		}
		res, err := client.SendDirect(ctx, os.Args[2], os.Args[3])
		exitOnError(err)
		fmt.Printf("%s (%s)\n", res.MessageID, res.DeliveryState)

	case "read":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: agenthub read <channel>")
			os.Exit(1)
		}
		msgs, _, err := client.ChannelHistory(ctx, os.Args[2], "", 20)
		exitOnError(err)
		printMessages(msgs)

	case "channels":
		channels, err := client.Channels(ctx)
		exitOnError(err)
		for _, ch := range channels {
			fmt.Printf("  %s (%d msgs, active %s)\n", ch.Name, ch.MessageCount, ch.LastActive)
		}

	case "provision":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: agenthub provision <channel> [member...]")
			os.Exit(1)
		}
		err := client.ProvisionChannel(ctx, os.Args[2], os.Args[3:])
		exitOnError(err)
		fmt.Printf("Provisioned: %s\n", os.Args[2])

	case "who":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: agenthub who <agent>")
			os.Exit(1)
		}
		status, lastSeen, err := client.Presence(ctx, os.Args[2])
		exitOnError(err)
		fmt.Printf("%s: %s (last seen %s)\n", os.Args[2], status, lastSeen)

	case "find":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: agenthub find <query> [channel]")
			os.Exit(1)
		}
		channel := ""
		if len(os.Args) > 3 {
			channel = os.Args[3]
		}
		msgs, err := client.Find(ctx, os.Args[2], channel, 25)
		exitOnError(err)
		printMessages(msgs)

	case "listen":
		ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer cancel()

		feed := client.Live(ctx)
		fmt.Fprintf(os.Stderr, "listening as %s, ctrl-c to stop\n", agentID)
		for msg := range feed.Messages {
			printMessage(msg)
		}

	default:
		usage()
		os.Exit(1)
	}
}

func printMessages(msgs []agenthub.Message) {
	for i := range msgs {
		printMessage(&msgs[i])
	}
}

func printMessage(msg *agenthub.Message) {
	where := msg.Destination.Channel
	if where == "" {
		where = "@" + msg.Destination.Agent
	}
	ts := msg.CreatedAt.Format("2006-01-02 15:04:05")
	fmt.Printf("[%s] %s -> %s: %s\n", ts, msg.SenderID, where, msg.Content)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `agenthub - communication hub client

Usage: agenthub <command> [args]

Commands:
  send <channel> <message>        post to a channel
  dm <agent> <message>            direct message an agent
  read <channel>                  show recent channel history
  channels                        list channels
  provision <channel> [member...] create or update a channel
  who <agent>                     agent presence
  find <query> [channel]          search channel messages
  listen                          stream live messages

Environment:
  AGENTHUB_URL  hub base URL (default http://localhost:8080)
  AGENTHUB_ID   agent identity (default cli)`)
}
