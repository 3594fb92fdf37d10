// arbor CLI - command line client for the arbor chat service
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/arborlabs/arbor/clients/go/arbor"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("ARBOR_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client := arbor.NewClient(baseURL, os.Getenv("ARBOR_TOKEN"))
	ctx := context.Background()
	cmd := os.Args[1]

	switch cmd {
	case "health":
		exitOnError(client.Health(ctx))
		fmt.Println("ok")

	case "chats":
		chats, err := client.ListChats(ctx)
		exitOnError(err)
		for _, c := range chats {
			shared := ""
			if c.IsPublic {
				shared = " (shared)"
			}
			fmt.Printf("  %s  %s%s\n", c.ID, c.Title, shared)
		}

	case "read":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: arbor read <chat_id> [leaf_message_id]")
			os.Exit(1)
		}
		msgs, err := client.ListMessages(ctx, os.Args[2])
		exitOnError(err)
		session := arbor.NewSession(os.Args[2], msgs)

		var leafID string
		if len(os.Args) > 3 {
			leafID = os.Args[3]
		} else if roots := session.Roots(); len(roots) > 0 {
			leaf, _ := session.MostRecentLeaf(roots[0].ID)
			leafID = leaf.ID
		}
		for _, m := range session.ActiveBranch(leafID) {
			fmt.Printf("[%s] %s\n", m.Role, m.Content)
		}

	case "ask":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: arbor ask <message> [chat_id]")
			os.Exit(1)
		}
		chatID := uuid.New().String()
		var parent *string
		if len(os.Args) > 3 {
			chatID = os.Args[3]
			msgs, err := client.ListMessages(ctx, chatID)
			exitOnError(err)
			session := arbor.NewSession(chatID, msgs)
			if roots := session.Roots(); len(roots) > 0 {
				leaf, _ := session.MostRecentLeaf(roots[0].ID)
				parent = &leaf.ID
			}
		}

		msg, err := client.SubmitMessage(ctx, chatID, arbor.SubmitMessageRequest{
			Content:         os.Args[2],
			ParentMessageID: parent,
		})
		exitOnError(err)

		reply, err := client.WaitForReply(ctx, chatID, msg.ID, os.Getenv("ARBOR_MODEL"))
		exitOnError(err)
		fmt.Println(reply)
		fmt.Fprintf(os.Stderr, "\nchat: %s\n", chatID)

	case "reroll":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: arbor reroll <chat_id> <message_id>")
			os.Exit(1)
		}
		chatID, messageID := os.Args[2], os.Args[3]
		msgs, err := client.ListMessages(ctx, chatID)
		exitOnError(err)
		session := arbor.NewSession(chatID, msgs)

		// Regenerate from the parent: the old reply stays as a sibling branch.
		chain := session.ActiveBranch(messageID)
		if len(chain) < 2 {
			fmt.Fprintln(os.Stderr, "Error: message has no parent to regenerate from")
			os.Exit(1)
		}
		parentID := chain[len(chain)-2].ID

		reply, err := client.WaitForReply(ctx, chatID, parentID, os.Getenv("ARBOR_MODEL"))
		exitOnError(err)
		fmt.Println(reply)

	case "share":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: arbor share <chat_id> [on|off]")
			os.Exit(1)
		}
		public := true
		if len(os.Args) > 3 && os.Args[3] == "off" {
			public = false
		}
		chat, err := client.UpdateSharing(ctx, os.Args[2], public)
		exitOnError(err)
		printJSON(chat)

	case "shared":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: arbor shared <chat_id>")
			os.Exit(1)
		}
		resp, err := client.GetSharedChat(ctx, os.Args[2])
		exitOnError(err)
		fmt.Printf("# %s\n\n", resp.Chat.Title)
		session := arbor.NewSession(resp.Chat.ID, resp.Messages)
		if roots := session.Roots(); len(roots) > 0 {
			leaf, _ := session.MostRecentLeaf(roots[0].ID)
			for _, m := range session.ActiveBranch(leaf.ID) {
				fmt.Printf("[%s] %s\n", m.Role, m.Content)
			}
		}

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`arbor CLI - branching chat with streamed replies

Usage: arbor <command> [options]

Commands:
  ask <message> [chat]          Send a message and stream the reply
  read <chat> [leaf]            Show a chat's active branch
  reroll <chat> <message_id>    Regenerate a reply as a new branch
  chats                         List your chats
  share <chat> [on|off]         Toggle public sharing
  shared <chat>                 Read a publicly shared chat
  health                        Check server health

Environment:
  ARBOR_URL     Server URL (default: http://localhost:8080)
  ARBOR_TOKEN   Bearer token for authenticated commands
  ARBOR_MODEL   Model override for generations`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
