package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mahaj/batua-realtime/pkg/chat"
	"github.com/mahaj/batua-realtime/pkg/friends"
	"github.com/mahaj/batua-realtime/pkg/notify"
	"github.com/mahaj/batua-realtime/pkg/presence"
	"github.com/mahaj/batua-realtime/pkg/rest"
	"github.com/mahaj/batua-realtime/pkg/transport"
)

func main() {
	relayAddr := flag.String("relay", envOr("BATUA_RELAY", "ws://localhost:8080/ws"), "relay websocket url")
	apiAddr := flag.String("api", envOr("BATUA_API", "http://localhost:8081"), "rest api address")
	phone := flag.String("user", "9900000001", "phone number to log in as")
	flag.Parse()

	ctx := context.Background()

	// 1. Login to get token
	api := rest.NewClient(*apiAddr)
	log.Printf("Logging in as %s...", *phone)
	token, err := api.Login(ctx, *phone)
	if err != nil {
		log.Fatal("Login failed:", err)
	}

	// 2. Connect to the relay
	session, err := transport.Dial(ctx, *relayAddr, token, transport.DefaultConfig())
	if err != nil {
		log.Fatal("Connect failed:", err)
	}
	session.OnStateChange(func(st transport.State) {
		fmt.Printf("\r[connection: %s]\n> ", st)
	})

	// 3. Wire the components
	dispatcher := notify.NewDispatcher(func(n notify.Notification) error {
		fmt.Printf("\r*** %s: %s\n> ", n.Title, n.Body)
		return nil
	})

	reconciler := chat.NewReconciler(*phone, session, api, dispatcher, chat.DefaultConfig())
	reconciler.Attach()

	typing := presence.NewTracker(*phone, session, presence.DefaultConfig())
	typing.Attach()
	typing.OnChange(func(peer string, isTyping bool) {
		if isTyping {
			fmt.Printf("\r%s is typing...\n> ", peer)
		}
	})

	social := friends.NewSynchronizer(*phone, session, api, dispatcher)
	social.Attach()
	social.OnFriendRemoved(func(peer string) {
		reconciler.RemoveConversation(peer)
		typing.Forget(peer)
	})
	if err := social.Refresh(ctx); err != nil {
		log.Printf("Friend refresh failed: %v", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// 4. Read commands from stdin
	current := "" // open conversation peer
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
			case line == "/quit":
				close(interrupt)
				return
			case line == "/friends":
				for _, f := range social.Friends() {
					fmt.Printf("  %s (%s) %s\n", f.DisplayName, f.Phone, f.Presence)
				}
			case line == "/requests":
				for _, r := range social.PendingRequests() {
					fmt.Printf("  %s: %s (%s)\n", r.ID, r.FromName, r.From)
				}
			case strings.HasPrefix(line, "/add "):
				if _, err := social.SendRequest(ctx, strings.TrimSpace(line[5:])); err != nil {
					fmt.Println("  error:", err)
				}
			case strings.HasPrefix(line, "/accept "):
				if err := social.Respond(ctx, strings.TrimSpace(line[8:]), "accept"); err != nil {
					fmt.Println("  error:", err)
				}
			case strings.HasPrefix(line, "/reject "):
				if err := social.Respond(ctx, strings.TrimSpace(line[8:]), "reject"); err != nil {
					fmt.Println("  error:", err)
				}
			case strings.HasPrefix(line, "/unfriend "):
				if err := social.Unfriend(ctx, strings.TrimSpace(line[10:])); err != nil {
					fmt.Println("  error:", err)
				}
			case strings.HasPrefix(line, "/open "):
				if current != "" {
					reconciler.CloseConversation(current)
				}
				current = strings.TrimSpace(line[6:])
				msgs, err := reconciler.OpenConversation(ctx, current)
				if err != nil {
					fmt.Println("  error:", err)
					current = ""
					break
				}
				for _, m := range msgs {
					fmt.Printf("  %s: %s\n", m.Sender, m.Body)
				}
			case line == "/typing":
				if current != "" {
					typing.Keystroke(current)
				}
			default:
				if current == "" {
					fmt.Println("  open a conversation first: /open <phone>")
					break
				}
				msg, err := reconciler.SendMessage(ctx, current, line)
				var sendErr *chat.SendError
				if errors.As(err, &sendErr) {
					fmt.Printf("  not delivered (will keep it for retry as %s): %v\n", msg.ID, err)
				} else if err != nil {
					fmt.Println("  error:", err)
				} else {
					typing.Sent(current)
				}
			}
			fmt.Print("> ")
		}
	}()

	<-interrupt
	log.Println("Shutting down...")

	// Teardown order matters: detach components, then close the session so
	// no timer or handler outlives it.
	typing.Close()
	reconciler.Close()
	social.Close()
	session.Close()
	time.Sleep(100 * time.Millisecond)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
