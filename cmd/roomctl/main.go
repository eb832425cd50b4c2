// Command roomctl joins a room from the terminal and mints moderator tokens.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/shadow-rooms/internal/api"
	"github.com/npezzotti/shadow-rooms/internal/client"
	"github.com/npezzotti/shadow-rooms/internal/config"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  roomctl join [flags] <room-code>
  roomctl token [flags]
`)
	os.Exit(2)
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "join":
		err = joinCmd(os.Args[2:])
	case "token":
		err = tokenCmd(os.Args[2:], os.Stdout)
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "roomctl:", err)
		os.Exit(1)
	}
}

func tokenCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	key := fs.String("signing-key", config.EnvOr("SIGNING_KEY", ""), "base64 encoded signing key")
	subject := fs.String("subject", "moderator", "token subject")
	exp := fs.Duration("exp", api.DefaultModeratorExp, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	signingKey, err := base64.StdEncoding.DecodeString(*key)
	if err != nil {
		return fmt.Errorf("decode signing key: %w", err)
	}

	token, err := api.CreateModeratorToken(signingKey, *subject, *exp)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func joinCmd(args []string) error {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	baseURL := fs.String("server", config.EnvOr("ROOMS_URL", "http://localhost:3000"), "server base url")
	username := fs.String("username", config.EnvOr("ROOMS_USERNAME", ""), "display name")
	passphrase := fs.String("passphrase", "", "room passphrase")
	session := fs.String("session", config.EnvOr("ROOMS_SESSION", ""), "session token, random when empty")
	fallback := fs.Bool("fallback", false, "use http polling only")
	verbose := fs.Bool("v", false, "log connection details")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		usage()
	}

	logger := log.New(io.Discard, "", 0)
	if *verbose {
		logger = log.New(os.Stderr, "[roomctl] ", log.LstdFlags)
	}

	m, err := client.New(client.Options{
		BaseURL:       *baseURL,
		RoomCode:      fs.Arg(0),
		Username:      *username,
		Passphrase:    *passphrase,
		SessionToken:  *session,
		ForceFallback: *fallback,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Start(ctx); err != nil {
		return err
	}

	go readInput(ctx, m, os.Stdin)

	var result error
	for ev := range m.Events() {
		if t, ok := ev.(client.Terminated); ok {
			result = t.Err
		}
		printEvent(os.Stdout, ev)
	}
	<-m.Done()
	return result
}

func readInput(ctx context.Context, m *client.Manager, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runCommand(ctx, m, line); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		if line == "/quit" {
			return
		}
	}
	m.Leave()
}

func runCommand(ctx context.Context, m *client.Manager, line string) error {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit":
		return m.Leave()
	case "/typing":
		return m.Typing(arg != "off")
	case "/delete":
		id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid message id %q", arg)
		}
		return m.Delete(ctx, id)
	}

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.Send(sendCtx, line)
}

func printEvent(w io.Writer, ev client.Event) {
	switch e := ev.(type) {
	case client.StateChanged:
		fmt.Fprintf(w, "* %s\n", e.State)
	case client.Joined:
		fmt.Fprintf(w, "* joined %s (%d online: %s)\n", e.Room.Name, e.Presence.OnlineCount, strings.Join(e.Presence.OnlineUsers, ", "))
	case client.PresenceChanged:
		fmt.Fprintf(w, "* %d online: %s\n", e.Presence.OnlineCount, strings.Join(e.Presence.OnlineUsers, ", "))
	case client.MessageReceived:
		msg := e.Message
		content := msg.Content
		if msg.Deleted() {
			content = "[deleted]"
		}
		fmt.Fprintf(w, "[%d %s] %s: %s\n", msg.Id, msg.CreatedAt.Local().Format(time.Kitchen), msg.Username, content)
	case client.MessageDeleted:
		fmt.Fprintf(w, "* message %d deleted\n", e.Id)
	case client.TypingChanged:
		if e.IsTyping {
			fmt.Fprintf(w, "* %s is typing\n", e.Username)
		}
	case client.Pinned:
		if e.Message == nil {
			fmt.Fprintln(w, "* pin cleared")
		} else {
			fmt.Fprintf(w, "* pinned %d: %s\n", e.MessageId, e.Message.Content)
		}
	case client.Notice:
		fmt.Fprintf(w, "! %s\n", e.Err.Message)
	case client.Terminated:
		if e.Err != nil {
			fmt.Fprintf(w, "* closed: %v\n", e.Err)
		}
	}
}
