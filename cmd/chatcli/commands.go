package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/loanchat/chat-app/internal/client"
	"github.com/loanchat/chat-app/internal/identity"
	"github.com/loanchat/chat-app/internal/logging"
	"github.com/loanchat/chat-app/internal/protocol"
	"github.com/loanchat/chat-app/internal/unread"
)

// common holds the flags shared by the connecting commands.
type common struct {
	url     *string
	user    *string
	secret  *string
	issuer  *string
	token   *string
	logLvl  *string
	timeout *time.Duration
}

func commonFlags(fs *flag.FlagSet) *common {
	return &common{
		url:     fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL"),
		user:    fs.String("user", "", "User id to sign a development token for"),
		secret:  fs.String("secret", os.Getenv("LOANCHAT_AUTH_JWT_SECRET"), "JWT signing secret for -user"),
		issuer:  fs.String("issuer", "", "JWT issuer for -user"),
		token:   fs.String("token", os.Getenv("LOANCHAT_TOKEN"), "Access token, overrides -user"),
		logLvl:  fs.String("log-level", "warn", "Log level"),
		timeout: fs.Duration("timeout", 10*time.Second, "Request timeout"),
	}
}

func (c *common) tokens() (client.TokenProvider, error) {
	if *c.token != "" {
		tok := *c.token
		return func(context.Context) (string, error) { return tok, nil }, nil
	}
	if *c.user == "" || *c.secret == "" {
		return nil, errors.New("either -token or both -user and -secret are required")
	}
	user, secret, issuer := *c.user, *c.secret, *c.issuer
	return func(context.Context) (string, error) {
		return identity.IssueToken(secret, issuer, user, time.Hour)
	}, nil
}

func (c *common) connect(ctx context.Context) (*client.Factory, *client.Session, error) {
	logging.Setup(*c.logLvl, "console")

	tokens, err := c.tokens()
	if err != nil {
		return nil, nil, err
	}
	config := client.DefaultConfig()
	config.URL = *c.url
	config.RequestTimeout = *c.timeout

	f := client.NewFactory(config, client.WSDialer{Timeout: *c.timeout, WriteTimeout: *c.timeout})
	s, err := f.GetOrCreateConnection(ctx, tokens)
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", *c.url, err)
	}
	return f, s, nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "User id")
	secret := fs.String("secret", os.Getenv("LOANCHAT_AUTH_JWT_SECRET"), "JWT signing secret")
	issuer := fs.String("issuer", "", "JWT issuer")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	fs.Parse(args)

	if *user == "" || *secret == "" {
		return errors.New("-user and -secret are required")
	}
	tok, err := identity.IssueToken(*secret, *issuer, *user, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func runUnread(args []string) error {
	fs := flag.NewFlagSet("unread", flag.ExitOnError)
	c := commonFlags(fs)
	loans := fs.String("loans", "", "Comma-separated loan ids")
	fs.Parse(args)

	ids := splitList(*loans)
	if len(ids) == 0 {
		return errors.New("-loans is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f, s, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer f.Close()

	counters := unread.New(s)
	if _, err := counters.BulkLoad(ctx, ids); err != nil {
		return err
	}
	printUnread(os.Stdout, counters, ids)
	return nil
}

func printUnread(w io.Writer, counters *unread.Aggregator, ids []string) {
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "%-24s %d\n", id, counters.Count(id))
	}
	fmt.Fprintf(w, "%d loan(s) unread: %s (%d message(s))\n",
		len(counters.Loans()), strings.Join(counters.Loans(), ","), counters.Total())
}

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	c := commonFlags(fs)
	loanID := fs.String("loan", "", "Loan id to chat in")
	backlog := fs.Int("history", 20, "Number of past messages to show")
	fs.Parse(args)

	if *loanID == "" {
		return errors.New("-loan is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f, s, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer f.Close()

	counters := unread.New(s)
	defer counters.Attach(s)()
	defer s.Subscribe(func(e client.Event) { printEvent(os.Stdout, s.UserID(), *loanID, counters, e) })()

	joined, err := s.JoinRoom(ctx, *loanID)
	if err != nil {
		return fmt.Errorf("join %s: %w", *loanID, err)
	}
	status := "offline"
	if joined.OtherOnline {
		status = "online"
	}
	fmt.Printf("joined %s as %s, talking to %s (%s)\n", *loanID, s.UserID(), joined.OtherParty, status)

	history, err := s.History(ctx, *loanID, "", *backlog)
	if err != nil {
		return err
	}
	for _, m := range history {
		printMessage(os.Stdout, m)
	}
	if _, err := s.MarkRead(ctx, *loanID); err != nil {
		return err
	}

	fmt.Println("type a message and press enter; /read marks read, /quit leaves")
	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return s.LeaveRoom(context.Background(), *loanID)
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return s.LeaveRoom(context.Background(), *loanID)
			}
			if err := handleLine(ctx, s, *loanID, joined.OtherParty, line); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

func handleLine(ctx context.Context, s *client.Session, loanID, otherParty, line string) error {
	switch {
	case line == "":
		return s.StopTyping(ctx, loanID)
	case line == "/read":
		n, err := s.MarkRead(ctx, loanID)
		if err == nil {
			fmt.Printf("* %d marked read\n", n)
		}
		return err
	case line == "/typing":
		return s.Typing(ctx, loanID)
	case strings.HasPrefix(line, "/"):
		return fmt.Errorf("unknown command %s", line)
	}
	_, err := s.Send(ctx, client.Outgoing{LoanID: loanID, ReceiverID: otherParty, Body: line})
	return err
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- strings.TrimSpace(sc.Text())
	}
}

func printEvent(w io.Writer, me, loanID string, counters *unread.Aggregator, e client.Event) {
	switch e.Kind {
	case client.EventMessage:
		m := e.Payload.(protocol.ChatMessage)
		if m.LoanID == loanID {
			printMessage(w, m)
		}
	case client.EventNotify:
		if e.LoanID != loanID {
			fmt.Fprintf(w, "* new message in %s (%d unread)\n", e.LoanID, counters.Count(e.LoanID))
		}
	case client.EventTyping:
		fmt.Fprintf(w, "* %s is typing\n", e.Payload.(protocol.TypingEventMsg).UserID)
	case client.EventPresence:
		p := e.Payload.(protocol.PresenceMsg)
		state := "went offline"
		if p.Online {
			state = "is online"
		}
		fmt.Fprintf(w, "* %s %s\n", p.UserID, state)
	case client.EventMessagesRead:
		p := e.Payload.(protocol.MessagesReadMsg)
		if p.UserID != me {
			fmt.Fprintf(w, "* %s read %d message(s)\n", p.UserID, p.Count)
		}
	case client.EventState:
		fmt.Fprintf(w, "* connection %s\n", e.Payload.(client.State))
	case client.EventError:
		fmt.Fprintf(w, "! %v\n", e.Payload)
	}
}

func printMessage(w io.Writer, m protocol.ChatMessage) {
	fmt.Fprintf(w, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, m.Body)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
