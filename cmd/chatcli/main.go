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
	"strconv"
	"strings"
	"syscall"

	"github.com/pickup-sports/matchchat/internal/chatsync"
	"github.com/pickup-sports/matchchat/internal/config"
	"github.com/pickup-sports/matchchat/internal/logger"
	"github.com/pickup-sports/matchchat/internal/protocol"
	"github.com/pickup-sports/matchchat/internal/pushclient"
	"github.com/pickup-sports/matchchat/internal/restclient"
)

const help = `commands:
  /list [query]          conversations, filtered by event, category or person
  /open <event> <user>   open the conversation with user about event
  /show | /hide          toggle whether the open chat counts as seen
  /delete                delete the open chatroom
  /reconnect             reopen the push channel
  /quit
anything else is sent to the open conversation`

func main() {
	username := flag.String("user", "", "username")
	password := flag.String("password", "", "password")
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.Default().Error("loading config", "err", err)
		os.Exit(1)
	}
	log := logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, *username, *password, os.Stdin, os.Stdout, log); err != nil {
		log.Error("chatcli", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, username, password string, in io.Reader, out io.Writer, log logger.Logger) error {
	if username == "" || password == "" {
		return errors.New("-user and -password are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := restclient.New(cfg.Client.APIURL)
	res, err := api.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	me := protocol.Participant{
		ID:          res.User.ID,
		Username:    res.User.Username,
		DisplayName: res.User.DisplayName,
		Email:       res.User.Email,
		AvatarURL:   res.User.AvatarURL,
	}

	push := pushclient.New(cfg.Client.PushURL, api.Token(), pushclient.WithLogger(log))
	if err := push.Connect(ctx, me.ID); err != nil {
		// Sending still works over REST; only live updates are lost.
		fmt.Fprintf(out, "! push channel unavailable: %v\n", err)
	}
	defer push.Close()

	session := chatsync.NewSession(chatsync.OptionsFrom(cfg.Chat), me, push, api, nil, log)
	go session.Run(ctx)
	go printNotices(ctx, session, out)

	fmt.Fprintf(out, "signed in as %s (#%d)\n%s\n", me.DisplayName, me.ID, help)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if _, err := session.SendMessage(ctx, line); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}
			printMessages(out, session)
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit":
			return nil
		case "/list":
			printConversations(out, session, strings.Join(fields[1:], " "))
		case "/open":
			key, err := parseKey(fields[1:])
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}
			if err := session.Open(ctx, key); err == nil {
				printMessages(out, session)
			}
		case "/show":
			session.SetVisible(true)
		case "/hide":
			session.SetVisible(false)
		case "/delete":
			key := session.Active()
			if key.IsZero() {
				fmt.Fprintln(out, "! no conversation is open")
				continue
			}
			if err := api.DeleteChatroom(ctx, key.EventID, key.CounterpartyID); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}
			session.LoadMessages(ctx)
			session.RefreshConversations(ctx)
		case "/reconnect":
			if err := push.Connect(ctx, me.ID); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		default:
			fmt.Fprintln(out, help)
		}
	}
	return scanner.Err()
}

func parseKey(args []string) (chatsync.ConversationKey, error) {
	if len(args) != 2 {
		return chatsync.ConversationKey{}, errors.New("usage: /open <event> <user>")
	}
	eventID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return chatsync.ConversationKey{}, fmt.Errorf("bad event id %q", args[0])
	}
	userID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return chatsync.ConversationKey{}, fmt.Errorf("bad user id %q", args[1])
	}
	return chatsync.ConversationKey{EventID: eventID, CounterpartyID: userID}, nil
}

func printConversations(out io.Writer, s *chatsync.Session, query string) {
	convs := s.Conversations(query)
	fmt.Fprintf(out, "%d conversations, %d unread\n", len(convs), s.TotalUnread())
	for _, c := range convs {
		badge := ""
		if c.UnreadCount > 0 {
			badge = fmt.Sprintf(" (%d)", c.UnreadCount)
		}
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Content
		}
		fmt.Fprintf(out, "  [%d %d] %s / %s%s: %s\n",
			c.EventID, c.OtherParticipant.ID, c.Event.Title, c.OtherParticipant.DisplayName, badge, last)
	}
}

func printMessages(out io.Writer, s *chatsync.Session) {
	me := s.Me().ID
	for _, g := range s.Groups() {
		fmt.Fprintf(out, "-- %s --\n", g.Label)
		for _, m := range g.Messages {
			who := "them"
			if m.SenderID == me {
				who = "me"
			}
			status := ""
			switch {
			case m.Pending():
				status = " (sending)"
			case m.SenderID == me && len(m.ReadBy) > 0:
				status = " (seen)"
			}
			fmt.Fprintf(out, "  %s %-4s %s%s\n", m.CreatedAt.Local().Format("15:04"), who, m.Content, status)
		}
	}
}

func printNotices(ctx context.Context, s *chatsync.Session, out io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.Notices():
			switch n.Kind {
			case chatsync.NoticeNewMessage:
				fmt.Fprintf(out, "* new message in %s: %s\n", n.Conversation, n.Message.Content)
				if n.Conversation == s.Active() {
					printMessages(out, s)
				}
			case chatsync.NoticeUnauthorized:
				fmt.Fprintln(out, "! session expired, sign in again")
			case chatsync.NoticeDisconnected:
				fmt.Fprintln(out, "! disconnected, /reconnect to retry")
			case chatsync.NoticeConnected:
				fmt.Fprintln(out, "* connected")
			default:
				fmt.Fprintf(out, "! %s: %v\n", n.Kind, n.Err)
			}
		}
	}
}
