// Package chatclient runs a terminal chat client against a chat server.
package chatclient

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	entrypoint "github.com/louisbranch/classroom.chat/internal/platform/cmd"
	"github.com/louisbranch/classroom.chat/internal/platform/logging"
	"github.com/louisbranch/classroom.chat/internal/services/chat/client"
	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
	"github.com/louisbranch/classroom.chat/internal/services/chat/protocol"
)

// Config holds chat client command configuration.
type Config struct {
	ServerURL     string `env:"CLASSROOM_CHAT_SERVER_URL"     envDefault:"http://localhost:8086"`
	Token         string `env:"CLASSROOM_CHAT_TOKEN"`
	SessionCookie string `env:"CLASSROOM_CHAT_SESSION"`
	Channel       string `env:"CLASSROOM_CHAT_CHANNEL"`
	History       int    `env:"CLASSROOM_CHAT_HISTORY"        envDefault:"0"`
	LogLevel      string `env:"CLASSROOM_CHAT_LOG_LEVEL"      envDefault:"warn"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "chat server base URL")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "identity token")
	fs.StringVar(&cfg.SessionCookie, "session", cfg.SessionCookie, "session cookie used when no token is set")
	fs.StringVar(&cfg.Channel, "channel", cfg.Channel, "active channel id")
	fs.IntVar(&cfg.History, "history", cfg.History, "print this many history messages before connecting")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run connects, prints events to out, and sends each line read from in to the
// active channel. Lines starting with a slash are commands:
//
//	/join <channel>   switch the active channel
//	/read <id>        mark a message read
//	/quit             exit
func Run(ctx context.Context, cfg Config, in io.Reader, out io.Writer) error {
	base, err := url.Parse(strings.TrimSpace(cfg.ServerURL))
	if err != nil || base.Host == "" {
		return fmt.Errorf("invalid server url %q", cfg.ServerURL)
	}
	var tokens client.TokenSource
	if strings.TrimSpace(cfg.Token) != "" {
		tokens = client.StaticToken(cfg.Token)
	}
	if tokens == nil && strings.TrimSpace(cfg.SessionCookie) == "" {
		return errors.New("a token or a session cookie is required")
	}

	log := logging.New(logging.Options{Level: cfg.LogLevel, Service: entrypoint.ServiceChatClient, Out: os.Stderr})
	p := &printer{out: out}
	channelID := domain.ChannelID(strings.TrimSpace(cfg.Channel))

	api := &client.RESTClient{BaseURL: base.String(), Tokens: tokens}
	if cfg.History > 0 && channelID != "" {
		page, err := api.History(ctx, channelID, client.HistoryQuery{Limit: cfg.History})
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		for _, msg := range page.Messages {
			p.printf("%s\n", formatMessage(msg))
		}
	}

	conn := client.New(client.Options{
		Dialer:        client.WebSocketDialer{URL: socketURL(base)},
		Tokens:        tokens,
		SessionCookie: cfg.SessionCookie,
		Logger:        log,
	})
	conn.SetHandler(func(event protocol.Event) {
		if line := formatEvent(event); line != "" {
			p.printf("%s\n", line)
		}
	})
	conn.OnStatus(func(s client.State) {
		switch s := s.(type) {
		case client.Reconnecting:
			p.printf("* %s\n", s)
		case client.Errored:
			p.printf("* authentication failed: %v\n", s.Err)
		default:
			p.printf("* %s\n", s.Status())
		}
	})
	defer conn.Disconnect()
	defer p.close()

	if err := conn.SetActiveChannel(channelID); err != nil {
		return err
	}
	conn.Connect(ctx)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			quit, err := handleLine(ctx, conn, api, line)
			if err != nil {
				p.printf("! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// handleLine runs one input line. Messages fall back to the REST API while
// the socket is down.
func handleLine(ctx context.Context, conn *client.Conn, api *client.RESTClient, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		channelID := conn.ActiveChannel()
		if channelID == "" {
			return false, errors.New("no active channel; use /join <channel>")
		}
		err := conn.SendMessage(protocol.SendMessage{ChannelID: channelID, Content: line})
		if errors.Is(err, client.ErrNotConnected) {
			_, err = api.Send(ctx, channelID, client.PostMessage{Content: line})
		}
		return false, err
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "quit", "exit":
		return true, nil
	case "join":
		if arg == "" {
			return false, errors.New("usage: /join <channel>")
		}
		return false, conn.SetActiveChannel(domain.ChannelID(arg))
	case "read":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return false, errors.New("usage: /read <message id>")
		}
		err = conn.MarkRead(conn.ActiveChannel(), id)
		if errors.Is(err, client.ErrNotConnected) {
			err = api.MarkRead(ctx, conn.ActiveChannel(), id)
		}
		return false, err
	default:
		return false, fmt.Errorf("unknown command /%s", name)
	}
}

func socketURL(base *url.URL) string {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String()
}

func formatMessage(msg domain.Message) string {
	prefix := fmt.Sprintf("[%s #%d] %s", msg.CreatedAt.Local().Format(time.Kitchen), msg.ID, msg.AuthorID)
	switch msg.Type {
	case domain.MessageDoubt:
		prefix += " (doubt)"
	case domain.MessageFile:
		return fmt.Sprintf("%s shared %s", prefix, msg.FileURL)
	}
	return prefix + ": " + msg.Content
}

func formatEvent(event protocol.Event) string {
	switch e := event.(type) {
	case protocol.Connected:
		return fmt.Sprintf("* connected as %s", e.UserID)
	case protocol.NewMessage:
		return formatMessage(e.Message)
	case protocol.UserTyping:
		name := e.DisplayName
		if name == "" {
			name = string(e.UserID)
		}
		return fmt.Sprintf("* %s is typing", name)
	case protocol.UserPresence:
		return fmt.Sprintf("* %s is %s", e.UserID, e.Status)
	case protocol.DoubtAnswered:
		return fmt.Sprintf("* doubt #%d answered by %s", e.MessageID, e.AnsweredBy)
	case protocol.MessagePinned:
		return fmt.Sprintf("* message #%d pinned by %s", e.MessageID, e.PinnedBy)
	case protocol.UnreadUpdated:
		return fmt.Sprintf("* %d unread in %s", e.Count, e.ChannelID)
	case protocol.Error:
		if e.ChannelID != "" {
			return fmt.Sprintf("! %s (%s): %s", e.Code, e.ChannelID, e.Message)
		}
		return fmt.Sprintf("! %s: %s", e.Code, e.Message)
	default:
		return ""
	}
}

// printer serializes output from the read loop and the input loop. Writes
// after close are dropped.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	closed bool
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		fmt.Fprintf(p.out, format, args...)
	}
}

func (p *printer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}
