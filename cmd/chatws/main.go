package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sonirico/chatws"
	"github.com/sonirico/chatws/internal/wstest"
)

func main() {
	os.Exit(start(os.Args[1:], os.Stdin))
}

// start runs the client until the user quits, input ends or a signal arrives, and returns the exit code.
func start(args []string, stdin io.Reader) int {
	fs := flag.NewFlagSet("chatws", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	endpoint := fs.String("endpoint", "", "websocket endpoint, overrides the config file")
	token := fs.String("token", os.Getenv("CHATWS_TOKEN"), "auth token, overrides the config file")
	verbose := fs.Bool("verbose", false, "debug logging")
	demo := fs.Bool("demo", false, "run against an in-process chat server")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := chatws.DefaultConfig()
	if *configPath != "" {
		loaded, err := chatws.LoadConfig(*configPath)
		if err != nil {
			log.WithError(err).Error("cannot load config")
			return 1
		}
		cfg = loaded
	}
	if *endpoint != "" {
		cfg.Endpoint = *endpoint
	}
	if *token != "" {
		cfg.AuthToken = *token
	}

	if *demo {
		srv := wstest.NewServer(wstest.WithLogger(log.WithField("component", "demo_server")))
		defer srv.Close()
		cfg.Endpoint = srv.URL()
		if cfg.AuthToken == "" {
			cfg.AuthToken = "demo"
		}
	}

	client, err := chatws.New(cfg, chatws.WithLogger(chatws.NewLogrusLogger(log)))
	if err != nil {
		log.WithError(err).Error("invalid configuration")
		return 1
	}
	defer client.Close()

	client.On(chatws.TypeAuthSuccess, func(chatws.Message) {
		fmt.Printf("*** authenticated, session %s ***\n", client.SessionID())
	})
	client.OnAny(func(m chatws.Message) {
		if m.Type == chatws.TypePong {
			return
		}
		fmt.Printf("<- %s %s\n", m.Type, m.Data)
	})
	client.OnStateChange(func(from, to chatws.ConnectionState) {
		log.WithField("from", from).WithField("to", to).Debug("state changed")
	})
	client.OnReconnect(func(attempt int, delay time.Duration) {
		log.Warnf("connection lost, reconnect attempt %d in %s", attempt, delay)
	})
	client.OnError(func(err error) {
		log.WithError(err).Error("connection error")
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HandshakeTimeout+time.Second)
	err = client.Connect(ctx)
	cancel()
	if err != nil {
		log.WithError(err).Error("cannot connect")
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			log.WithError(err).Error("cannot read stdin")
		}
	}()

	fmt.Println("commands: <conversation> <text> | /typing <conversation> on|off | /sub <conversation> | /token <token> | /quit")

	for {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("shutting down")
			client.Disconnect()
			return 0
		case line, ok := <-lines:
			if !ok {
				client.Disconnect()
				return 0
			}
			if quit := run(client, log, strings.TrimSpace(line)); quit {
				client.Disconnect()
				return 0
			}
		}
	}
}

// run executes one input line. It reports whether the user asked to quit.
func run(client *chatws.Client, log logrus.FieldLogger, line string) bool {
	if line == "" {
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/typing":
		if len(fields) != 3 {
			fmt.Println("usage: /typing <conversation> on|off")
			return false
		}
		if !client.SendTyping(fields[1], fields[2] == "on") {
			log.Warn("typing indicator not sent")
		}

	case "/sub":
		if len(fields) != 2 {
			fmt.Println("usage: /sub <conversation>")
			return false
		}
		if !client.Subscribe(fields[1]) {
			log.Warn("subscription not sent")
		}

	case "/token":
		if len(fields) != 2 {
			fmt.Println("usage: /token <token>")
			return false
		}
		client.UpdateToken(fields[1])

	default:
		if strings.HasPrefix(fields[0], "/") || len(fields) < 2 {
			fmt.Println("usage: <conversation> <text>")
			return false
		}
		content := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		if id, ok := client.SendChatMessage(fields[0], content); ok {
			fmt.Printf("-> message %s\n", id)
		} else {
			log.Warn("message not sent")
		}
	}
	return false
}
