// ABOUTME: Minimal fake agent for end-to-end testing. Connects over WebSocket and echoes user messages.
// ABOUTME: Usage: fake-agent [-url ws://localhost:8080/ws/agent] [-id agent-1] [-parent app-1] [-read path]

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codeboltai/codebolt-router/internal/envelope"
	"github.com/codeboltai/codebolt-router/internal/spawn"
)

func main() {
	routerURL := flag.String("url", envOr(spawn.EnvRouterURL, "ws://localhost:8080/ws/agent"), "router agent endpoint")
	id := flag.String("id", envOr(spawn.EnvInstanceID, "fake-agent-"+uuid.NewString()[:8]), "connection id")
	parent := flag.String("parent", os.Getenv(spawn.EnvParentID), "parent client id")
	thread := flag.String("thread", os.Getenv(spawn.EnvThreadID), "thread id")
	readPath := flag.String("read", "", "request approval to read this file after connecting")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("agent_id", *id)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &agent{
		id:       *id,
		parent:   *parent,
		thread:   *thread,
		instance: os.Getenv(spawn.EnvInstanceID),
		logger:   logger,
	}
	if err := a.run(ctx, *routerURL, *readPath); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fake agent failed", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type agent struct {
	id, parent, thread, instance string
	logger                       *slog.Logger
	conn                         *websocket.Conn
}

func (a *agent) dialURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing router url: %w", err)
	}
	q := u.Query()
	q.Set("id", a.id)
	if a.parent != "" {
		q.Set("parentId", a.parent)
	}
	if a.thread != "" {
		q.Set("threadId", a.thread)
	}
	if a.instance != "" {
		q.Set("instanceId", a.instance)
	}
	q.Set("agentType", envOr(spawn.EnvAgentType, "echo"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *agent) run(ctx context.Context, routerURL, readPath string) error {
	target, err := a.dialURL(routerURL)
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var opts *websocket.DialOptions
	if tok := os.Getenv("CODEBOLT_ROUTER_TOKEN"); tok != "" {
		opts = &websocket.DialOptions{HTTPHeader: map[string][]string{"Authorization": {"Bearer " + tok}}}
	}
	a.conn, _, err = websocket.Dial(dialCtx, target, opts)
	if err != nil {
		return fmt.Errorf("connecting to router: %w", err)
	}
	defer a.conn.CloseNow()
	a.logger.Info("connected", "url", routerURL)

	if err := a.send(ctx, &envelope.Envelope{Type: envelope.TypeAgentReady, AgentID: a.id, AgentInstanceID: a.instance, ThreadID: a.thread}); err != nil {
		return err
	}
	if readPath != "" {
		err := a.send(ctx, &envelope.Envelope{
			Type:      envelope.TypeFSEvent,
			Action:    envelope.ActionReadFile,
			RequestID: uuid.NewString(),
			ThreadID:  a.thread,
			Data:      envelope.MustData(map[string]string{"filePath": readPath}),
		})
		if err != nil {
			return err
		}
	}

	for {
		_, data, err := a.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("reading: %w", err)
		}
		env, err := envelope.Decode(data)
		if err != nil {
			a.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if err := a.handle(ctx, env); err != nil {
			return err
		}
	}
}

func (a *agent) handle(ctx context.Context, env *envelope.Envelope) error {
	switch {
	case env.Type == envelope.TypeMessageResponse:
		var msg envelope.UserMessage
		raw := env.Message
		if len(raw) == 0 {
			raw = env.Data
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			a.logger.Warn("unreadable user message", "error", err)
			return nil
		}
		a.logger.Info("user message", "text", msg.Text, "thread_id", msg.ThreadID)
		return a.send(ctx, &envelope.Envelope{
			Type:      "agentMessage",
			MessageID: env.MessageID,
			ThreadID:  firstNonEmpty(msg.ThreadID, a.thread),
			Data: envelope.MustData(map[string]string{
				"text": "**Echo:** " + strings.TrimSpace(msg.Text),
			}),
		})
	case strings.HasSuffix(env.Type, "Response"):
		a.logger.Info("response", "type", env.Type, "request_id", env.RequestID, "success", env.Succeeded(), "data", string(env.Data))
	default:
		a.logger.Debug("ignoring envelope", "type", env.Type)
	}
	return nil
}

func (a *agent) send(ctx context.Context, env *envelope.Envelope) error {
	if env.AgentID == "" {
		env.AgentID = a.id
	}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", env.Type, err)
	}
	if err := a.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("sending %s: %w", env.Type, err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
