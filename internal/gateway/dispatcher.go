package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veyra/mnemo/internal/engine"
	"github.com/veyra/mnemo/internal/search"
	"github.com/veyra/mnemo/internal/session"
)

// TurnSubmitter is the slice of the engine the dispatcher needs.
type TurnSubmitter interface {
	SubmitTurn(ctx context.Context, req engine.TurnRequest) (*engine.TurnResponse, error)
	SwitchMode(ctx context.Context, sessionID string, newMode session.Mode) (session.Mode, session.Mode, error)
}

// SubscriptionSource resolves an actor's skill-module subscriptions.
// skill.Registry satisfies it.
type SubscriptionSource interface {
	Subscriptions(actorID string) []string
}

// Dispatcher turns inbound platform messages into conversation turns and
// sends the responses back. Each channel:user pair gets its own session.
type Dispatcher struct {
	engine      TurnSubmitter
	gw          *Gateway
	base        search.Identity
	subs        SubscriptionSource
	sessions    map[string]string // platform:channelID:userID -> sessionID
	mu          sync.Mutex
	turnTimeout time.Duration
	logger      *zap.Logger
}

// NewDispatcher wires a dispatcher into the gateway's inbound handler.
// subs may be nil, in which case the base identity's modules are used as-is.
func NewDispatcher(eng TurnSubmitter, gw *Gateway, base search.Identity, subs SubscriptionSource, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		engine:      eng,
		gw:          gw,
		base:        base,
		subs:        subs,
		sessions:    make(map[string]string),
		turnTimeout: 60 * time.Second,
		logger:      logger,
	}
	gw.SetHandler(d.HandleInbound)
	return d
}

// HandleInbound processes one platform message. Each message runs in its
// own goroutine so a slow turn never blocks the adapter's event loop.
func (d *Dispatcher) HandleInbound(msg *InboundMessage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.turnTimeout)
		defer cancel()

		reply, err := d.process(ctx, msg)
		if err != nil {
			d.logger.Error("gateway turn failed",
				zap.String("platform", msg.Platform),
				zap.String("channel", msg.ChannelID),
				zap.Error(err))
			reply = "Something went wrong handling that message. Please try again."
		}

		out := &OutboundMessage{
			Platform:  msg.Platform,
			ChannelID: msg.ChannelID,
			Content:   reply,
			ReplyTo:   msg.ReplyTo,
		}
		if err := d.gw.Send(ctx, out); err != nil {
			d.logger.Error("gateway send failed",
				zap.String("platform", msg.Platform),
				zap.String("channel", msg.ChannelID),
				zap.Error(err))
		}
	}()
}

func (d *Dispatcher) process(ctx context.Context, msg *InboundMessage) (string, error) {
	key := fmt.Sprintf("%s:%s:%s", msg.Platform, msg.ChannelID, msg.UserID)

	if newMode, ok := parseModeCommand(msg.Content); ok {
		return d.switchMode(ctx, key, newMode)
	}

	d.mu.Lock()
	sessionID := d.sessions[key]
	d.mu.Unlock()

	identity := d.base
	identity.ActorID = fmt.Sprintf("%s:%s", msg.Platform, msg.UserID)
	if d.subs != nil {
		if modules := d.subs.Subscriptions(identity.ActorID); len(modules) > 0 {
			identity.SkillModules = modules
		}
	}

	resp, err := d.engine.SubmitTurn(ctx, engine.TurnRequest{
		SessionID: sessionID,
		Identity:  identity,
		Message:   msg.Content,
	})
	if err != nil {
		// A vanished session gets a fresh one on the next message.
		if errors.Is(err, session.ErrNotFound) {
			d.mu.Lock()
			delete(d.sessions, key)
			d.mu.Unlock()
		}
		return "", err
	}

	d.mu.Lock()
	d.sessions[key] = resp.SessionID
	d.mu.Unlock()

	return resp.Response, nil
}

func (d *Dispatcher) switchMode(ctx context.Context, key string, newMode session.Mode) (string, error) {
	d.mu.Lock()
	sessionID := d.sessions[key]
	d.mu.Unlock()

	if sessionID == "" {
		return "No active conversation yet — send a message first.", nil
	}
	previous, current, err := d.engine.SwitchMode(ctx, sessionID, newMode)
	if err != nil {
		return "", err
	}
	if previous == current {
		return fmt.Sprintf("Already in %s mode.", current), nil
	}
	return fmt.Sprintf("Switched from %s to %s mode.", previous, current), nil
}

// parseModeCommand recognizes "/mode tutor" and "/mode agent".
func parseModeCommand(content string) (session.Mode, bool) {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) != 2 || fields[0] != "/mode" {
		return "", false
	}
	m := session.Mode(strings.ToLower(fields[1]))
	if !session.ValidMode(m) {
		return "", false
	}
	return m, true
}
