package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketdata-engine/go/pkg/shared"
	"marketdata-engine/go/pkg/upstream"
)

// Command actions accepted on the command topic.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionClearTier   = "clear_tier"
	ActionOpenChain   = "open_chain"
	ActionResetSlot   = "reset_slot"
	ActionStopSlot    = "stop_slot"
)

type Command struct {
	ID         string            `json:"id,omitempty"`
	Action     string            `json:"action"`
	Token      string            `json:"token,omitempty"`
	Exchange   string            `json:"exchange,omitempty"`
	Segment    string            `json:"segment,omitempty"`
	Symbol     string            `json:"symbol,omitempty"`
	Expiry     string            `json:"expiry,omitempty"`
	Tier       string            `json:"tier,omitempty"`
	Slot       int               `json:"slot,omitempty"`
	SecurityID int               `json:"security_id,omitempty"`
	Reopen     bool              `json:"reopen,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

type Reply struct {
	ID           string       `json:"id"`
	Action       string       `json:"action"`
	OK           bool         `json:"ok"`
	Reason       string       `json:"reason,omitempty"`
	ConnectionID int          `json:"connection_id,omitempty"`
	Count        int          `json:"count,omitempty"`
	Chain        *ChainResult `json:"chain,omitempty"`
	Error        string       `json:"error,omitempty"`
	At           time.Time    `json:"at"`
}

// Apply executes one command against the engine.
func (e *Engine) Apply(ctx context.Context, cmd Command) Reply {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	r := Reply{ID: cmd.ID, Action: cmd.Action}
	label := cmd.Action
	switch cmd.Action {
	case ActionSubscribe:
		res := e.Subscribe(SubscribeRequest{
			Token:    cmd.Token,
			Exchange: cmd.Exchange,
			Segment:  cmd.Segment,
			Symbol:   cmd.Symbol,
			Expiry:   cmd.Expiry,
			Tier:     shared.ParseTier(cmd.Tier),
			Slot:     cmd.Slot,
			Meta:     cmd.Meta,
		})
		r.OK, r.Reason, r.ConnectionID = res.OK, res.Reason, res.ConnectionID
	case ActionUnsubscribe:
		r.OK = e.Unsubscribe(cmd.Token)
		if !r.OK {
			r.Reason = "not_subscribed"
		}
	case ActionClearTier:
		r.Count = e.UnsubscribeAllOfTier(shared.ParseTier(cmd.Tier))
		r.OK = true
	case ActionOpenChain:
		res, err := e.OpenChain(ctx, ChainRequest{
			Underlying: upstream.Underlying{SecurityID: cmd.SecurityID, Segment: cmd.Segment, Symbol: cmd.Symbol, Exchange: cmd.Exchange},
			Expiry:     cmd.Expiry,
			Tier:       shared.ParseTier(cmd.Tier),
			Slot:       cmd.Slot,
			Reopen:     cmd.Reopen,
		})
		if err != nil {
			r.Error = err.Error()
			break
		}
		r.OK, r.Chain, r.Count = true, &res, res.Subscribed
	case ActionResetSlot:
		if err := e.ResetSlot(cmd.Slot); err != nil {
			r.Error = err.Error()
			break
		}
		r.OK = true
	case ActionStopSlot:
		if err := e.StopSlot(cmd.Slot); err != nil {
			r.Error = err.Error()
			break
		}
		r.OK = true
	default:
		label = "unknown"
		r.Error = fmt.Sprintf("unknown action %q", cmd.Action)
	}
	result := "ok"
	if !r.OK {
		result = "rejected"
	}
	e.m.commands.WithLabelValues(label, result).Inc()
	r.At = e.now().UTC()
	return r
}

// CommandListener applies commands consumed from Kafka and optionally
// publishes a reply per command.
type CommandListener struct {
	engine     *Engine
	consumer   shared.Consumer
	producer   shared.Producer
	replyTopic string
	log        shared.Logger
}

func NewCommandListener(e *Engine, consumer shared.Consumer, producer shared.Producer, replyTopic string, log shared.Logger) *CommandListener {
	return &CommandListener{engine: e, consumer: consumer, producer: producer, replyTopic: replyTopic, log: log}
}

// Run polls until ctx ends. Each message is committed after it is applied,
// including ones that fail to decode.
func (l *CommandListener) Run(ctx context.Context) error {
	for {
		msg, err := l.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Warnf("[commands] poll: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if msg == nil {
			continue
		}
		l.handle(ctx, msg)
		if err := l.consumer.Commit(msg); err != nil {
			l.log.Warnf("[commands] commit offset %d: %v", msg.Offset, err)
		}
	}
}

func (l *CommandListener) handle(ctx context.Context, msg *shared.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		l.engine.m.commands.WithLabelValues("invalid", "rejected").Inc()
		l.log.Warnf("[commands] undecodable command at offset %d: %v", msg.Offset, err)
		return
	}
	r := l.engine.Apply(ctx, cmd)
	if !r.OK {
		l.log.Warnf("[commands] %s %s %s rejected: %s%s", r.ID, r.Action, cmd.Token, r.Reason, r.Error)
	}
	if l.producer == nil || l.replyTopic == "" {
		return
	}
	if err := l.producer.ProduceJSON(ctx, l.replyTopic, []byte(r.ID), r); err != nil {
		l.log.Warnf("[commands] reply %s: %v", r.ID, err)
	}
}
