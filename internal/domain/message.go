package domain

import (
	"context"
	"time"
)

// InboundMessage is a normalized chat message from any transport.
// Transports resolve platform identities before handing the message to
// the core: DirectTo, Mentions and Broadcast are already agent-level.
type InboundMessage struct {
	// ChannelName identifies the transport ("discord", "slack").
	ChannelName string

	// ConversationID is the transport's channel/DM identifier; it also
	// scopes agent sessions.
	ConversationID string

	SenderID   string
	SenderName string
	Text       string

	// DirectTo is the agent bound to this direct-message conversation,
	// empty for non-DM traffic or unbound DMs.
	DirectTo string

	// Mentions holds the agent ids explicitly mentioned in the message.
	Mentions []string

	// Broadcast is set for platform-wide markers (@everyone, <!channel>).
	Broadcast bool

	Timestamp time.Time
}

// OutboundMessage is a reply sent back through a transport.
type OutboundMessage struct {
	ConversationID string
	Text           string
	// Error marks operator-facing failure notices; transports may render
	// them differently.
	Error bool
}

// MessageHandler processes one inbound message.
type MessageHandler func(ctx context.Context, msg InboundMessage)

// Channel is a chat transport (Discord, Slack, ...).
type Channel interface {
	// Start connects and begins delivering messages to handler.
	// It returns once the channel is running; delivery is asynchronous.
	Start(ctx context.Context, handler MessageHandler) error
	// Stop disconnects and releases resources.
	Stop(ctx context.Context) error
	// Send delivers an outbound message.
	Send(ctx context.Context, msg OutboundMessage) error
	// Name returns the channel identifier ("discord", "slack").
	Name() string
}
