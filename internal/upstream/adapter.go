// Package upstream defines the capability interface the Session Manager
// uses to talk to the external chat network (spec §4.2). The upstream
// protocol itself is out of scope (spec §1); this package only fixes the
// shape a real implementation must have, plus a fake transport for tests.
package upstream

import (
	"context"
	"time"

	"github.com/tenantrelay/chatgateway/internal/model"
)

// Handle is an opaque, adapter-owned reference to one tenant's live
// connection. Implementations embed whatever state they need.
type Handle interface {
	TenantID() string
}

// ConnectionState is the subset of adapter-reported states the Session
// Manager reacts to (spec §4.2/§4.4).
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClose      ConnectionState = "close"
)

// UpdateKind discriminates the Update union spec §4.2 describes.
type UpdateKind string

const (
	UpdatePairing        UpdateKind = "pairing"
	UpdateState          UpdateKind = "state"
	UpdateCredsUpdated   UpdateKind = "creds_updated"
	UpdateMessageInbound UpdateKind = "message_inbound"
)

// InboundBatch carries one adapter-delivered message, before the Session
// Manager applies the fromMe/empty-content drop rule (spec §4.4).
type InboundBatch struct {
	From      string
	To        string
	Text      string
	MessageID string
	Timestamp time.Time
	Type      model.InboundMessageType
	MediaURL  string
	Caption   string
	FromMe    bool
}

// Update is the single source of truth for session state (spec §4.2): the
// Session Manager is a pure consumer of this stream and never polls.
type Update struct {
	Kind UpdateKind

	// UpdatePairing
	PairingArtifact []byte

	// UpdateState
	State       ConnectionState
	CloseReason string
	LoggedOut   bool
	PhoneNumber string
	DisplayName string

	// UpdateCredsUpdated
	Credentials []byte

	// UpdateMessageInbound
	Messages []InboundBatch
}

// MediaPayload and DocumentPayload are the outbound content variants of
// Send once any URL has already been fetched by the caller (spec §4.4:
// "Media variants fetch by URL with HTTP GET ... then delegate to the
// adapter" — by the time Send is called, Bytes is always populated).
type MediaPayload struct {
	Bytes   []byte
	Mime    string
	Caption string
}

type DocumentPayload struct {
	Bytes    []byte
	Filename string
	Caption  string
}

// SendContent is the outbound content union spec §4.2 describes. Exactly
// one field should be populated.
type SendContent struct {
	Text     string
	Media    *MediaPayload
	Document *DocumentPayload
}

// Adapter encapsulates all interaction with the external chat network.
type Adapter interface {
	// Connect establishes the session using a resumable credential bundle.
	// An empty/nil bundle means first-time connect, which yields a pairing
	// artifact over the Events stream.
	Connect(ctx context.Context, tenantID string, credentials []byte) (Handle, error)

	// Events returns the update stream for handle. The channel is closed
	// once the adapter considers the handle fully torn down.
	Events(handle Handle) <-chan Update

	// Send delivers content to jid and returns a server-assigned id.
	Send(ctx context.Context, handle Handle, jid string, content SendContent) (string, error)

	// Logout performs a best-effort network close.
	Logout(ctx context.Context, handle Handle) error
}
