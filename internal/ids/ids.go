// Package ids generates the identity values used throughout the core:
// content-free ServiceId for processes, SessionId assigned by the server,
// and the per-message UUID carried in every Message header.
package ids

import "github.com/google/uuid"

// ServiceId is a 128-bit UUID identifying a process (server or client),
// independent of address or name.
type ServiceId string

// NewServiceId generates a fresh ServiceId.
func NewServiceId() ServiceId { return ServiceId(uuid.NewString()) }

// SessionId is unique per server process, assigned by the server in Welcome.
type SessionId string

// NewSessionId generates a fresh SessionId from a UUID.
func NewSessionId() SessionId { return SessionId(uuid.NewString()) }

// MessageId uniquely identifies one Message instance on the wire.
type MessageId string

// NewMessageId generates a fresh MessageId.
func NewMessageId() MessageId { return MessageId(uuid.NewString()) }
