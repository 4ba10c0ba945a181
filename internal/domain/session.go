package domain

import (
	"errors"
	"time"
)

var ErrNameTooLong = errors.New("display name too long")

const MaxNameLen = 64

// RoomParams describes what the caller wants from admission. An empty SID
// means a new room is created.
type RoomParams struct {
	SID       string
	Name      string
	Nonce     string
	Title     string
	E2EE      bool
	NoPublish bool

	ViewerPrice      string
	ParticipantPrice string
	// Payment identifiers issued by the ledger. "0" and "" both mean unpaid.
	ParticipantID string
	ViewerID      string
}

func (p RoomParams) Creating() bool { return p.SID == "" }

func (p RoomParams) Validate() error {
	if len(p.Name) > MaxNameLen {
		return ErrNameTooLong
	}
	return nil
}

// SessionCredentials are issued once by admission and never change for the
// lifetime of a session.
type SessionCredentials struct {
	RelayURL  string
	SID       string
	UID       string
	Name      string
	Token     string
	Signature string
	// Key is the shared room key. An encrypted room with no key still
	// encrypts: frames are dropped until a usable key is set.
	Key       string
	E2EE      bool
	IsHost    bool
	NoPublish bool
}

// Encrypted reports whether media must go through the frame cipher. It
// depends on the room flag alone, never on whether a key arrived.
func (c *SessionCredentials) Encrypted() bool {
	return c != nil && c.E2EE
}

// Wipe drops secrets so a closed session cannot reuse them.
func (c *SessionCredentials) Wipe() {
	if c == nil {
		return
	}
	*c = SessionCredentials{}
}

// RoomInfo is the public metadata of a room, readable before joining.
type RoomInfo struct {
	Title            string `json:"title"`
	HostName         string `json:"hostName"`
	Count            int64  `json:"count"`
	E2EE             bool   `json:"e2ee"`
	ViewerPrice      string `json:"viewerPrice"`
	ParticipantPrice string `json:"participantPrice"`
}

// TransientMessage is a caption shown next to a participant until ExpiresAt.
type TransientMessage struct {
	UID       string    `json:"uid"`
	Text      string    `json:"text"`
	ExpiresAt time.Time `json:"expiresAt"`
}
