package model

import (
	"time"
)

type ChatSession struct {
	ID          string        `db:"id" json:"id"`
	Status      SessionStatus `db:"status" json:"status"`
	InitiatorID string        `db:"initiator_id" json:"initiatorId"`
	PeerID      *string       `db:"peer_id" json:"peerId,omitempty"`
	Interests   Interests     `db:"interests" json:"interests"`
	CreatedAt   time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updatedAt"`
	EndedAt     *time.Time    `db:"ended_at" json:"endedAt,omitempty"`
}

// HasParticipant reports whether clientID is the initiator or the peer.
func (s *ChatSession) HasParticipant(clientID string) bool {
	if s == nil || clientID == "" {
		return false
	}
	if s.InitiatorID == clientID {
		return true
	}
	return s.PeerID != nil && *s.PeerID == clientID
}

// PartnerOf returns the other participant, or "" while nobody has joined.
func (s *ChatSession) PartnerOf(clientID string) string {
	if s == nil {
		return ""
	}
	switch {
	case s.InitiatorID == clientID:
		if s.PeerID != nil {
			return *s.PeerID
		}
		return ""
	case s.PeerID != nil && *s.PeerID == clientID:
		return s.InitiatorID
	default:
		return ""
	}
}

func (s *ChatSession) IsActive() bool {
	return s != nil && s.Status == SessionStatusActive
}

func (s *ChatSession) IsEnded() bool {
	return s != nil && s.Status == SessionStatusEnded
}

// Clone returns a deep copy so callers can hand sessions across goroutines.
func (s *ChatSession) Clone() *ChatSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.PeerID != nil {
		peer := *s.PeerID
		c.PeerID = &peer
	}
	if s.EndedAt != nil {
		ended := *s.EndedAt
		c.EndedAt = &ended
	}
	if s.Interests != nil {
		c.Interests = append(Interests(nil), s.Interests...)
	}
	return &c
}

type CreateSessionParams struct {
	InitiatorID string
	Interests   Interests
}

// SessionLookup is the result of a find-or-create pass. Exactly one of
// Created or Candidates is set.
type SessionLookup struct {
	Created    *ChatSession
	Candidates []*ChatSession
}
