package chat

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	apperrors "github.com/strangerchat/relay-server-go/internal/errors"
	"github.com/strangerchat/relay-server-go/internal/model"
)

const (
	maxMatchAttempts      = 5
	defaultCandidateLimit = 10
)

// Matcher pairs a client with a waiting session or opens a new one.
type Matcher struct {
	store          Store
	candidateLimit int
}

func NewMatcher(store Store, candidateLimit int) *Matcher {
	if candidateLimit <= 0 {
		candidateLimit = defaultCandidateLimit
	}
	return &Matcher{store: store, candidateLimit: candidateLimit}
}

// FindOrCreateSession joins the best waiting session for selfID or creates a
// waiting one. Lost claims are retried against a fresh lookup, which creates
// a session once nothing claimable is left.
func (m *Matcher) FindOrCreateSession(ctx context.Context, selfID string, interests model.Interests) (*model.ChatSession, error) {
	params := model.CreateSessionParams{InitiatorID: selfID, Interests: interests}

	for attempt := 1; attempt <= maxMatchAttempts; attempt++ {
		lookup, err := m.store.FindOrCreateWaiting(ctx, params, m.candidateLimit)
		if err != nil {
			if apperrors.HasCode(err, apperrors.ErrCodeConflict) {
				log.Debug().Err(err).Str("clientId", selfID).Int("attempt", attempt).Msg("lookup conflicted, retrying")
				continue
			}
			return nil, fmt.Errorf("find or create session: %w", err)
		}

		if lookup.Created != nil {
			log.Info().
				Str("clientId", selfID).
				Str("sessionId", lookup.Created.ID).
				Strs("interests", interests).
				Msg("waiting for a stranger")
			return lookup.Created, nil
		}

		candidate := PickCandidate(lookup.Candidates, interests)
		if candidate == nil {
			continue
		}

		joined, err := m.store.JoinSession(ctx, candidate.ID, selfID)
		if err == nil {
			log.Info().
				Str("clientId", selfID).
				Str("sessionId", joined.ID).
				Int("attempt", attempt).
				Msg("joined waiting session")
			return joined, nil
		}
		if apperrors.HasCode(err, apperrors.ErrCodeRaceLost) || apperrors.HasCode(err, apperrors.ErrCodeConflict) {
			log.Debug().
				Str("clientId", selfID).
				Str("sessionId", candidate.ID).
				Int("attempt", attempt).
				Msg("lost the claim, retrying")
			continue
		}
		return nil, fmt.Errorf("join session: %w", err)
	}

	return nil, apperrors.Conflict(fmt.Sprintf("Could not match after %d attempts", maxMatchAttempts))
}

// PickCandidate returns the first candidate sharing an interest, or the first
// candidate when none does.
func PickCandidate(candidates []*model.ChatSession, interests model.Interests) *model.ChatSession {
	if len(candidates) == 0 {
		return nil
	}
	for _, c := range candidates {
		if c.Interests.Overlaps(interests) {
			return c
		}
	}
	return candidates[0]
}
