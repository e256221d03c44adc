package search

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bptarpley/corpora/cache"
	"github.com/google/uuid"
)

const cursorKeyPrefix = "cursor:"

// cursorState is what a page token stands for: the position after the last hit of the
// previous page.
type cursorState struct {
	Index       string `json:"index"`
	Fingerprint string `json:"fingerprint"`
	Page        int    `json:"page"`
	PageSize    int    `json:"page_size"`
	SearchAfter []any  `json:"search_after"`
}

// CursorStore keeps cursor state server-side under short-lived random tokens.
type CursorStore struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewCursorStore creates a store whose tokens expire after ttl.
func NewCursorStore(c cache.Cache, ttl time.Duration) *CursorStore {
	return &CursorStore{cache: c, ttl: ttl}
}

func (s *CursorStore) save(ctx context.Context, state cursorState) (string, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}
	token := uuid.NewString()
	if err := s.cache.Set(ctx, cursorKeyPrefix+token, payload, s.ttl); err != nil {
		return "", fmt.Errorf("failed to store cursor: %w", err)
	}
	return token, nil
}

func (s *CursorStore) load(ctx context.Context, token string) (*cursorState, error) {
	payload, err := s.cache.Get(ctx, cursorKeyPrefix+token)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, ErrCursorExpired
		}
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	var state cursorState
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode cursor: %w", err)
	}
	return &state, nil
}

// fingerprint identifies the query and sort a cursor was issued for.
func fingerprint(req *Request) string {
	payload, _ := json.Marshal([]any{req.Index, req.Query, req.Sort})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
