// Package smartcharging keeps the charging limits imposed on each session by
// the central system and resolves the one currently in force.
package smartcharging

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Profile purposes, as defined by OCPP 1.6.
const (
	PurposeChargePointMax = "ChargePointMaxProfile"
	PurposeTxDefault      = "TxDefaultProfile"
	PurposeTx             = "TxProfile"
)

// Limit is one installed charging profile reduced to a power ceiling.
type Limit struct {
	ProfileID  int       `json:"profile_id"`
	Purpose    string    `json:"purpose"`
	StackLevel int       `json:"stack_level"`
	KW         float64   `json:"kw"`
	SetAt      time.Time `json:"set_at"`
}

// ClearFilter selects the limits removed by Clear. Zero fields match
// everything.
type ClearFilter struct {
	ProfileID  *int
	Purpose    string
	StackLevel *int
}

func (f ClearFilter) matches(l Limit) bool {
	if f.ProfileID != nil && *f.ProfileID != l.ProfileID {
		return false
	}
	if f.Purpose != "" && f.Purpose != l.Purpose {
		return false
	}
	if f.StackLevel != nil && *f.StackLevel != l.StackLevel {
		return false
	}
	return true
}

// Store is an in-memory limit store safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	limits map[string][]Limit
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{limits: make(map[string][]Limit)}
}

// SetLimit installs l for the session, replacing a limit with the same
// profile id or the same purpose and stack level.
func (s *Store) SetLimit(sessionID string, l Limit) error {
	switch l.Purpose {
	case PurposeChargePointMax, PurposeTxDefault, PurposeTx:
	default:
		return fmt.Errorf("unknown charging profile purpose %q", l.Purpose)
	}
	if l.KW < 0 {
		return fmt.Errorf("limit must not be negative, got %.2f kW", l.KW)
	}
	if l.SetAt.IsZero() {
		l.SetAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.limits[sessionID][:0:0]
	for _, old := range s.limits[sessionID] {
		if old.ProfileID == l.ProfileID || (old.Purpose == l.Purpose && old.StackLevel == l.StackLevel) {
			continue
		}
		cur = append(cur, old)
	}
	s.limits[sessionID] = append(cur, l)
	return nil
}

// Clear removes the matching limits and returns how many were removed.
func (s *Store) Clear(sessionID string, f ClearFilter) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []Limit
	removed := 0
	for _, l := range s.limits[sessionID] {
		if f.matches(l) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	if len(kept) == 0 {
		delete(s.limits, sessionID)
	} else {
		s.limits[sessionID] = kept
	}
	return removed
}

// Limits returns the installed limits of a session ordered by purpose and
// stack level.
func (s *Store) Limits(sessionID string) []Limit {
	s.mu.RLock()
	out := append([]Limit(nil), s.limits[sessionID]...)
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Purpose != out[j].Purpose {
			return out[i].Purpose < out[j].Purpose
		}
		return out[i].StackLevel < out[j].StackLevel
	})
	return out
}

// CurrentLimit returns the ceiling in force: within a purpose the highest
// stack level wins, a TxProfile overrides the TxDefaultProfile, and the
// ChargePointMaxProfile caps the result.
func (s *Store) CurrentLimit(sessionID string) (float64, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	top := make(map[string]Limit, 3)
	for _, l := range s.limits[sessionID] {
		if cur, ok := top[l.Purpose]; !ok || l.StackLevel > cur.StackLevel {
			top[l.Purpose] = l
		}
	}
	tx, ok := top[PurposeTx]
	if !ok {
		tx, ok = top[PurposeTxDefault]
	}
	if cpMax, hasMax := top[PurposeChargePointMax]; hasMax && (!ok || cpMax.KW < tx.KW) {
		tx, ok = cpMax, true
	}
	if !ok {
		return 0, "", false
	}
	return tx.KW, tx.Purpose, true
}

// Forget drops every limit of a session.
func (s *Store) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.limits, sessionID)
	s.mu.Unlock()
}
