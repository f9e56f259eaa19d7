/*

This file contains the in-process state of the orchestrator: the users with automation enabled and
the outcome of the most recent scan cycle. It is refreshed from the preferences store at the start
of every cycle and updated by the operator API in between.

*/

package orchestrator

import (
	"sort"
	"sync"

	"github.com/elys-network/yieldmover/internal/types"
)

type OrchestratorState struct {
	mu          sync.RWMutex
	preferences map[string]types.Preferences
	lastCycle   *types.CycleSummary
	cyclesRun   int
}

func NewOrchestratorState() *OrchestratorState {
	return &OrchestratorState{preferences: make(map[string]types.Preferences)}
}

// ReplaceUsers swaps the active user set for the one loaded from the store.
func (s *OrchestratorState) ReplaceUsers(users []types.UserPreferences) {
	prefs := make(map[string]types.Preferences, len(users))
	for _, u := range users {
		prefs[u.User] = u.Preferences
	}
	s.mu.Lock()
	s.preferences = prefs
	s.mu.Unlock()
}

func (s *OrchestratorState) SetUser(user string, prefs types.Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[user] = prefs
}

func (s *OrchestratorState) RemoveUser(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.preferences, user)
}

// Preferences returns a copy of the active users' preferences.
func (s *OrchestratorState) Preferences() map[string]types.Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.Preferences, len(s.preferences))
	for user, p := range s.preferences {
		out[user] = p
	}
	return out
}

// Users returns the active users in lexical order.
func (s *OrchestratorState) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]string, 0, len(s.preferences))
	for user := range s.preferences {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

func (s *OrchestratorState) ActiveUserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.preferences)
}

func (s *OrchestratorState) RecordCycle(summary types.CycleSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCycle = &summary
	s.cyclesRun++
}

// LastCycle returns the most recent summary, if any cycle has completed.
func (s *OrchestratorState) LastCycle() (types.CycleSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastCycle == nil {
		return types.CycleSummary{}, false
	}
	return *s.lastCycle, true
}

func (s *OrchestratorState) CyclesRun() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cyclesRun
}
