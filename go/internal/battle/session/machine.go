// Package session implements the per-room phase state machine.
//
// A Machine owns one room's phase, question, roster and hydra health. Every
// mutation goes through transition, which writes a fresh absolute window, so
// no path can leave phaseEndsAt at or before phaseStartedAt. A Machine is not
// safe for concurrent use; the registry serializes access per room.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hydraquiz/battle/go/internal/battle/scoring"
	"github.com/hydraquiz/battle/go/internal/models"
)

type Machine struct {
	cfg       Config
	questions QuestionSource

	state   State
	index   map[string]int
	retries int
	current Snapshot
}

// NewMachine builds a machine from a freshly created room or a checkpoint.
// Checkpointed players start disconnected because no socket survives a
// restart.
func NewMachine(initial State, questions QuestionSource, cfg Config, now time.Time) (*Machine, error) {
	if initial.RoomID == uuid.Nil {
		return nil, fmt.Errorf("%w: room id is required", ErrInvalidInput)
	}
	if questions == nil {
		return nil, errors.New("question source is required")
	}
	if initial.Phase != "" && !initial.Phase.Valid() {
		return nil, fmt.Errorf("%w: unknown phase %q", ErrInvalidInput, initial.Phase)
	}

	m := &Machine{
		cfg:       cfg,
		questions: questions,
		state:     initial.Clone(),
	}
	m.restore(now)
	m.emit()
	return m, nil
}

func (m *Machine) restore(now time.Time) {
	s := &m.state

	if s.MaxHydraHealth <= 0 {
		s.MaxHydraHealth = m.cfg.DefaultHydraHealth
	}
	if s.Phase == "" {
		s.Phase = PhaseLobby
		s.HydraHealth = s.MaxHydraHealth
		s.Question = nil
		s.PhaseStartedAt, s.PhaseEndsAt = time.Time{}, time.Time{}
	}
	s.HydraHealth = clamp(s.HydraHealth, 0, s.MaxHydraHealth)

	m.index = make(map[string]int, len(s.Players))
	for i := range s.Players {
		s.Players[i].Connected = false
		s.Players[i].ConnectionID = ""
		m.index[s.Players[i].ID] = i
	}

	if (s.Phase == PhaseQuestion || s.Phase == PhaseReveal) && s.Question == nil {
		m.transition(PhasePreparing, now, m.cfg.PrepareDuration)
		return
	}
	if s.Phase == PhaseLobby || s.Phase == PhaseEnded {
		s.Question = nil
	}
	if s.Phase == PhaseLobby && s.AutoStartArmed {
		s.AutoStartArmed = false
		m.transition(PhaseLobby, now, m.cfg.LobbyHold)
		return
	}
	if !s.Window().Valid() {
		m.transition(s.Phase, now, m.durationFor(s.Phase))
	}
}

// Snapshot returns the last emitted snapshot.
func (m *Machine) Snapshot() Snapshot {
	return m.current
}

// State returns a deep copy of the state for checkpointing.
func (m *Machine) State() State {
	return m.state.Clone()
}

func (m *Machine) Phase() Phase {
	return m.state.Phase
}

// Expired reports whether the room has ended and its grace window elapsed.
func (m *Machine) Expired(now time.Time) bool {
	return m.state.Phase == PhaseEnded && m.state.Window().Due(now)
}

// Tick performs at most one deadline-driven transition. It returns nil when
// the deadline has not been reached.
func (m *Machine) Tick(ctx context.Context, now time.Time) (*Snapshot, error) {
	if !m.state.Window().Due(now) {
		return nil, nil
	}

	var snap Snapshot
	switch m.state.Phase {
	case PhaseLobby:
		if m.state.AutoStartArmed && m.connectedCount() > 0 {
			snap = m.startPreparing(now)
		} else {
			m.state.AutoStartArmed = false
			snap = m.enter(PhaseLobby, now, m.cfg.LobbyHold)
		}
	case PhasePreparing:
		s, err := m.drawQuestion(ctx, now)
		if err != nil {
			return nil, err
		}
		snap = s
	case PhaseQuestion:
		snap = m.enter(PhaseReveal, now, m.cfg.RevealDuration)
	case PhaseReveal:
		snap = m.enter(PhaseScoreboard, now, m.cfg.ScoreboardDuration)
	case PhaseScoreboard:
		snap = m.afterScoreboard(now)
	case PhaseEnded:
		return nil, nil
	}
	return &snap, nil
}

// SubmitAnswer scores the first valid submission of a player for the active
// question. When every connected player has answered the machine moves to
// REVEAL immediately.
func (m *Machine) SubmitAnswer(a Answer, now time.Time) (ScoreDelta, Snapshot, error) {
	if m.state.Phase != PhaseQuestion {
		return ScoreDelta{}, m.current, fmt.Errorf("%w: answer during %s", ErrInvalidPhaseForAction, m.state.Phase)
	}
	i, ok := m.index[a.PlayerID]
	if !ok {
		return ScoreDelta{}, m.current, fmt.Errorf("%w: %s", ErrUnknownPlayer, a.PlayerID)
	}
	if a.ConnectionID != "" && m.state.Players[i].ConnectionID != a.ConnectionID {
		return ScoreDelta{}, m.current, fmt.Errorf("%w: %s", ErrStaleConnection, a.PlayerID)
	}
	q := m.state.Question
	if a.QuestionID != uuid.Nil && a.QuestionID != q.ID {
		return ScoreDelta{}, m.current, ErrStaleQuestion
	}
	if m.state.Answered[a.PlayerID] {
		return ScoreDelta{}, m.current, ErrDuplicateSubmission
	}
	w := m.state.Window()
	if w.Due(now) {
		return ScoreDelta{}, m.current, ErrAnswerWindowClosed
	}

	elapsed := m.compensateLag(w.Elapsed(now), a.ClientElapsed)

	p := &m.state.Players[i]
	res := scoring.Resolve(*q, scoring.Submission{
		PlayerID: p.ID,
		Class:    p.Class,
		Answer:   a.Answer,
		Elapsed:  elapsed,
		Window:   w.Duration(),
	}, m.cfg.Rules)

	m.state.Answered[p.ID] = true
	p.Score += res.Points

	delta := ScoreDelta{
		PlayerID:   p.ID,
		QuestionID: q.ID,
		IsCorrect:  res.IsCorrect,
		Points:     res.Points,
		Attack:     res.Attack,
		Elapsed:    elapsed,
	}
	if res.Attack != nil {
		delta.Damage = min(res.Attack.Damage, m.state.HydraHealth)
		m.state.HydraHealth -= delta.Damage
	}
	delta.HydraHealth = m.state.HydraHealth

	if m.allConnectedAnswered() {
		m.transition(PhaseReveal, now, m.cfg.RevealDuration)
	}
	return delta, m.emit(), nil
}

// AddPlayer inserts an unseen player or reconnects a known one.
func (m *Machine) AddPlayer(j PlayerJoin, now time.Time) (Snapshot, error) {
	id := strings.TrimSpace(j.PlayerID)
	if id == "" {
		return m.current, fmt.Errorf("%w: player id is required", ErrInvalidInput)
	}

	if i, ok := m.index[id]; ok {
		p := &m.state.Players[i]
		p.Connected = true
		p.ConnectionID = j.ConnectionID
		if name := strings.TrimSpace(j.Name); name != "" {
			p.Name = name
		}
	} else {
		if limit := m.maxPlayers(); limit > 0 && len(m.state.Players) >= limit {
			return m.current, fmt.Errorf("%w: limit is %d", ErrRoomFull, limit)
		}
		m.state.Players = append(m.state.Players, models.Player{
			ID:           id,
			Name:         strings.TrimSpace(j.Name),
			Class:        j.Class,
			Connected:    true,
			ConnectionID: j.ConnectionID,
			JoinedAt:     now,
		})
		m.index[id] = len(m.state.Players) - 1
	}

	m.evaluateAutoStart(now)
	return m.emit(), nil
}

// RemovePlayer marks a player disconnected. A non-empty connectionID must
// match the player's current connection, so a late close from a replaced
// socket is ignored.
func (m *Machine) RemovePlayer(playerID, connectionID string, now time.Time) (Snapshot, error) {
	i, ok := m.index[playerID]
	if !ok {
		return m.current, fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}
	p := &m.state.Players[i]
	if !p.Connected || (connectionID != "" && p.ConnectionID != connectionID) {
		return m.current, nil
	}

	p.Connected = false
	p.ConnectionID = ""

	m.evaluateAutoStart(now)
	if m.state.Phase == PhaseQuestion && m.allConnectedAnswered() {
		m.transition(PhaseReveal, now, m.cfg.RevealDuration)
	}
	return m.emit(), nil
}

// ForceCommand applies a host command.
func (m *Machine) ForceCommand(ctx context.Context, cmd Command, now time.Time) (Snapshot, error) {
	switch cmd.Name {
	case CommandStart:
		if m.state.Phase != PhaseLobby {
			return m.current, fmt.Errorf("%w: start during %s", ErrInvalidPhaseForAction, m.state.Phase)
		}
		if m.connectedCount() == 0 {
			return m.current, ErrNoConnectedPlayers
		}
		return m.startPreparing(now), nil

	case CommandSkip:
		switch m.state.Phase {
		case PhaseLobby:
			return m.ForceCommand(ctx, Command{Name: CommandStart}, now)
		case PhasePreparing:
			return m.drawQuestion(ctx, now)
		case PhaseQuestion:
			return m.enter(PhaseReveal, now, m.cfg.RevealDuration), nil
		case PhaseReveal:
			return m.enter(PhaseScoreboard, now, m.cfg.ScoreboardDuration), nil
		case PhaseScoreboard:
			return m.afterScoreboard(now), nil
		}
		return m.current, fmt.Errorf("%w: skip during %s", ErrInvalidPhaseForAction, m.state.Phase)

	case CommandReset:
		s := &m.state
		for i := range s.Players {
			s.Players[i].Score = 0
		}
		s.HydraHealth = s.MaxHydraHealth
		s.Cursor = 0
		s.Question = nil
		s.Answered = make(map[string]bool)
		s.Outcome = ""
		s.AutoStartArmed = false
		m.retries = 0
		m.transition(PhaseLobby, now, m.cfg.LobbyHold)
		m.evaluateAutoStart(now)
		return m.emit(), nil

	case CommandEnd:
		if m.state.Phase == PhaseEnded {
			return m.current, fmt.Errorf("%w: room already ended", ErrInvalidPhaseForAction)
		}
		return m.end(now, OutcomeAborted), nil
	}
	return m.current, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
}

func (m *Machine) startPreparing(now time.Time) Snapshot {
	m.state.AutoStartArmed = false
	return m.enter(PhasePreparing, now, m.cfg.PrepareDuration)
}

// drawQuestion loads the next question before mutating anything. A failed
// lookup leaves the machine in PREPARING so the next tick retries it.
func (m *Machine) drawQuestion(ctx context.Context, now time.Time) (Snapshot, error) {
	q, err := m.questions.NextQuestion(ctx, m.state.RoomID, m.state.Cursor)
	if err != nil {
		m.retries++
		if m.retries >= m.cfg.MaxCollaboratorRetries {
			log.Error().
				Err(err).
				Str("room_id", m.state.RoomID.String()).
				Int("attempts", m.retries).
				Msg("question source unavailable, ending room")
			m.retries = 0
			return m.end(now, OutcomeAborted), nil
		}
		return m.current, fmt.Errorf("%w: next question at cursor %d: %v", ErrCollaboratorUnavailable, m.state.Cursor, err)
	}
	m.retries = 0

	if q == nil {
		return m.end(now, m.outcome()), nil
	}

	drawn := q.Clone()
	m.state.Question = &drawn
	m.state.Cursor++
	m.state.Answered = make(map[string]bool)
	return m.enter(PhaseQuestion, now, drawn.TimeLimit(m.questionDefault())), nil
}

// afterScoreboard checks hit points before the cursor so a boss killed on
// the final question still ends in victory.
func (m *Machine) afterScoreboard(now time.Time) Snapshot {
	switch {
	case m.state.HydraHealth <= 0:
		return m.end(now, OutcomeVictory)
	case m.state.TotalQuestions > 0 && m.state.Cursor >= m.state.TotalQuestions:
		return m.end(now, OutcomeDefeat)
	}
	return m.enter(PhasePreparing, now, m.cfg.PrepareDuration)
}

func (m *Machine) end(now time.Time, outcome Outcome) Snapshot {
	m.state.Outcome = outcome
	m.state.Question = nil
	m.state.AutoStartArmed = false
	return m.enter(PhaseEnded, now, m.cfg.EndedGrace)
}

func (m *Machine) outcome() Outcome {
	if m.state.HydraHealth <= 0 {
		return OutcomeVictory
	}
	return OutcomeDefeat
}

func (m *Machine) evaluateAutoStart(now time.Time) {
	if m.state.Phase != PhaseLobby {
		return
	}
	policy := m.autoStart()
	if !policy.Enabled {
		return
	}

	connected := m.connectedCount()
	switch {
	case connected >= policy.MinPlayers && !m.state.AutoStartArmed:
		m.state.AutoStartArmed = true
		m.transition(PhaseLobby, now, policy.Delay)
	case connected < policy.MinPlayers && m.state.AutoStartArmed:
		m.state.AutoStartArmed = false
		m.transition(PhaseLobby, now, m.cfg.LobbyHold)
	}
}

func (m *Machine) enter(p Phase, now time.Time, d time.Duration) Snapshot {
	m.transition(p, now, d)
	return m.emit()
}

// transition rewrites phase and window. now never moves the window start
// backwards.
func (m *Machine) transition(p Phase, now time.Time, d time.Duration) {
	if now.Before(m.state.PhaseStartedAt) {
		now = m.state.PhaseStartedAt
	}
	w := NewWindow(now, d)
	m.state.Phase = p
	m.state.PhaseStartedAt = w.StartedAt
	m.state.PhaseEndsAt = w.EndsAt
}

func (m *Machine) emit() Snapshot {
	m.state.Version++
	m.current = m.buildSnapshot()
	return m.current
}

func (m *Machine) buildSnapshot() Snapshot {
	s := m.state
	snap := Snapshot{
		RoomID:         s.RoomID,
		JoinCode:       s.JoinCode,
		Version:        s.Version,
		Phase:          s.Phase,
		Outcome:        s.Outcome,
		Players:        make([]PlayerView, 0, len(s.Players)),
		HydraHealth:    s.HydraHealth,
		MaxHydraHealth: s.MaxHydraHealth,
		QuestionNumber: s.Cursor,
		TotalQuestions: s.TotalQuestions,
		PhaseStartsAt:  s.PhaseStartedAt,
		PhaseEndsAt:    s.PhaseEndsAt,
	}
	for _, p := range s.Players {
		snap.Players = append(snap.Players, PlayerView{
			ID:        p.ID,
			Name:      p.Name,
			Class:     p.Class,
			Score:     p.Score,
			Connected: p.Connected,
			Answered:  s.Answered[p.ID],
		})
	}
	if s.Question != nil && (s.Phase == PhaseQuestion || s.Phase == PhaseReveal) {
		q := s.Question
		view := QuestionView{
			ID:       q.ID,
			Prompt:   q.Prompt,
			Options:  append([]string(nil), q.Options...),
			Category: q.Category,
		}
		if s.Phase == PhaseReveal {
			idx := q.CorrectIndex
			view.CorrectIndex = &idx
		}
		snap.Question = &view
	}
	return snap
}

func (m *Machine) connectedCount() int {
	n := 0
	for _, p := range m.state.Players {
		if p.Connected {
			n++
		}
	}
	return n
}

func (m *Machine) allConnectedAnswered() bool {
	connected := 0
	for _, p := range m.state.Players {
		if !p.Connected {
			continue
		}
		connected++
		if !m.state.Answered[p.ID] {
			return false
		}
	}
	return connected > 0
}

func (m *Machine) autoStart() AutoStartPolicy {
	policy := m.cfg.AutoStart
	if m.state.Settings.AutoStart {
		policy.Enabled = true
	}
	if policy.MinPlayers < 1 {
		policy.MinPlayers = 1
	}
	return policy
}

func (m *Machine) maxPlayers() int {
	if m.state.Settings.MaxPlayers > 0 {
		return m.state.Settings.MaxPlayers
	}
	return m.cfg.MaxPlayers
}

func (m *Machine) questionDefault() time.Duration {
	if d := m.state.Settings.QuestionTimeLimit(); d > 0 {
		return d
	}
	return m.cfg.QuestionDuration
}

func (m *Machine) durationFor(p Phase) time.Duration {
	switch p {
	case PhasePreparing:
		return m.cfg.PrepareDuration
	case PhaseQuestion:
		if m.state.Question != nil {
			return m.state.Question.TimeLimit(m.questionDefault())
		}
		return m.questionDefault()
	case PhaseReveal:
		return m.cfg.RevealDuration
	case PhaseScoreboard:
		return m.cfg.ScoreboardDuration
	case PhaseEnded:
		return m.cfg.EndedGrace
	}
	return m.cfg.LobbyHold
}

// compensateLag honours a client-measured elapsed time only inside
// [server-MaxLagCompensation, server].
func (m *Machine) compensateLag(server time.Duration, client *time.Duration) time.Duration {
	if client == nil || *client < 0 || *client > server {
		return server
	}
	floor := max(server-m.cfg.MaxLagCompensation, 0)
	return max(*client, floor)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
