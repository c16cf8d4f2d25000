package core

import (
	"errors"
	"fmt"
)

type GateState uint8

const (
	GateNotChecked GateState = iota
	GateChecking
	GateAlreadyJoined
	GateAwaitingAccept
	GateJoining
	GateJoined
	GateDeclined
	GateLeft
	GateLeaving
	GateError
)

var ErrInvalidTransition = errors.New("invalid gate transition")

func (s GateState) String() string {
	switch s {
	case GateNotChecked:
		return "NOT_CHECKED"
	case GateChecking:
		return "CHECKING"
	case GateAlreadyJoined:
		return "ALREADY_JOINED"
	case GateAwaitingAccept:
		return "AWAITING_ACCEPT"
	case GateJoining:
		return "JOINING"
	case GateJoined:
		return "JOINED"
	case GateDeclined:
		return "DECLINED"
	case GateLeft:
		return "LEFT"
	case GateLeaving:
		return "LEAVING"
	case GateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s GateState) Terminal() bool {
	return s == GateDeclined || s == GateLeft
}

type TransitionFunc func(from, to GateState)

// ParticipationGate decides whether the local actor may transmit or receive.
// JOINED is reachable only through CHECKING (already active) or
// AWAITING_ACCEPT followed by a successful accept.
// Not safe for concurrent use: the coordinator queue owns it.
type ParticipationGate struct {
	state     GateState
	lastErr   error
	observers []TransitionFunc
}

func NewParticipationGate() *ParticipationGate {
	return &ParticipationGate{state: GateNotChecked}
}

func (g *ParticipationGate) State() GateState { return g.state }

// LastError is the surfaced, retryable error of the latest failed step.
func (g *ParticipationGate) LastError() error { return g.lastErr }

func (g *ParticipationGate) CanTransmit() bool { return g.state == GateJoined }

func (g *ParticipationGate) OnTransition(fn TransitionFunc) {
	g.observers = append(g.observers, fn)
}

// BeginCheck starts the participation check; ERROR may retry.
func (g *ParticipationGate) BeginCheck() error {
	if err := g.expect("check", GateNotChecked, GateError); err != nil {
		return err
	}
	g.lastErr = nil
	g.move(GateChecking)
	return nil
}

// CheckResult resolves CHECKING. A failed check fails open to the accept
// prompt rather than blocking the actor.
func (g *ParticipationGate) CheckResult(active bool, err error) error {
	if e := g.expect("check result", GateChecking); e != nil {
		return e
	}
	if err != nil {
		g.lastErr = asKind(KindParticipationCheck, "check", err)
		g.move(GateAwaitingAccept)
		return nil
	}
	if active {
		g.move(GateAlreadyJoined)
		g.move(GateJoined)
		return nil
	}
	g.move(GateAwaitingAccept)
	return nil
}

func (g *ParticipationGate) BeginAccept() error {
	if err := g.expect("accept", GateAwaitingAccept); err != nil {
		return err
	}
	g.lastErr = nil
	g.move(GateJoining)
	return nil
}

func (g *ParticipationGate) AcceptResult(err error) error {
	if e := g.expect("accept result", GateJoining); e != nil {
		return e
	}
	if err != nil {
		g.lastErr = asKind(KindJoin, "join", err)
		g.move(GateAwaitingAccept)
		return nil
	}
	g.move(GateJoined)
	return nil
}

func (g *ParticipationGate) Decline() error {
	if err := g.expect("decline", GateAwaitingAccept); err != nil {
		return err
	}
	g.lastErr = nil
	g.move(GateDeclined)
	return nil
}

func (g *ParticipationGate) BeginExit() error {
	if err := g.expect("exit", GateJoined); err != nil {
		return err
	}
	g.lastErr = nil
	g.move(GateLeaving)
	return nil
}

func (g *ParticipationGate) ExitResult(err error) error {
	if e := g.expect("exit result", GateLeaving); e != nil {
		return e
	}
	if err != nil {
		g.lastErr = asKind(KindLeave, "leave", err)
		g.move(GateJoined)
		return nil
	}
	g.move(GateLeft)
	return nil
}

// Fail parks the gate in ERROR when the session itself cannot be resolved.
func (g *ParticipationGate) Fail(err error) error {
	if e := g.expect("fail", GateNotChecked); e != nil {
		return e
	}
	g.lastErr = err
	g.move(GateError)
	return nil
}

func (g *ParticipationGate) expect(op string, allowed ...GateState) error {
	for _, s := range allowed {
		if g.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, g.state)
}

func (g *ParticipationGate) move(to GateState) {
	from := g.state
	g.state = to
	for _, fn := range g.observers {
		fn(from, to)
	}
}

func asKind(kind ErrorKind, op string, err error) error {
	var ce *Error
	if errors.As(err, &ce) && ce.Kind == kind {
		return ce
	}
	return NewError(kind, op, err)
}
