package interaction

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/harrybrwn/fedi/mastodon"
)

// Kind is a per-status boolean the user can toggle.
type Kind uint8

const (
	Favourite Kind = iota
	Boost
	Bookmark
	Mute
)

var Kinds = []Kind{Favourite, Boost, Bookmark, Mute}

func (k Kind) String() string {
	switch k {
	case Favourite:
		return "favourite"
	case Boost:
		return "boost"
	case Bookmark:
		return "bookmark"
	case Mute:
		return "mute"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

func (k Kind) valid() bool { return k <= Mute }

// flag returns the status field holding the value of k.
func (k Kind) flag(s *mastodon.Status) **bool {
	switch k {
	case Favourite:
		return &s.Favourited
	case Boost:
		return &s.Reblogged
	case Bookmark:
		return &s.Bookmarked
	case Mute:
		return &s.Muted
	}
	return nil
}

// counter returns the status counter that follows k, or nil.
func (k Kind) counter(s *mastodon.Status) *int {
	switch k {
	case Favourite:
		return &s.FavouritesCount
	case Boost:
		return &s.ReblogsCount
	}
	return nil
}

// serverValue is the value of k on a fetched status. A missing flag reads
// as false.
func (k Kind) serverValue(s *mastodon.Status) bool {
	if s == nil {
		return false
	}
	p := *k.flag(s)
	return p != nil && *p
}

type Phase uint8

const (
	// Synced means the value is whatever the server last reported.
	Synced Phase = iota
	// PendingApply means an optimistic change away from the synced value is
	// waiting for the server.
	PendingApply
	// PendingRevert means requests are in flight but the optimistic value is
	// back at the synced value, either because the user toggled again or
	// because a failed request was rolled back.
	PendingRevert
)

func (p Phase) String() string {
	switch p {
	case Synced:
		return "synced"
	case PendingApply:
		return "pending-apply"
	case PendingRevert:
		return "pending-revert"
	}
	return fmt.Sprintf("Phase(%d)", p)
}

var errInvalidTransition = errors.New("invalid interaction state transition")

// State is the optimistic state of one (status, kind) pair.
type State struct {
	Phase Phase
	// Base is the server value before the first in-flight request. For a
	// synced state it is the current value.
	Base bool
	// Prior is the value before the most recent toggle.
	Prior bool
	// Next is the optimistic value shown to the user.
	Next bool

	inflight int
	latest   uint64
}

func synced(v bool) State { return State{Phase: Synced, Base: v, Prior: v, Next: v} }

// Value is the value the user should see.
func (s State) Value() bool {
	if s.Phase == Synced {
		return s.Base
	}
	return s.Next
}

func (s State) withPhase() State {
	switch {
	case s.inflight == 0:
		return synced(s.Next)
	case s.Next != s.Base:
		s.Phase = PendingApply
	default:
		s.Phase = PendingRevert
	}
	return s
}

// toggle starts request seq, inverting the visible value.
func (s State) toggle(seq uint64) State {
	cur := s.Value()
	if s.Phase == Synced {
		s.Base = cur
	}
	s.Prior = cur
	s.Next = !cur
	s.inflight++
	s.latest = seq
	return s.withPhase()
}

// fail settles request seq unsuccessfully. Only the most recent request rolls
// the visible value back; an older failure is superseded by the newer intent.
func (s State) fail(seq uint64) (State, error) {
	if s.Phase == Synced || s.inflight == 0 {
		return s, errors.Wrapf(errInvalidTransition, "fail from %s", s.Phase)
	}
	s.inflight--
	if seq == s.latest {
		s.Next = s.Prior
	}
	return s.withPhase(), nil
}

// succeed settles request seq with the value the server now reports. When
// other requests are still in flight the optimistic value is kept.
func (s State) succeed(seq uint64, server bool) (State, error) {
	if s.Phase == Synced || s.inflight == 0 {
		return s, errors.Wrapf(errInvalidTransition, "succeed from %s", s.Phase)
	}
	s.inflight--
	if s.inflight == 0 {
		return synced(server), nil
	}
	s.Base = server
	return s.withPhase(), nil
}
