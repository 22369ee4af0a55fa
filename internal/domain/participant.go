// Package domain contains entity without logic, just meta-data
package domain

import (
	"time"

	"github.com/google/uuid"
)

type (
	UserID    string
	SessionID string
)

// TrackRole is the semantic purpose of a local media track.
type TrackRole string

const (
	RoleAudio  TrackRole = "audio"
	RoleCamera TrackRole = "camera"
	RoleScreen TrackRole = "screen"
)

// Roles lists every role in a fixed reconcile order. Audio first so the
// voice path is attached before any video sender.
func Roles() []TrackRole {
	return []TrackRole{RoleAudio, RoleCamera, RoleScreen}
}

func (r TrackRole) Valid() bool {
	switch r {
	case RoleAudio, RoleCamera, RoleScreen:
		return true
	}
	return false
}

// Participant mirrors the directory record for one call member.
type Participant struct {
	UserID        UserID    `json:"user_id"`
	SessionID     SessionID `json:"session_id"`
	Name          string    `json:"name"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	Muted         bool      `json:"is_muted"`
	Speaking      bool      `json:"is_speaking"`
	HasVideo      bool      `json:"has_video"`
	SharingScreen bool      `json:"stream"`
	JoinTime      time.Time `json:"join_time"`
	LeaveTime     time.Time `json:"leave_time,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewParticipant builds the join-time record with the safety defaults the
// directory expects: muted, no video, no screen.
func NewParticipant(sid SessionID, uid UserID, name string) Participant {
	now := time.Now().UTC()
	return Participant{
		UserID:    uid,
		SessionID: sid,
		Name:      name,
		Muted:     true,
		JoinTime:  now,
		UpdatedAt: now,
	}
}

func (p Participant) Left() bool { return !p.LeaveTime.IsZero() }

// NewUserID is a tiny helper to avoid ad-hoc uuid calls in adapters.
func NewUserID() UserID { return UserID(uuid.NewString()) }

// RosterEventKind classifies directory change notifications.
type RosterEventKind int

const (
	RosterUpdated RosterEventKind = iota
	RosterRemoved
)

// RosterEvent is one directory change, delivered in feed order.
type RosterEvent struct {
	Kind        RosterEventKind
	Participant Participant
}
