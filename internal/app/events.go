package app

import "github.com/dkeye/peercall/internal/domain"

// EventKind labels orchestrator notifications.
type EventKind string

const (
	EventCallStarted        EventKind = "call_started"
	EventCallEnded          EventKind = "call_ended"
	EventParticipantUpdated EventKind = "participant_updated"
	EventParticipantLeft    EventKind = "participant_left"
	EventTrackAttributed    EventKind = "track_attributed"
	EventSpeakingChanged    EventKind = "speaking_changed"
	EventMuteChanged        EventKind = "mute_changed"
	EventSpeakerChanged     EventKind = "speaker_changed"
	EventScreenShare        EventKind = "screen_share"
	EventLinkChanged        EventKind = "link_changed"
	EventRefresh            EventKind = "refresh"
	EventError              EventKind = "error"
)

// Event is one observable state change. On carries the boolean payload for
// toggle-like kinds (muted, speaking, sharing, link up).
type Event struct {
	Kind        EventKind        `json:"kind"`
	Session     domain.SessionID `json:"session_id,omitempty"`
	Participant domain.UserID    `json:"participant,omitempty"`
	Role        domain.TrackRole `json:"role,omitempty"`
	On          bool             `json:"on,omitempty"`
	Err         error            `json:"-"`
}

// CallState is the externally visible call snapshot.
type CallState struct {
	Active        bool             `json:"is_call_active"`
	SessionID     domain.SessionID `json:"current_session_id,omitempty"`
	Muted         bool             `json:"is_muted"`
	SpeakerMuted  bool             `json:"is_speaker_muted"`
	HasActiveLink bool             `json:"has_active_link"`
	CameraOn      bool             `json:"has_video"`
	SharingScreen bool             `json:"is_screen_sharing"`
}

// ParticipantView is a roster entry plus the ids of the live inbound
// tracks attributed to that participant.
type ParticipantView struct {
	domain.Participant
	AudioTrackID  string `json:"audio_track_id,omitempty"`
	CameraTrackID string `json:"camera_track_id,omitempty"`
	ScreenTrackID string `json:"screen_track_id,omitempty"`
}
