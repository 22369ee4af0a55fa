// Package directory is the Redis-backed participant directory: one hash
// per session keyed by user id, with a pub/sub change feed mirroring every
// write so call peers see roster updates without polling.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

var ErrNotFound = errors.New("participant not found")

const changesBacklog = 64

type Store struct {
	rdb     *redis.Client
	sub     *redis.PubSub
	changes chan domain.RosterEvent
	cancel  context.CancelFunc
}

func participantsKey(sid domain.SessionID) string {
	return fmt.Sprintf("call:%s:participants", sid)
}

func statusKey(sid domain.SessionID) string {
	return fmt.Sprintf("call:%s:status", sid)
}

func rosterChannel(sid domain.SessionID) string {
	return fmt.Sprintf("call:%s:roster", sid)
}

// changeMsg is the pub/sub frame for roster events.
type changeMsg struct {
	Kind        domain.RosterEventKind `json:"kind"`
	Participant domain.Participant     `json:"participant"`
}

// Connect opens the store and subscribes to the session's change feed.
func Connect(ctx context.Context, cfg config.RedisConfig, sid domain.SessionID) (core.Directory, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Store{
		rdb:     rdb,
		sub:     rdb.Subscribe(ctx, rosterChannel(sid)),
		changes: make(chan domain.RosterEvent, changesBacklog),
		cancel:  cancel,
	}
	go s.feed(ctx)
	return s, nil
}

func (s *Store) feed(ctx context.Context) {
	defer close(s.changes)
	ch := s.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var cm changeMsg
			if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
				log.Error().Err(err).Str("module", "directory").Msg("bad roster message")
				continue
			}
			select {
			case s.changes <- domain.RosterEvent{Kind: cm.Kind, Participant: cm.Participant}:
			default:
				log.Warn().Str("module", "directory").Msg("changes backlog full, dropping")
			}
		}
	}
}

func (s *Store) Join(ctx context.Context, p domain.Participant) error {
	existing, err := s.get(ctx, p.SessionID, p.UserID)
	if err == nil && !existing.Left() {
		// Already present with no stale leave_time; keep the record.
		return nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	return s.put(ctx, p, domain.RosterUpdated)
}

func (s *Store) Leave(ctx context.Context, sid domain.SessionID, uid domain.UserID) error {
	return s.update(ctx, sid, uid, func(p *domain.Participant) {
		now := time.Now().UTC()
		p.LeaveTime = now
		p.Muted = true
		p.Speaking = false
		p.HasVideo = false
		p.SharingScreen = false
	})
}

func (s *Store) SetMuted(ctx context.Context, sid domain.SessionID, uid domain.UserID, muted bool) error {
	return s.update(ctx, sid, uid, func(p *domain.Participant) { p.Muted = muted })
}

func (s *Store) SetSpeaking(ctx context.Context, sid domain.SessionID, uid domain.UserID, speaking bool) error {
	return s.update(ctx, sid, uid, func(p *domain.Participant) { p.Speaking = speaking })
}

func (s *Store) SetVideo(ctx context.Context, sid domain.SessionID, uid domain.UserID, hasVideo bool) error {
	return s.update(ctx, sid, uid, func(p *domain.Participant) {
		p.HasVideo = hasVideo
		if hasVideo {
			p.SharingScreen = false
		}
	})
}

func (s *Store) SetScreen(ctx context.Context, sid domain.SessionID, uid domain.UserID, sharing bool) error {
	return s.update(ctx, sid, uid, func(p *domain.Participant) {
		p.SharingScreen = sharing
		if sharing {
			p.HasVideo = false
		}
	})
}

func (s *Store) Roster(ctx context.Context, sid domain.SessionID) ([]domain.Participant, error) {
	all, err := s.rdb.HGetAll(ctx, participantsKey(sid)).Result()
	if err != nil {
		return nil, fmt.Errorf("roster: %w", err)
	}
	out := make([]domain.Participant, 0, len(all))
	for _, raw := range all {
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			log.Error().Err(err).Str("module", "directory").Msg("bad participant record")
			continue
		}
		if p.Left() {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) Flags(ctx context.Context, sid domain.SessionID, uid domain.UserID) (core.MediaFlags, error) {
	p, err := s.get(ctx, sid, uid)
	if err != nil {
		return core.MediaFlags{}, err
	}
	if p.Left() {
		return core.MediaFlags{}, ErrNotFound
	}
	return core.MediaFlags{HasVideo: p.HasVideo, SharingScreen: p.SharingScreen}, nil
}

func (s *Store) EndSessionIfEmpty(ctx context.Context, sid domain.SessionID) (bool, error) {
	roster, err := s.Roster(ctx, sid)
	if err != nil {
		return false, err
	}
	if len(roster) > 0 {
		return false, nil
	}
	if err := s.rdb.Set(ctx, statusKey(sid), "ended", 0).Err(); err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	log.Info().Str("module", "directory").Str("session", string(sid)).Msg("session ended")
	return true, nil
}

func (s *Store) Changes() <-chan domain.RosterEvent { return s.changes }

func (s *Store) Close() {
	s.cancel()
	_ = s.sub.Close()
	_ = s.rdb.Close()
}

func (s *Store) get(ctx context.Context, sid domain.SessionID, uid domain.UserID) (domain.Participant, error) {
	raw, err := s.rdb.HGet(ctx, participantsKey(sid), string(uid)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Participant{}, ErrNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	var p domain.Participant
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return domain.Participant{}, fmt.Errorf("decode participant: %w", err)
	}
	return p, nil
}

func (s *Store) put(ctx context.Context, p domain.Participant, kind domain.RosterEventKind) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode participant: %w", err)
	}
	if err := s.rdb.HSet(ctx, participantsKey(p.SessionID), string(p.UserID), raw).Err(); err != nil {
		return fmt.Errorf("put participant: %w", err)
	}
	notice, err := json.Marshal(changeMsg{Kind: kind, Participant: p})
	if err != nil {
		return fmt.Errorf("encode roster event: %w", err)
	}
	if err := s.rdb.Publish(ctx, rosterChannel(p.SessionID), notice).Err(); err != nil {
		log.Error().Err(err).Str("module", "directory").Msg("publish roster event")
	}
	return nil
}

func (s *Store) update(ctx context.Context, sid domain.SessionID, uid domain.UserID, mutate func(*domain.Participant)) error {
	p, err := s.get(ctx, sid, uid)
	if err != nil {
		return err
	}
	mutate(&p)
	p.UpdatedAt = time.Now().UTC()
	return s.put(ctx, p, domain.RosterUpdated)
}
