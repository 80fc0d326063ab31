package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/weiawesome/wes-io-live-session/pkg/log"
	"github.com/weiawesome/wes-io-live-session/pkg/storage"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/domain"
)

const prefix = "sessions"

// Archive stores summaries of ended sessions as JSON objects keyed
// sessions/{channel}/{session}.json.
type Archive struct {
	store storage.Storage
}

// New creates an archive on store.
func New(store storage.Storage) *Archive {
	return &Archive{store: store}
}

func channelPrefix(channelID string) string {
	return prefix + "/" + url.PathEscape(channelID) + "/"
}

func key(channelID, sessionID string) string {
	return channelPrefix(channelID) + url.PathEscape(sessionID) + ".json"
}

// Save writes the summary of a stopped session.
func (a *Archive) Save(ctx context.Context, s domain.StoppedSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session summary: %w", err)
	}
	k := key(s.ChannelID, s.SessionID)
	if err := a.store.Write(ctx, k, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return fmt.Errorf("failed to write %s: %w", k, err)
	}
	l := log.Ctx(log.WithChannel(ctx, s.ChannelID))
	l.Debug().
		Str(log.FieldSessionID, s.SessionID).
		Msg("session archived")
	return nil
}

// Get returns one archived session.
func (a *Archive) Get(ctx context.Context, channelID, sessionID string) (*domain.StoppedSession, error) {
	rc, err := a.store.Read(ctx, key(channelID, sessionID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	defer rc.Close()

	var s domain.StoppedSession
	if err := json.NewDecoder(rc).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode session summary: %w", err)
	}
	return &s, nil
}

// List returns up to limit archived sessions of channelID, newest first.
// A non-positive limit returns all of them.
func (a *Archive) List(ctx context.Context, channelID string, limit int) ([]domain.StoppedSession, error) {
	files, err := a.store.List(ctx, channelPrefix(channelID))
	if err != nil {
		return nil, err
	}

	l := log.Ctx(ctx)
	sessions := make([]domain.StoppedSession, 0, len(files))
	for _, f := range files {
		if !strings.HasSuffix(f.Key, ".json") {
			continue
		}
		rc, err := a.store.Read(ctx, f.Key)
		if err != nil {
			l.Warn().Err(err).Str("key", f.Key).Msg("skipping unreadable archive entry")
			continue
		}
		var s domain.StoppedSession
		err = json.NewDecoder(rc).Decode(&s)
		rc.Close()
		if err != nil {
			l.Warn().Err(err).Str("key", f.Key).Msg("skipping malformed archive entry")
			continue
		}
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].EndedAt.After(sessions[j].EndedAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}
