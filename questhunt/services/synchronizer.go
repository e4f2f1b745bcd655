package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/questhuntapp/questhunt/questhunt/database"
	"github.com/questhuntapp/questhunt/questhunt/database/models"
)

// EmitFunc receives each refreshed joined-quest list. Quests arrive in the
// order of the user's join records; err carries any lookup failures that
// occurred while the (possibly partial) list was assembled.
type EmitFunc func(quests []models.Quest, err error)

// Synchronizer keeps one user's joined-quest list live. It subscribes to
// the user's join records and on every change resolves the referenced
// quests, fanning out id lookups in chunks under the store's query ceiling.
//
// A Synchronizer is either idle or watching exactly one user. Start on a
// watching instance supersedes the previous watch.
type Synchronizer struct {
	gw database.Gateway

	mu     sync.Mutex
	sub    database.Subscription
	cancel context.CancelFunc
	userID string
}

func NewSynchronizer(gw database.Gateway) *Synchronizer {
	return &Synchronizer{gw: gw}
}

// Start begins watching userID's joined quests, emitting a fresh list now
// and after every membership change. Any previous watch is stopped first.
//
// The mutex is held across teardown, subscribe and install so that racing
// Start calls cannot both pass the teardown and strand a live subscription
// where Stop can no longer reach it.
func (s *Synchronizer) Start(ctx context.Context, userID string, emit EmitFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	subCtx, cancel := context.WithCancel(ctx)
	sub, err := s.gw.Subscribe(subCtx, database.CollUserQuests, "userId", userID,
		func(docs []bson.Raw) {
			quests, resolveErr := s.resolve(subCtx, docs)
			emit(quests, resolveErr)
		})
	if err != nil {
		cancel()
		return backendErr("subscribe", database.CollUserQuests, err)
	}

	s.sub = sub
	s.cancel = cancel
	s.userID = userID

	slog.Info("Joined-quest sync started",
		slog.String("type", "sync"),
		slog.String("userId", userID))
	return nil
}

// Stop ends the current watch. Safe to call when idle and safe to call
// more than once.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Synchronizer) stopLocked() {
	if s.sub == nil {
		return
	}
	s.sub.Remove()
	s.cancel()
	slog.Info("Joined-quest sync stopped",
		slog.String("type", "sync"),
		slog.String("userId", s.userID))
	s.sub, s.cancel, s.userID = nil, nil, ""
}

// resolve turns a pushed set of join records into the corresponding quests.
// Lookups run in parallel per chunk; results are reassembled in join-record
// order. Quests that no longer exist are dropped silently. Chunk failures
// are collected into one error and returned alongside whatever resolved.
func (s *Synchronizer) resolve(ctx context.Context, docs []bson.Raw) ([]models.Quest, error) {
	userQuests := make([]models.UserQuest, 0, len(docs))
	for _, raw := range docs {
		var uq models.UserQuest
		if err := bson.Unmarshal(raw, &uq); err != nil {
			return nil, backendErr("decode", database.CollUserQuests, err)
		}
		userQuests = append(userQuests, uq)
	}

	questIDs := make([]string, 0, len(userQuests))
	for _, uq := range userQuests {
		questIDs = append(questIDs, uq.QuestID)
	}
	if len(questIDs) == 0 {
		return []models.Quest{}, nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		byID     = make(map[string]models.Quest, len(questIDs))
		failures []string
	)
	for _, chunk := range database.ChunkIDs(questIDs, database.MaxQueryInSize) {
		wg.Add(1)
		go func(ids []string) {
			defer wg.Done()
			var quests []models.Quest
			err := s.gw.QueryIn(ctx, database.CollQuests, "_id", ids, &quests)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err.Error())
				return
			}
			for _, q := range quests {
				byID[q.ID] = q
			}
		}(chunk)
	}
	wg.Wait()

	result := make([]models.Quest, 0, len(questIDs))
	for _, id := range questIDs {
		if q, ok := byID[id]; ok {
			result = append(result, q)
		}
	}

	if len(failures) > 0 {
		return result, errors.New(strings.Join(failures, "\n"))
	}
	return result, nil
}

// SyncManager tracks one Synchronizer per user for the server-side fan-out
// case where many users keep live lists at once.
type SyncManager struct {
	gw    database.Gateway
	syncs *xsync.MapOf[string, *Synchronizer]
}

func NewSyncManager(gw database.Gateway) *SyncManager {
	return &SyncManager{
		gw:    gw,
		syncs: xsync.NewMapOf[string, *Synchronizer](),
	}
}

// StartSynchronizer begins (or restarts) the live joined-quest list for a
// user.
func (m *SyncManager) StartSynchronizer(ctx context.Context, userID string, emit EmitFunc) error {
	sync, _ := m.syncs.LoadOrCompute(userID, func() *Synchronizer {
		return NewSynchronizer(m.gw)
	})
	return sync.Start(ctx, userID, emit)
}

// StopSynchronizer ends the live list for a user, if any.
func (m *SyncManager) StopSynchronizer(userID string) {
	if sync, ok := m.syncs.LoadAndDelete(userID); ok {
		sync.Stop()
	}
}

// StopAll ends every live list. Used at shutdown.
func (m *SyncManager) StopAll() {
	m.syncs.Range(func(userID string, sync *Synchronizer) bool {
		m.syncs.Delete(userID)
		sync.Stop()
		return true
	})
}
