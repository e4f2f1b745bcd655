package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sahilm/fuzzy"
	"golang.org/x/sync/singleflight"

	"github.com/questhuntapp/questhunt/questhunt/database"
	"github.com/questhuntapp/questhunt/questhunt/database/models"
	"github.com/questhuntapp/questhunt/questhunt/utils"
)

const codeCacheSize = 1024

// LookupService resolves join codes to quests and searches an organizer's
// quests by title. Code lookups are the hottest read path (every join
// starts with one), so resolved ids are LRU-cached and concurrent lookups
// of the same code are collapsed into one store query.
type LookupService struct {
	gw        database.Gateway
	codeCache *lru.Cache
	group     singleflight.Group
}

func NewLookupService(gw database.Gateway) (*LookupService, error) {
	cache, err := lru.New(codeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create code cache: %w", err)
	}
	return &LookupService{gw: gw, codeCache: cache}, nil
}

// FindByCode returns the quest whose join code matches. The cached code to
// id mapping is verified against the live document on every hit, so a
// recycled or deleted code never resolves to a stale quest.
func (s *LookupService) FindByCode(ctx context.Context, questCode string) (*models.Quest, error) {
	code := utils.NormalizeQuestCode(questCode)
	if code == "" {
		return nil, ErrEmptyCode
	}

	result, err, _ := s.group.Do(code, func() (any, error) {
		// The flight is shared by every concurrent caller of this code, so
		// it must not die with whichever caller happened to open it.
		ctx := context.WithoutCancel(ctx)

		if cached, ok := s.codeCache.Get(code); ok {
			questID := cached.(string)
			var quest models.Quest
			err := s.gw.Get(ctx, database.CollQuests, questID, &quest)
			if err == nil && quest.QuestCode == code {
				return &quest, nil
			}
			s.codeCache.Remove(code)
			if err != nil && !errors.Is(err, database.ErrNoDocument) {
				return nil, backendErr("get", database.CollQuests, err)
			}
		}

		start := time.Now()
		var quests []models.Quest
		if err := s.gw.Query(ctx, database.CollQuests, "questCode", code, 1, &quests); err != nil {
			return nil, backendErr("query", database.CollQuests, err)
		}
		if len(quests) == 0 {
			return nil, ErrQuestNotFound
		}

		quest := quests[0]
		s.codeCache.Add(code, quest.ID)
		slog.Debug("Quest code resolved",
			slog.String("type", "svc"),
			slog.String("questCode", code),
			slog.Duration("took", time.Since(start)))
		return &quest, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.Quest), nil
}

// SearchByTitle fuzzy-matches query against the titles of one organizer's
// quests, best matches first. An empty query returns all of them.
func (s *LookupService) SearchByTitle(ctx context.Context, creatorID, query string) ([]models.Quest, error) {
	var quests []models.Quest
	if err := s.gw.Query(ctx, database.CollQuests, "creatorId", creatorID, 0, &quests); err != nil {
		return nil, backendErr("query", database.CollQuests, err)
	}
	if query == "" {
		return quests, nil
	}

	matches := fuzzy.FindFrom(query, questTitles(quests))
	result := make([]models.Quest, 0, len(matches))
	for _, m := range matches {
		result = append(result, quests[m.Index])
	}
	return result, nil
}

type questTitles []models.Quest

func (q questTitles) Len() int            { return len(q) }
func (q questTitles) String(i int) string { return q[i].Title }
