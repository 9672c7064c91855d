package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"chatbot-crm-bridge/internal/domain"
	"chatbot-crm-bridge/internal/provider"
	"chatbot-crm-bridge/internal/service/token"
)

// pendingSyncBatch ограничивает выборку диалогов на один проход фоновой
// досинхронизации; остаток дойдет в следующий тик.
const pendingSyncBatch = 200

// SyncPending - фоновый проход: для каждой активной интеграции выбирает
// диалоги с несинхронизированными сообщениями и прогоняет их через BulkSync.
// Ошибка одной интеграции остальные не останавливает.
func (s *Service) SyncPending(ctx context.Context) error {
	integs, err := s.integrations.FindAllActive(ctx)
	if err != nil {
		return fmt.Errorf("list active integrations: %w", err)
	}

	var failures int
	for _, integ := range integs {
		convs, err := s.conversations.FindPendingSync(ctx, integ.OrgID, pendingSyncBatch)
		if err != nil {
			log.Error().Err(err).Str("integration_id", integ.ID).Msg("Failed to select pending conversations")
			failures++
			continue
		}
		if len(convs) == 0 {
			continue
		}

		result, err := s.BulkSync(ctx, integ, convs)
		if err != nil {
			log.Error().Err(err).Str("integration_id", integ.ID).Msg("Background sync pass aborted")
			failures++
			continue
		}
		log.Info().
			Str("integration_id", integ.ID).
			Int("success", result.Success).
			Int("failed", result.Failed).
			Msg("Background sync pass finished")
	}

	if failures > 0 {
		return fmt.Errorf("background sync: %d of %d integrations failed", failures, len(integs))
	}
	return nil
}

// BulkSync синхронизирует пачку диалогов ограниченным пулом воркеров.
// Ошибка одного диалога пакет не прерывает: итог агрегируется в BulkResult.
// Каждому элементу полагается один повтор сверх auth-retry адаптера;
// фатальная ошибка авторизации останавливает пакет целиком.
func (s *Service) BulkSync(ctx context.Context, integ *domain.Integration, convs []*domain.Conversation) (*provider.BulkResult, error) {
	adapter, err := s.adapterFor(integ)
	if err != nil {
		return nil, err
	}

	chunk := adapter.BatchSize()
	if chunk <= 0 || chunk > len(convs) {
		chunk = len(convs)
	}

	result := &provider.BulkResult{}
	var mu sync.Mutex

	for start := 0; start < len(convs); start += chunk {
		end := start + chunk
		if end > len(convs) {
			end = len(convs)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.workers)

		for _, conv := range convs[start:end] {
			conv := conv
			g.Go(func() error {
				err := s.syncWithRetry(gctx, integ, conv)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					// Деактивированная интеграция гасит весь пакет
					if errors.Is(err, token.ErrAuthFatal) {
						result.Failed++
						result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", conv.ID, err))
						return err
					}
					result.Failed++
					result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", conv.ID, err))
					return nil
				}
				result.Success++
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return result, err
		}
	}
	return result, nil
}

// syncWithRetry дает элементу пакета один повтор;
// ошибки валидации и авторизации не повторяются
func (s *Service) syncWithRetry(ctx context.Context, integ *domain.Integration, conv *domain.Conversation) error {
	err := s.SyncConversation(ctx, integ, conv)
	if err == nil {
		return nil
	}
	if errors.Is(err, token.ErrAuthFatal) || errors.Is(err, provider.ErrValidation) {
		return err
	}
	return s.SyncConversation(ctx, integ, conv)
}
