package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chatbot-crm-bridge/internal/domain"
	"chatbot-crm-bridge/internal/metrics"
	"chatbot-crm-bridge/internal/provider"
	_interface "chatbot-crm-bridge/internal/repository/interface"
	"chatbot-crm-bridge/internal/service/token"
	"chatbot-crm-bridge/internal/service/transcript"
)

// Service - оркестратор синхронизации. Единственное место, где выбирается
// адаптер: дальше вся провайдеро-специфика скрыта за контрактом Adapter,
// ветвления по типу провайдера в оркестрации нет.
type Service struct {
	integrations  _interface.IntegrationRepository
	entities      _interface.SyncEntityRepository
	logs          _interface.SyncLogRepository
	conversations _interface.ConversationRepository
	adapters      map[domain.IntegrationType]provider.Factory
	tokens        *token.Manager
	format        *transcript.Formatter
	metrics       *metrics.Metrics
	email         EmailSender

	// Клиент для webhook-действий функций бота
	web *provider.HTTPClient

	// Параллелизм пакетной синхронизации
	workers int
}

// NewService создает оркестратор. emailSender может быть nil -
// действия send_email тогда завершаются ошибкой валидации.
func NewService(
	integrations _interface.IntegrationRepository,
	entities _interface.SyncEntityRepository,
	logs _interface.SyncLogRepository,
	conversations _interface.ConversationRepository,
	adapters map[domain.IntegrationType]provider.Factory,
	tokens *token.Manager,
	m *metrics.Metrics,
	email EmailSender,
	workers int,
) *Service {
	if workers <= 0 {
		workers = 4
	}
	return &Service{
		integrations:  integrations,
		entities:      entities,
		logs:          logs,
		conversations: conversations,
		adapters:      adapters,
		tokens:        tokens,
		format:        transcript.NewFormatter(),
		metrics:       m,
		email:         email,
		web:           provider.NewHTTPClient("action_webhook"),
		workers:       workers,
	}
}

func (s *Service) adapterFor(integ *domain.Integration) (provider.Adapter, error) {
	factory, ok := s.adapters[integ.Type]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %s", integ.Type)
	}
	return factory(integ), nil
}

// do выполняет один исходящий вызов через менеджер токенов и метрики
func (s *Service) do(ctx context.Context, integ *domain.Integration, adapter provider.Adapter, operation string, call func(ctx context.Context) error) error {
	start := time.Now()
	err := s.tokens.Do(ctx, integ, adapter.Refresher(), call)
	status := domain.SyncStatusSuccess
	if err != nil {
		status = domain.SyncStatusError
	}
	s.metrics.IncSyncOp(string(integ.Type), operation, status)
	s.metrics.ObserveProviderCall(string(integ.Type), operation, time.Since(start))
	return err
}

// logOp пишет запись журнала об исходящей операции
func (s *Service) logOp(ctx context.Context, integ *domain.Integration, operation string, entityType domain.EntityType, payload interface{}, opErr error) {
	entry := &domain.SyncLog{
		IntegrationID: integ.ID,
		Direction:     domain.DirectionOutgoing,
		EntityType:    string(entityType),
		Operation:     operation,
		Status:        domain.SyncStatusSuccess,
	}
	if payload != nil {
		entry.RequestPayload, _ = json.Marshal(payload)
	}
	if opErr != nil {
		entry.Status = domain.SyncStatusError
		entry.ErrorMessage = opErr.Error()
	}
	if err := s.logs.Create(ctx, entry); err != nil {
		log.Error().Err(err).Str("integration_id", integ.ID).Msg("Failed to write sync log")
	}
}

// TestConnection проверяет доступность CRM с текущими credentials
func (s *Service) TestConnection(ctx context.Context, integ *domain.Integration) error {
	adapter, err := s.adapterFor(integ)
	if err != nil {
		return err
	}
	err = s.do(ctx, integ, adapter, "test_connection", adapter.TestConnection)
	s.logOp(ctx, integ, "test_connection", "", nil, err)
	return err
}

// SyncConversation - точка входа синхронизации одного диалога:
// находит или создает удаленную сущность через леджер, доталкивает
// транскрипт от курсора и сверяет кэш связок в metadata
func (s *Service) SyncConversation(ctx context.Context, integ *domain.Integration, conv *domain.Conversation) error {
	adapter, err := s.adapterFor(integ)
	if err != nil {
		return err
	}
	leadType := adapter.LeadEntityType()

	entity, err := s.entities.FindByLocal(ctx, integ.ID, leadType, conv.ID)
	if err != nil {
		return fmt.Errorf("ledger lookup: %w", err)
	}
	if entity == nil {
		entity, err = s.createRemoteLead(ctx, integ, adapter, conv)
		if err != nil {
			return err
		}
	}

	msgs, err := s.conversations.MessagesAfter(ctx, conv.ID, conv.LastSyncedMessageID())
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	if len(msgs) > 0 {
		note := s.format.Note(msgs)
		// Контекст объявления попадает только в первую заметку диалога
		if conv.LastSyncedMessageID() == 0 {
			if item := s.format.ItemContext(conv); item != "" {
				note = item + "\n" + note
			}
		}
		err = s.do(ctx, integ, adapter, "add_note", func(ctx context.Context) error {
			return adapter.AddNote(ctx, leadType, entity.RemoteID, note)
		})
		if errors.Is(err, provider.ErrRemoteNotFound) {
			// Сущность удалили на стороне CRM: восстанавливаем связку
			// и повторяем отправку на свежий remote_id
			entity, err = s.recoverMapping(ctx, integ, adapter, conv, entity)
			if err != nil {
				return err
			}
			err = s.do(ctx, integ, adapter, "add_note", func(ctx context.Context) error {
				return adapter.AddNote(ctx, leadType, entity.RemoteID, note)
			})
		}
		if err != nil {
			s.logOp(ctx, integ, "sync_conversation", leadType, map[string]string{"conversation_id": conv.ID}, err)
			return err
		}
		conv.SetLastSyncedMessageID(msgs[len(msgs)-1].ID)
	}

	s.cacheRemoteID(conv, integ.Type, entity.RemoteID)
	if err := s.conversations.UpdateState(ctx, conv); err != nil {
		return fmt.Errorf("persist sync cursor: %w", err)
	}

	s.logOp(ctx, integ, "sync_conversation", leadType, map[string]string{
		"conversation_id": conv.ID,
		"remote_id":       entity.RemoteID,
	}, nil)
	return nil
}

// createRemoteLead создает лид (или его аналог у провайдера) и запись леджера
func (s *Service) createRemoteLead(ctx context.Context, integ *domain.Integration, adapter provider.Adapter, conv *domain.Conversation) (*domain.SyncEntity, error) {
	leadType := adapter.LeadEntityType()
	fields := s.defaultFields(integ)

	if contactID := s.syncContact(ctx, integ, adapter, conv); contactID != "" {
		fields["contact_id"] = contactID
	}

	var remoteID string
	err := s.do(ctx, integ, adapter, "create_lead", func(ctx context.Context) error {
		var callErr error
		remoteID, callErr = adapter.CreateLead(ctx, conv, fields)
		return callErr
	})
	s.logOp(ctx, integ, "create_lead", leadType, fields, err)
	if err != nil {
		return nil, fmt.Errorf("create remote lead: %w", err)
	}

	entity := &domain.SyncEntity{
		ID:            uuid.NewString(),
		IntegrationID: integ.ID,
		EntityType:    leadType,
		LocalID:       conv.ID,
		RemoteID:      remoteID,
	}
	if err := s.entities.Upsert(ctx, entity); err != nil {
		return nil, fmt.Errorf("record lead linkage: %w", err)
	}
	return entity, nil
}

// syncContact подтягивает контакт в CRM, когда известны email или телефон.
// Идентичность берется из полей диалога, при их отсутствии извлекается
// из последних сообщений пользователя. Ошибка контакта лид не блокирует.
func (s *Service) syncContact(ctx context.Context, integ *domain.Integration, adapter provider.Adapter, conv *domain.Conversation) string {
	email, phone := conv.UserEmail, conv.UserPhone
	if email == "" && phone == "" {
		msgs, err := s.conversations.MessagesAfter(ctx, conv.ID, 0)
		if err != nil {
			return ""
		}
		email, phone = provider.ExtractIdentity(msgs)
	}
	if email == "" && phone == "" {
		return ""
	}

	var result *provider.ContactResult
	err := s.do(ctx, integ, adapter, "sync_contact", func(ctx context.Context) error {
		var callErr error
		result, callErr = adapter.SyncContact(ctx, provider.ContactData{
			Name:  conv.UserName,
			Email: email,
			Phone: phone,
		})
		return callErr
	})
	if err != nil {
		// Провайдер без контактов (Avito, Salebot) отвечает ошибкой валидации
		if !errors.Is(err, provider.ErrValidation) {
			log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("Contact sync failed")
		}
		return ""
	}
	if result == nil {
		return ""
	}

	linkage := &domain.SyncEntity{
		ID:            uuid.NewString(),
		IntegrationID: integ.ID,
		EntityType:    domain.EntityContact,
		LocalID:       conv.ID,
		RemoteID:      result.ID,
	}
	if err := s.entities.Upsert(ctx, linkage); err != nil {
		log.Error().Err(err).Str("conversation_id", conv.ID).Msg("Failed to record contact linkage")
	}
	return result.ID
}

// recoverMapping восстанавливает связку после удаления сущности в CRM:
// в одной транзакции гасит старую запись и пишет новую, с отдельной
// записью журнала. Повторный запуск синхронизации второй лид не создает -
// восстановление срабатывает только по not-found на живой связке.
func (s *Service) recoverMapping(ctx context.Context, integ *domain.Integration, adapter provider.Adapter, conv *domain.Conversation, stale *domain.SyncEntity) (*domain.SyncEntity, error) {
	log.Warn().
		Str("integration_id", integ.ID).
		Str("stale_remote_id", stale.RemoteID).
		Str("conversation_id", conv.ID).
		Msg("Remote entity gone, recreating")

	var remoteID string
	err := s.do(ctx, integ, adapter, "recreate", func(ctx context.Context) error {
		var callErr error
		remoteID, callErr = adapter.CreateLead(ctx, conv, s.defaultFields(integ))
		return callErr
	})
	if err != nil {
		s.logOp(ctx, integ, "recreate", stale.EntityType, map[string]string{"stale_remote_id": stale.RemoteID}, err)
		return nil, fmt.Errorf("recreate remote entity: %w", err)
	}

	fresh := &domain.SyncEntity{
		ID:            uuid.NewString(),
		IntegrationID: integ.ID,
		EntityType:    stale.EntityType,
		LocalID:       conv.ID,
		RemoteID:      remoteID,
	}
	if err := s.entities.Replace(ctx, stale, fresh); err != nil {
		return nil, fmt.Errorf("replace stale linkage: %w", err)
	}

	s.logOp(ctx, integ, "recreate", stale.EntityType, map[string]string{
		"stale_remote_id": stale.RemoteID,
		"fresh_remote_id": remoteID,
	}, nil)
	return fresh, nil
}

// defaultFields собирает провайдерские значения по умолчанию из настроек
func (s *Service) defaultFields(integ *domain.Integration) map[string]string {
	fields := make(map[string]string)
	if integ.Settings.DefaultPipelineID != "" {
		fields["pipeline_id"] = integ.Settings.DefaultPipelineID
	}
	if integ.Settings.DefaultStatusID != "" {
		fields["status_id"] = integ.Settings.DefaultStatusID
	}
	if integ.Settings.DefaultResponsibleID != "" {
		fields["responsible_user_id"] = integ.Settings.DefaultResponsibleID
	}
	if integ.Settings.LeadSource != "" {
		fields["source"] = integ.Settings.LeadSource
	}
	return fields
}

// cacheRemoteID обновляет кэш связки в metadata диалога.
// При расхождении кэш перезаписывается значением из леджера.
func (s *Service) cacheRemoteID(conv *domain.Conversation, providerType domain.IntegrationType, remoteID string) {
	var key string
	switch providerType {
	case domain.TypeAmoCRM:
		key = domain.MetaAmoLeadID
	case domain.TypeAvito:
		key = domain.MetaAvitoChatID
	case domain.TypeSalebot:
		key = domain.MetaSalebotClientID
	case domain.TypeBitrix24:
		key = domain.MetaBitrixChatID
	default:
		return
	}
	if conv.Meta(key) != remoteID {
		conv.SetMeta(key, remoteID)
	}
}

// Метаданные CRM для конфигурационного UI, в обход леджера

func (s *Service) Users(ctx context.Context, integ *domain.Integration) ([]provider.RemoteUser, error) {
	adapter, err := s.adapterFor(integ)
	if err != nil {
		return nil, err
	}
	var users []provider.RemoteUser
	err = s.do(ctx, integ, adapter, "get_users", func(ctx context.Context) error {
		var callErr error
		users, callErr = adapter.GetUsers(ctx)
		return callErr
	})
	return users, err
}

func (s *Service) Pipelines(ctx context.Context, integ *domain.Integration) ([]provider.Pipeline, error) {
	adapter, err := s.adapterFor(integ)
	if err != nil {
		return nil, err
	}
	var pipelines []provider.Pipeline
	err = s.do(ctx, integ, adapter, "get_pipelines", func(ctx context.Context) error {
		var callErr error
		pipelines, callErr = adapter.GetPipelines(ctx)
		return callErr
	})
	return pipelines, err
}

func (s *Service) PipelineStages(ctx context.Context, integ *domain.Integration, pipelineID string) ([]provider.PipelineStage, error) {
	adapter, err := s.adapterFor(integ)
	if err != nil {
		return nil, err
	}
	var stages []provider.PipelineStage
	err = s.do(ctx, integ, adapter, "get_pipeline_stages", func(ctx context.Context) error {
		var callErr error
		stages, callErr = adapter.GetPipelineStages(ctx, pipelineID)
		return callErr
	})
	return stages, err
}

func (s *Service) Fields(ctx context.Context, integ *domain.Integration, entityType domain.EntityType) ([]provider.RemoteField, error) {
	adapter, err := s.adapterFor(integ)
	if err != nil {
		return nil, err
	}
	var fields []provider.RemoteField
	err = s.do(ctx, integ, adapter, "get_fields", func(ctx context.Context) error {
		var callErr error
		fields, callErr = adapter.GetFields(ctx, entityType)
		return callErr
	})
	return fields, err
}
