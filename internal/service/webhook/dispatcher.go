package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chatbot-crm-bridge/internal/domain"
	"chatbot-crm-bridge/internal/provider"
)

// dispatch применяет одно нормализованное событие к локальному состоянию
func (h *Handler) dispatch(ctx context.Context, integ *domain.Integration, adapter provider.Adapter, ev domain.SyncEvent) error {
	switch ev.Type {
	case domain.EventMessageReceived:
		return h.onMessage(ctx, integ, adapter, ev)
	case domain.EventOperatorConnected:
		if err := h.setConversationStatus(ctx, integ, ev.ExternalChatKey, domain.ConversationWaitingOperator); err != nil {
			return err
		}
		return h.syncOnTakeover(ctx, integ, ev.ExternalChatKey)
	case domain.EventChatClosed:
		return h.setConversationStatus(ctx, integ, ev.ExternalChatKey, domain.ConversationClosed)
	case domain.EventLeadStatusChanged:
		return h.onLeadStatusChanged(ctx, integ, ev)
	case domain.EventAppUninstalled:
		// Портал удалил приложение: вебхуки и токены больше не валидны
		log.Warn().Str("integration_id", integ.ID).Msg("Application uninstalled, deactivating integration")
		return h.integrations.SetActive(ctx, integ.ID, false)
	case domain.EventConnectorConfigured:
		return h.onConnectorConfigured(ctx, integ, ev)
	default:
		// Неизвестные события не ошибка: провайдеры добавляют типы без предупреждения
		log.Debug().Str("type", string(ev.Type)).Msg("Ignoring unhandled webhook event")
		return nil
	}
}

// onMessage обрабатывает входящее сообщение: находит или создает диалог,
// идемпотентно дописывает сообщение и при активном диалоге запускает бота
func (h *Handler) onMessage(ctx context.Context, integ *domain.Integration, adapter provider.Adapter, ev domain.SyncEvent) error {
	if ev.ExternalChatKey == "" {
		return fmt.Errorf("message event without external chat key")
	}

	conv, created, err := h.resolveConversation(ctx, integ, adapter, ev)
	if err != nil {
		return err
	}

	role := ev.SenderRole
	if role == "" {
		role = domain.RoleUser
	}

	var attachments json.RawMessage
	if len(ev.Attachments) > 0 {
		attachments, _ = json.Marshal(ev.Attachments)
	}

	msg := &domain.Message{
		ConversationID: conv.ID,
		Role:           role,
		Content:        ev.Text,
		ExternalMsgID:  ev.ExternalMsgID,
		Attachments:    attachments,
	}
	if err := h.conversations.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	h.confirmDelivery(ctx, integ, adapter, ev)

	// Приветствие уходит один раз, на только что созданный диалог
	if created {
		if welcome := h.format.Welcome(integ.Settings.WelcomeMessage, conv); welcome != "" {
			if err := h.send(ctx, integ, adapter, ev.ExternalChatKey, welcome); err != nil {
				log.Error().Err(err).Str("conversation_id", conv.ID).Msg("Failed to send welcome message")
			}
		}
	}

	if role == domain.RoleOperator {
		// Сообщение оператора из CRM переводит диалог на оператора
		if conv.Status == domain.ConversationActive {
			conv.Status = domain.ConversationWaitingOperator
			if err := h.conversations.UpdateState(ctx, conv); err != nil {
				return fmt.Errorf("update conversation: %w", err)
			}
			h.pushTranscript(ctx, integ, conv)
		}
		return nil
	}

	if role != domain.RoleUser || conv.Status != domain.ConversationActive || h.ai == nil {
		return nil
	}

	reply, err := h.ai.Respond(ctx, conv, ev.Text)
	if err != nil {
		return fmt.Errorf("ai respond: %w", err)
	}
	if reply == "" {
		return nil
	}

	if err := h.send(ctx, integ, adapter, ev.ExternalChatKey, reply); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return h.conversations.AppendMessage(ctx, &domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleAssistant,
		Content:        reply,
	})
}

// confirmDelivery подтверждает провайдеру доставку принятого сообщения.
// Сообщения коннектора Bitrix24 без подтверждения приходят повторно.
// Сбой подтверждения обработку не ломает: дубль отсечет идемпотентный
// append по external_msg_id.
func (h *Handler) confirmDelivery(ctx context.Context, integ *domain.Integration, adapter provider.Adapter, ev domain.SyncEvent) {
	if ev.ConnectorID == "" || ev.ExternalMsgID == "" {
		return
	}
	confirmer, ok := adapter.(provider.DeliveryConfirmer)
	if !ok {
		return
	}
	err := h.tokens.Do(ctx, integ, adapter.Refresher(), func(ctx context.Context) error {
		return confirmer.ConfirmDelivery(ctx, ev.ConnectorID, ev.LineID, ev.ExternalChatKey, ev.ExternalMsgID)
	})
	if err != nil {
		log.Error().Err(err).
			Str("integration_id", integ.ID).
			Str("external_msg_id", ev.ExternalMsgID).
			Msg("Failed to confirm message delivery")
	}
}

// resolveConversation ищет диалог по внешнему ключу чата; отсутствие связки
// означает новый входящий диалог - создаются канал, диалог и запись леджера
func (h *Handler) resolveConversation(ctx context.Context, integ *domain.Integration, adapter provider.Adapter, ev domain.SyncEvent) (*domain.Conversation, bool, error) {
	botID := h.defaultBotID(ctx, integ)

	channel, err := h.conversations.FindOrCreateChannel(ctx, integ.OrgID, botID, string(integ.Type))
	if err != nil {
		return nil, false, fmt.Errorf("resolve channel: %w", err)
	}

	conv, err := h.conversations.FindByExternalID(ctx, channel.ID, ev.ExternalChatKey)
	if err != nil {
		return nil, false, fmt.Errorf("find conversation: %w", err)
	}
	if conv != nil {
		h.absorbIdentity(ctx, conv, ev)
		return conv, false, nil
	}

	conv = &domain.Conversation{
		ID:         uuid.NewString(),
		OrgID:      integ.OrgID,
		BotID:      botID,
		ChannelID:  channel.ID,
		ExternalID: ev.ExternalChatKey,
		UserName:   ev.UserName,
		UserEmail:  ev.UserEmail,
		UserPhone:  ev.UserPhone,
		Status:     domain.ConversationActive,
		CreatedAt:  now(),
	}
	h.cacheLinkage(conv, integ.Type, ev)
	h.enrichItemContext(ctx, integ, adapter, conv, ev)

	if err := h.conversations.Create(ctx, conv); err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}

	entity := &domain.SyncEntity{
		ID:            uuid.NewString(),
		IntegrationID: integ.ID,
		EntityType:    domain.EntityChat,
		LocalID:       conv.ID,
		RemoteID:      ev.ExternalChatKey,
		RemotePayload: ev.Raw,
	}
	if err := h.entities.Upsert(ctx, entity); err != nil {
		return nil, false, fmt.Errorf("record chat linkage: %w", err)
	}
	return conv, true, nil
}

// enrichItemContext дозапрашивает объявление Avito, когда вебхук принес
// только его идентификатор: заголовок и цена идут в metadata диалога
// и дальше в контекст лида. Сбой запроса создание диалога не блокирует.
func (h *Handler) enrichItemContext(ctx context.Context, integ *domain.Integration, adapter provider.Adapter, conv *domain.Conversation, ev domain.SyncEvent) {
	if ev.ItemID == "" || ev.ItemTitle != "" {
		return
	}
	fetcher, ok := adapter.(provider.ItemFetcher)
	if !ok {
		return
	}

	var item *domain.AvitoItem
	err := h.tokens.Do(ctx, integ, adapter.Refresher(), func(ctx context.Context) error {
		var callErr error
		item, callErr = fetcher.GetItem(ctx, ev.ItemID)
		return callErr
	})
	if err != nil {
		log.Warn().Err(err).
			Str("integration_id", integ.ID).
			Str("item_id", ev.ItemID).
			Msg("Failed to fetch item context")
		return
	}

	conv.SetMeta(domain.MetaAvitoItemTitle, item.Title)
	conv.SetMeta(domain.MetaAvitoItemPrice, item.Price.String())
}

// defaultBotID выбирает бота для новых диалогов интеграции
func (h *Handler) defaultBotID(ctx context.Context, integ *domain.Integration) string {
	bots, err := h.integrations.FindBots(ctx, integ.ID)
	if err != nil {
		log.Error().Err(err).Str("integration_id", integ.ID).Msg("Failed to load integration bots")
		return ""
	}
	for _, b := range bots {
		if b.IsActive {
			return b.BotID
		}
	}
	return ""
}

// absorbIdentity дозаполняет контактные поля диалога из события,
// уже известные значения не перетираются
func (h *Handler) absorbIdentity(ctx context.Context, conv *domain.Conversation, ev domain.SyncEvent) {
	changed := false
	if conv.UserName == "" && ev.UserName != "" {
		conv.UserName = ev.UserName
		changed = true
	}
	if conv.UserEmail == "" && ev.UserEmail != "" {
		conv.UserEmail = ev.UserEmail
		changed = true
	}
	if conv.UserPhone == "" && ev.UserPhone != "" {
		conv.UserPhone = ev.UserPhone
		changed = true
	}
	if changed {
		if err := h.conversations.UpdateState(ctx, conv); err != nil {
			log.Error().Err(err).Str("conversation_id", conv.ID).Msg("Failed to absorb contact identity")
		}
	}
}

// cacheLinkage кладет провайдерские ключи в metadata диалога.
// Это кэш для чтения: источником истины остается леджер связок.
func (h *Handler) cacheLinkage(conv *domain.Conversation, providerType domain.IntegrationType, ev domain.SyncEvent) {
	switch providerType {
	case domain.TypeAvito:
		conv.SetMeta(domain.MetaAvitoChatID, ev.ExternalChatKey)
		if ev.ItemID != "" {
			conv.SetMeta(domain.MetaAvitoItemID, ev.ItemID)
			conv.SetMeta(domain.MetaAvitoItemTitle, ev.ItemTitle)
			conv.SetMeta(domain.MetaAvitoItemPrice, ev.ItemPrice)
		}
	case domain.TypeBitrix24:
		conv.SetMeta(domain.MetaBitrixChatID, ev.ExternalChatKey)
		if ev.LineID != "" {
			conv.SetMeta(domain.MetaBitrixLineID, ev.LineID)
		}
	case domain.TypeSalebot:
		conv.SetMeta(domain.MetaSalebotClientID, ev.ExternalChatKey)
	}
}

func (h *Handler) setConversationStatus(ctx context.Context, integ *domain.Integration, externalChatKey, status string) error {
	if externalChatKey == "" {
		return nil
	}
	conv, err := h.findByExternalKey(ctx, integ, externalChatKey)
	if err != nil || conv == nil {
		return err
	}
	if conv.Status == status {
		return nil
	}
	conv.Status = status
	return h.conversations.UpdateState(ctx, conv)
}

// findByExternalKey разрешает диалог через леджер, с откатом на
// поиск по external_id канала
func (h *Handler) findByExternalKey(ctx context.Context, integ *domain.Integration, externalChatKey string) (*domain.Conversation, error) {
	entity, err := h.entities.FindByRemote(ctx, integ.ID, domain.EntityChat, externalChatKey)
	if err != nil {
		return nil, err
	}
	if entity != nil {
		return h.conversations.FindByID(ctx, entity.LocalID)
	}
	channel, err := h.conversations.FindOrCreateChannel(ctx, integ.OrgID, h.defaultBotID(ctx, integ), string(integ.Type))
	if err != nil {
		return nil, err
	}
	return h.conversations.FindByExternalID(ctx, channel.ID, externalChatKey)
}

// syncOnTakeover выталкивает транскрипт в CRM при подключении оператора
func (h *Handler) syncOnTakeover(ctx context.Context, integ *domain.Integration, externalChatKey string) error {
	conv, err := h.findByExternalKey(ctx, integ, externalChatKey)
	if err != nil || conv == nil {
		return err
	}
	h.pushTranscript(ctx, integ, conv)
	return nil
}

// pushTranscript синхронизирует диалог, чтобы оператор видел переписку в CRM.
// Сбой синхронизации передачу оператору не блокирует.
func (h *Handler) pushTranscript(ctx context.Context, integ *domain.Integration, conv *domain.Conversation) {
	if h.syncer == nil {
		return
	}
	if err := h.syncer.SyncConversation(ctx, integ, conv); err != nil {
		log.Error().Err(err).
			Str("integration_id", integ.ID).
			Str("conversation_id", conv.ID).
			Msg("Failed to sync conversation on operator takeover")
	}
}

// onLeadStatusChanged фиксирует смену статуса лида на стороне CRM
func (h *Handler) onLeadStatusChanged(ctx context.Context, integ *domain.Integration, ev domain.SyncEvent) error {
	entityType := ev.EntityType
	if entityType == "" {
		entityType = domain.EntityLead
	}
	entity, err := h.entities.FindByRemote(ctx, integ.ID, entityType, ev.RemoteID)
	if err != nil {
		return err
	}
	if entity == nil {
		// Лид создан не нами, его статусы нас не касаются
		log.Debug().Str("remote_id", ev.RemoteID).Msg("Status change for unknown remote entity")
		return nil
	}
	log.Info().
		Str("integration_id", integ.ID).
		Str("remote_id", ev.RemoteID).
		Str("status", ev.NewStatus).
		Msg("Remote lead status changed")
	return nil
}

// onConnectorConfigured сохраняет параметры открытой линии Bitrix24
func (h *Handler) onConnectorConfigured(ctx context.Context, integ *domain.Integration, ev domain.SyncEvent) error {
	if !ev.Active {
		integ.Settings.ConnectorID = ""
		integ.Settings.LineID = ""
		return h.integrations.Update(ctx, integ)
	}
	integ.Settings.ConnectorID = ev.ConnectorID
	integ.Settings.LineID = ev.LineID
	return h.integrations.Update(ctx, integ)
}
