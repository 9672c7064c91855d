package sync

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"chatbot-crm-bridge/internal/domain"
	"chatbot-crm-bridge/internal/provider"
	"chatbot-crm-bridge/internal/service/mapping"
)

// EmailSender отправляет письма для действий send_email.
// Почтовый транспорт живет вне движка синхронизации.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// ExecuteAction выполняет одно действие функции бота: вычисляет маппинг
// полей, домешивает значения по умолчанию интеграции и вызывает операцию
// провайдера либо внешний вебхук
func (s *Service) ExecuteAction(ctx context.Context, integ *domain.Integration, action *domain.Action, params map[string]string, conv *domain.Conversation) error {
	count, err := s.conversations.CountMessages(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}

	mapped, err := mapping.Evaluate(action.Mappings, mapping.Context{
		Params:        params,
		Conversation:  conv,
		MessagesCount: count,
		ChannelType:   string(integ.Type),
	})
	if err != nil {
		s.logOp(ctx, integ, action.Type, "", nil, err)
		return fmt.Errorf("evaluate mappings: %w", err)
	}

	// Значения по умолчанию не перетирают явные правила маппинга
	fields := s.defaultFields(integ)
	for k, v := range mapped {
		fields[k] = v
	}

	err = s.runAction(ctx, integ, action, fields, conv)
	s.logOp(ctx, integ, action.Type, "", fields, err)
	return err
}

func (s *Service) runAction(ctx context.Context, integ *domain.Integration, action *domain.Action, fields map[string]string, conv *domain.Conversation) error {
	switch action.Type {
	case domain.ActionCreateLead:
		adapter, err := s.adapterFor(integ)
		if err != nil {
			return err
		}
		var remoteID string
		err = s.do(ctx, integ, adapter, "create_lead", func(ctx context.Context) error {
			var callErr error
			remoteID, callErr = adapter.CreateLead(ctx, conv, fields)
			return callErr
		})
		if err != nil {
			return err
		}
		return s.entities.Upsert(ctx, &domain.SyncEntity{
			ID:            uuid.NewString(),
			IntegrationID: integ.ID,
			EntityType:    adapter.LeadEntityType(),
			LocalID:       conv.ID,
			RemoteID:      remoteID,
		})

	case domain.ActionCreateDeal:
		adapter, err := s.adapterFor(integ)
		if err != nil {
			return err
		}
		var remoteID string
		err = s.do(ctx, integ, adapter, "create_deal", func(ctx context.Context) error {
			var callErr error
			remoteID, callErr = adapter.CreateDeal(ctx, conv, fields)
			return callErr
		})
		if err != nil {
			return err
		}
		return s.entities.Upsert(ctx, &domain.SyncEntity{
			ID:            uuid.NewString(),
			IntegrationID: integ.ID,
			EntityType:    domain.EntityDeal,
			LocalID:       conv.ID,
			RemoteID:      remoteID,
		})

	case domain.ActionCreateContact:
		adapter, err := s.adapterFor(integ)
		if err != nil {
			return err
		}
		data := provider.ContactData{
			Name:   firstNonEmpty(fields["name"], conv.UserName),
			Email:  firstNonEmpty(fields["email"], conv.UserEmail),
			Phone:  firstNonEmpty(fields["phone"], conv.UserPhone),
			Fields: fields,
		}
		return s.do(ctx, integ, adapter, "sync_contact", func(ctx context.Context) error {
			_, callErr := adapter.SyncContact(ctx, data)
			return callErr
		})

	case domain.ActionCreateTask:
		// Задача прикрепляется к лиду диалога заметкой: отдельного
		// API задач у половины провайдеров нет
		adapter, err := s.adapterFor(integ)
		if err != nil {
			return err
		}
		leadType := adapter.LeadEntityType()
		entity, err := s.entities.FindByLocal(ctx, integ.ID, leadType, conv.ID)
		if err != nil {
			return err
		}
		if entity == nil {
			return fmt.Errorf("%w: create_task requires a synced lead", provider.ErrValidation)
		}
		text := fields["text"]
		if text == "" {
			text = fields["title"]
		}
		return s.do(ctx, integ, adapter, "create_task", func(ctx context.Context) error {
			return adapter.AddNote(ctx, leadType, entity.RemoteID, "Задача: "+text)
		})

	case domain.ActionPostWebhook:
		if action.TargetURL == "" {
			return fmt.Errorf("%w: post_webhook without target url", provider.ErrValidation)
		}
		return s.web.PostJSON(ctx, action.TargetURL, nil, fields, nil)

	case domain.ActionGetWebhook:
		if action.TargetURL == "" {
			return fmt.Errorf("%w: get_webhook without target url", provider.ErrValidation)
		}
		target, err := url.Parse(action.TargetURL)
		if err != nil {
			return fmt.Errorf("%w: bad target url: %v", provider.ErrValidation, err)
		}
		q := target.Query()
		for k, v := range fields {
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
		return s.web.GetJSON(ctx, target.String(), nil, nil)

	case domain.ActionSendEmail:
		if s.email == nil {
			return fmt.Errorf("%w: email transport is not configured", provider.ErrValidation)
		}
		to := firstNonEmpty(fields["to"], conv.UserEmail)
		if to == "" {
			return fmt.Errorf("%w: send_email without recipient", provider.ErrValidation)
		}
		return s.email.Send(ctx, to, fields["subject"], fields["body"])

	default:
		return fmt.Errorf("%w: unknown action type %q", provider.ErrValidation, action.Type)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
