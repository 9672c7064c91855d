package sync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatbot-crm-bridge/internal/domain"
	"chatbot-crm-bridge/internal/metrics"
	"chatbot-crm-bridge/internal/provider"
	"chatbot-crm-bridge/internal/service/token"
)

type syncFixture struct {
	svc      *Service
	adapter  *fakeAdapter
	integs   *fakeIntegrations
	entities *fakeEntities
	logs     *fakeLogs
	convs    *fakeConversations
	integ    *domain.Integration
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	integrations := &fakeIntegrations{}
	entities := &fakeEntities{}
	logs := &fakeLogs{}
	convs := newFakeConversations()
	adapter := newFakeAdapter()

	svc := NewService(
		integrations,
		entities,
		logs,
		convs,
		map[domain.IntegrationType]provider.Factory{
			domain.TypeAmoCRM: adapter.factory(),
		},
		token.NewManager(integrations, nil),
		metrics.New(),
		nil,
		2,
	)
	return &syncFixture{
		svc:      svc,
		adapter:  adapter,
		integs:   integrations,
		entities: entities,
		logs:     logs,
		convs:    convs,
		integ: &domain.Integration{
			ID:       "integ-1",
			OrgID:    "org-1",
			Type:     domain.TypeAmoCRM,
			IsActive: true,
		},
	}
}

func (f *syncFixture) seedConversation(t *testing.T, id string, texts ...string) *domain.Conversation {
	t.Helper()
	conv := &domain.Conversation{
		ID:        id,
		OrgID:     "org-1",
		ChannelID: "chan-telegram",
		UserName:  "Иван",
		Status:    domain.ConversationActive,
		CreatedAt: time.Now(),
	}
	require.NoError(t, f.convs.Create(context.Background(), conv))
	for _, text := range texts {
		require.NoError(t, f.convs.AppendMessage(context.Background(), &domain.Message{
			ConversationID: id,
			Role:           domain.RoleUser,
			Content:        text,
			CreatedAt:      time.Now(),
		}))
	}
	return conv
}

func TestSyncConversationCreatesLeadAndLinkage(t *testing.T) {
	f := newSyncFixture(t)
	conv := f.seedConversation(t, "conv-1", "Здравствуйте", "Хочу оформить заказ")

	err := f.svc.SyncConversation(context.Background(), f.integ, conv)
	require.NoError(t, err)

	// Лид создан один раз и связка записана в леджер
	require.Equal(t, 1, f.adapter.createCalls)
	leads := f.entities.alive(domain.EntityLead)
	require.Len(t, leads, 1)
	require.Equal(t, "conv-1", leads[0].LocalID)
	require.Equal(t, "lead-1", leads[0].RemoteID)

	// Транскрипт дотолкан и курсор продвинулся до последнего сообщения
	note := f.adapter.noteTexts("lead-1")
	require.Contains(t, note, "Здравствуйте")
	require.Contains(t, note, "Хочу оформить заказ")
	stored, err := f.convs.FindByID(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.LastSyncedMessageID())
	require.Equal(t, "lead-1", stored.Meta(domain.MetaAmoLeadID))
}

func TestSyncConversationIsIdempotent(t *testing.T) {
	f := newSyncFixture(t)
	conv := f.seedConversation(t, "conv-1", "Первое сообщение")

	require.NoError(t, f.svc.SyncConversation(context.Background(), f.integ, conv))
	// Повторный запуск без новых сообщений: второй лид не создается,
	// заметка не дублируется
	require.NoError(t, f.svc.SyncConversation(context.Background(), f.integ, conv))

	require.Equal(t, 1, f.adapter.createCalls)
	require.Len(t, f.entities.alive(domain.EntityLead), 1)
	require.Len(t, f.adapter.notes["lead-1"], 1)
}

func TestSyncConversationPushesOnlyNewMessages(t *testing.T) {
	f := newSyncFixture(t)
	conv := f.seedConversation(t, "conv-1", "Старое сообщение")

	require.NoError(t, f.svc.SyncConversation(context.Background(), f.integ, conv))

	// Дописываем сообщения после первого прохода
	require.NoError(t, f.convs.AppendMessage(context.Background(), &domain.Message{
		ConversationID: "conv-1", Role: domain.RoleUser, Content: "Новое сообщение", CreatedAt: time.Now(),
	}))
	require.NoError(t, f.svc.SyncConversation(context.Background(), f.integ, conv))

	require.Len(t, f.adapter.notes["lead-1"], 2)
	second := f.adapter.notes["lead-1"][1]
	require.Contains(t, second, "Новое сообщение")
	require.NotContains(t, second, "Старое сообщение")
	require.Equal(t, int64(2), conv.LastSyncedMessageID())
}

func TestSyncConversationPrefixesItemContext(t *testing.T) {
	f := newSyncFixture(t)
	conv := f.seedConversation(t, "conv-1", "Еще продаете?")
	conv.SetMeta(domain.MetaAvitoItemTitle, "Велосипед Stels")
	conv.SetMeta(domain.MetaAvitoItemPrice, "15000")
	require.NoError(t, f.convs.UpdateState(context.Background(), conv))

	require.NoError(t, f.svc.SyncConversation(context.Background(), f.integ, conv))

	// Первая заметка открывается контекстом объявления
	first := f.adapter.notes["lead-1"][0]
	require.True(t, strings.HasPrefix(first, "Объявление: Велосипед Stels, 15000 ₽"))
	require.Contains(t, first, "Еще продаете?")

	// В последующие заметки контекст не дублируется
	require.NoError(t, f.convs.AppendMessage(context.Background(), &domain.Message{
		ConversationID: "conv-1", Role: domain.RoleUser, Content: "Да, заберу сегодня", CreatedAt: time.Now(),
	}))
	require.NoError(t, f.svc.SyncConversation(context.Background(), f.integ, conv))
	require.NotContains(t, f.adapter.notes["lead-1"][1], "Объявление")
}

func TestSyncConversationRecreatesDeletedRemote(t *testing.T) {
	f := newSyncFixture(t)
	conv := f.seedConversation(t, "conv-1", "Сообщение до удаления")

	require.NoError(t, f.svc.SyncConversation(context.Background(), f.integ, conv))
	require.Equal(t, "lead-1", conv.Meta(domain.MetaAmoLeadID))

	// Лид удалили на стороне CRM
	f.adapter.goneRemotes["lead-1"] = true
	require.NoError(t, f.convs.AppendMessage(context.Background(), &domain.Message{
		ConversationID: "conv-1", Role: domain.RoleUser, Content: "После удаления", CreatedAt: time.Now(),
	}))

	require.NoError(t, f.svc.SyncConversation(context.Background(), f.integ, conv))

	// Ровно одна живая связка и она указывает на свежий лид
	leads := f.entities.alive(domain.EntityLead)
	require.Len(t, leads, 1)
	require.Equal(t, "lead-2", leads[0].RemoteID)
	require.Equal(t, "lead-2", conv.Meta(domain.MetaAmoLeadID))

	// Заметка доехала на свежий remote_id, восстановление попало в журнал
	require.Contains(t, f.adapter.noteTexts("lead-2"), "После удаления")
	recreates := f.logs.operations("recreate")
	require.Len(t, recreates, 1)
	require.Equal(t, domain.SyncStatusSuccess, recreates[0].Status)

	// Следующий запуск восстановление не повторяет
	require.NoError(t, f.svc.SyncConversation(context.Background(), f.integ, conv))
	require.Len(t, f.logs.operations("recreate"), 1)
	require.Equal(t, 2, f.adapter.createCalls)
}

func TestSyncConversationWritesJournal(t *testing.T) {
	f := newSyncFixture(t)
	conv := f.seedConversation(t, "conv-1", "Привет")

	require.NoError(t, f.svc.SyncConversation(context.Background(), f.integ, conv))

	require.Len(t, f.logs.operations("create_lead"), 1)
	syncs := f.logs.operations("sync_conversation")
	require.Len(t, syncs, 1)
	require.Equal(t, domain.DirectionOutgoing, syncs[0].Direction)
	require.Equal(t, "integ-1", syncs[0].IntegrationID)
}

func TestSyncPendingPicksUpBacklog(t *testing.T) {
	f := newSyncFixture(t)
	f.integs.active = []*domain.Integration{f.integ}

	f.seedConversation(t, "conv-1", "Накопившееся сообщение")
	f.seedConversation(t, "conv-2", "Еще один отставший диалог")
	exported := f.seedConversation(t, "conv-3", "Уже выгружено")
	require.NoError(t, f.svc.SyncConversation(context.Background(), f.integ, exported))
	require.Equal(t, 1, f.adapter.createCalls)

	require.NoError(t, f.svc.SyncPending(context.Background()))

	// Отставшие диалоги выгружены, у каждого своя связка
	require.Equal(t, 3, f.adapter.createCalls)
	require.Len(t, f.entities.alive(domain.EntityLead), 3)

	// У диалога без новых сообщений вторая заметка не появилась
	require.Len(t, f.adapter.notes["lead-1"], 1)

	// Курсор отставшего диалога сохранен, повторный проход пустой
	stored, err := f.convs.FindByID(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.LastSyncedMessageID())

	require.NoError(t, f.svc.SyncPending(context.Background()))
	require.Equal(t, 3, f.adapter.createCalls)
}

func TestBulkSyncAggregatesFailures(t *testing.T) {
	f := newSyncFixture(t)
	good1 := f.seedConversation(t, "conv-1", "раз")
	bad := f.seedConversation(t, "conv-2", "два")
	good2 := f.seedConversation(t, "conv-3", "три")
	f.adapter.failConvs["conv-2"] = true

	result, err := f.svc.BulkSync(context.Background(), f.integ,
		[]*domain.Conversation{good1, bad, good2})
	require.NoError(t, err)

	require.Equal(t, 2, result.Success)
	require.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "conv-2")
}
