package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"chatbot-crm-bridge/internal/domain"
	"chatbot-crm-bridge/internal/provider"
)

// Фейки репозиториев и адаптера для тестов оркестратора.
// Повторяют контрактные свойства настоящих реализаций: upsert без
// дубликатов, живая связка не более одной, идемпотентный append.

type fakeIntegrations struct {
	deactivated bool
	active      []*domain.Integration
}

func (f *fakeIntegrations) Create(ctx context.Context, i *domain.Integration) error { return nil }
func (f *fakeIntegrations) Update(ctx context.Context, i *domain.Integration) error { return nil }
func (f *fakeIntegrations) Delete(ctx context.Context, id, orgID string) error      { return nil }
func (f *fakeIntegrations) FindByID(ctx context.Context, id string) (*domain.Integration, error) {
	return nil, fmt.Errorf("not found")
}
func (f *fakeIntegrations) FindByOrg(ctx context.Context, orgID string) ([]*domain.Integration, error) {
	return nil, nil
}
func (f *fakeIntegrations) FindAllActive(ctx context.Context) ([]*domain.Integration, error) {
	return f.active, nil
}
func (f *fakeIntegrations) UpdateTokens(ctx context.Context, id string, pair *domain.TokenPair) error {
	return nil
}
func (f *fakeIntegrations) SetActive(ctx context.Context, id string, active bool) error {
	if !active {
		f.deactivated = true
	}
	return nil
}
func (f *fakeIntegrations) FindBots(ctx context.Context, id string) ([]*domain.IntegrationBot, error) {
	return nil, nil
}
func (f *fakeIntegrations) CreateUser(ctx context.Context, u *domain.User) error { return nil }
func (f *fakeIntegrations) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return nil, nil
}
func (f *fakeIntegrations) FindUserByID(ctx context.Context, id string) (*domain.User, error) {
	return nil, nil
}

type fakeEntities struct {
	mu   sync.Mutex
	rows []*domain.SyncEntity
}

func (f *fakeEntities) Upsert(ctx context.Context, entity *domain.SyncEntity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.DeletedAt == nil &&
			row.IntegrationID == entity.IntegrationID &&
			row.EntityType == entity.EntityType &&
			row.LocalID == entity.LocalID {
			row.RemoteID = entity.RemoteID
			row.RemotePayload = entity.RemotePayload
			return nil
		}
	}
	cp := *entity
	f.rows = append(f.rows, &cp)
	return nil
}

func (f *fakeEntities) FindByLocal(ctx context.Context, integrationID string, entityType domain.EntityType, localID string) (*domain.SyncEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.DeletedAt == nil && row.IntegrationID == integrationID &&
			row.EntityType == entityType && row.LocalID == localID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeEntities) FindByRemote(ctx context.Context, integrationID string, entityType domain.EntityType, remoteID string) (*domain.SyncEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.DeletedAt == nil && row.IntegrationID == integrationID &&
			row.EntityType == entityType && row.RemoteID == remoteID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeEntities) Replace(ctx context.Context, stale, fresh *domain.SyncEntity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, row := range f.rows {
		if row.ID == stale.ID {
			row.DeletedAt = &now
		}
	}
	cp := *fresh
	f.rows = append(f.rows, &cp)
	return nil
}

// alive возвращает живые связки указанного типа
func (f *fakeEntities) alive(entityType domain.EntityType) []*domain.SyncEntity {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.SyncEntity
	for _, row := range f.rows {
		if row.DeletedAt == nil && row.EntityType == entityType {
			out = append(out, row)
		}
	}
	return out
}

type fakeLogs struct {
	mu      sync.Mutex
	entries []*domain.SyncLog
}

func (f *fakeLogs) Create(ctx context.Context, entry *domain.SyncLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *entry
	f.entries = append(f.entries, &cp)
	return nil
}

func (f *fakeLogs) List(ctx context.Context, integrationID string, limit, offset int) ([]*domain.SyncLog, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries, len(f.entries), nil
}

func (f *fakeLogs) operations(op string) []*domain.SyncLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.SyncLog
	for _, e := range f.entries {
		if e.Operation == op {
			out = append(out, e)
		}
	}
	return out
}

type fakeConversations struct {
	mu       sync.Mutex
	convs    map[string]*domain.Conversation
	messages map[string][]domain.Message
	nextID   int64
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		convs:    make(map[string]*domain.Conversation),
		messages: make(map[string][]domain.Message),
	}
}

func (f *fakeConversations) Create(ctx context.Context, conv *domain.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *conv
	f.convs[conv.ID] = &cp
	return nil
}

func (f *fakeConversations) FindByID(ctx context.Context, id string) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return nil, nil
	}
	cp := *conv
	return &cp, nil
}

func (f *fakeConversations) FindByExternalID(ctx context.Context, channelID, externalID string) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conv := range f.convs {
		if conv.ChannelID == channelID && conv.ExternalID == externalID {
			cp := *conv
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeConversations) UpdateState(ctx context.Context, conv *domain.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *conv
	f.convs[conv.ID] = &cp
	return nil
}

func (f *fakeConversations) AppendMessage(ctx context.Context, msg *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.ExternalMsgID != "" {
		for _, existing := range f.messages[msg.ConversationID] {
			if existing.ExternalMsgID == msg.ExternalMsgID {
				return nil
			}
		}
	}
	f.nextID++
	msg.ID = f.nextID
	f.messages[msg.ConversationID] = append(f.messages[msg.ConversationID], *msg)
	return nil
}

func (f *fakeConversations) MessagesAfter(ctx context.Context, conversationID string, afterID int64) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Message
	for _, m := range f.messages[conversationID] {
		if m.ID > afterID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeConversations) CountMessages(ctx context.Context, conversationID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[conversationID]), nil
}

func (f *fakeConversations) FindPendingSync(ctx context.Context, orgID string, limit int) ([]*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Conversation
	for _, conv := range f.convs {
		if conv.OrgID != orgID || conv.Status == domain.ConversationClosed {
			continue
		}
		cursor := conv.LastSyncedMessageID()
		for _, m := range f.messages[conv.ID] {
			if m.ID > cursor {
				cp := *conv
				out = append(out, &cp)
				break
			}
		}
		if len(out) == limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeConversations) FindOrCreateChannel(ctx context.Context, orgID, botID, channelType string) (*domain.Channel, error) {
	return &domain.Channel{ID: "chan-" + channelType, OrgID: orgID, BotID: botID, Type: channelType, IsActive: true}, nil
}

// fakeAdapter считает вызовы и умеет имитировать удаление сущности в CRM
type fakeAdapter struct {
	mu          sync.Mutex
	leadSeq     int
	createCalls int
	notes       map[string][]string // remoteID -> тексты заметок
	goneRemotes map[string]bool     // remote_id, на которые CRM отвечает not found
	failConvs   map[string]bool     // conversation id -> CreateLead падает
	sent        []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		notes:       make(map[string][]string),
		goneRemotes: make(map[string]bool),
		failConvs:   make(map[string]bool),
	}
}

func (a *fakeAdapter) factory() provider.Factory {
	return func(integ *domain.Integration) provider.Adapter { return a }
}

func (a *fakeAdapter) Type() domain.IntegrationType { return domain.TypeAmoCRM }

func (a *fakeAdapter) TestConnection(ctx context.Context) error { return nil }

func (a *fakeAdapter) SyncContact(ctx context.Context, data provider.ContactData) (*provider.ContactResult, error) {
	return &provider.ContactResult{ID: "contact-1", Action: provider.ContactCreated}, nil
}

func (a *fakeAdapter) FindContact(ctx context.Context, email, phone string) (*provider.ContactResult, error) {
	return nil, nil
}

func (a *fakeAdapter) CreateLead(ctx context.Context, conv *domain.Conversation, fields map[string]string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failConvs[conv.ID] {
		return "", fmt.Errorf("%w: lead rejected", provider.ErrValidation)
	}
	a.createCalls++
	a.leadSeq++
	return fmt.Sprintf("lead-%d", a.leadSeq), nil
}

func (a *fakeAdapter) UpdateLead(ctx context.Context, remoteID string, fields map[string]string) error {
	return nil
}

func (a *fakeAdapter) CreateDeal(ctx context.Context, conv *domain.Conversation, fields map[string]string) (string, error) {
	return a.CreateLead(ctx, conv, fields)
}

func (a *fakeAdapter) UpdateDeal(ctx context.Context, remoteID string, fields map[string]string) error {
	return nil
}

func (a *fakeAdapter) AddNote(ctx context.Context, entityType domain.EntityType, remoteID, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.goneRemotes[remoteID] {
		return fmt.Errorf("%w: entity %s deleted", provider.ErrRemoteNotFound, remoteID)
	}
	a.notes[remoteID] = append(a.notes[remoteID], text)
	return nil
}

func (a *fakeAdapter) SendMessage(ctx context.Context, externalChatKey, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return nil
}

func (a *fakeAdapter) GetUsers(ctx context.Context) ([]provider.RemoteUser, error) { return nil, nil }
func (a *fakeAdapter) GetPipelines(ctx context.Context) ([]provider.Pipeline, error) {
	return []provider.Pipeline{{ID: "p1", Name: "Основная"}}, nil
}
func (a *fakeAdapter) GetPipelineStages(ctx context.Context, pipelineID string) ([]provider.PipelineStage, error) {
	return nil, nil
}
func (a *fakeAdapter) GetFields(ctx context.Context, entityType domain.EntityType) ([]provider.RemoteField, error) {
	return nil, nil
}
func (a *fakeAdapter) GetEntity(ctx context.Context, entityType domain.EntityType, remoteID string) (map[string]interface{}, error) {
	return nil, nil
}
func (a *fakeAdapter) ParseWebhook(body []byte) ([]domain.SyncEvent, error) { return nil, nil }
func (a *fakeAdapter) Refresher() provider.TokenRefresher                   { return nil }
func (a *fakeAdapter) LeadEntityType() domain.EntityType                    { return domain.EntityLead }
func (a *fakeAdapter) BatchSize() int                                       { return 0 }

func (a *fakeAdapter) noteTexts(remoteID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.notes[remoteID], "\n---\n")
}
