package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/misszhang/rosterboard/internal/domain"
	"github.com/misszhang/rosterboard/internal/repository"
	"github.com/misszhang/rosterboard/internal/security"
	"github.com/misszhang/rosterboard/internal/service"
	"github.com/misszhang/rosterboard/internal/wechat"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testWeChatToken = "roster-token"

type fakeMessaging struct {
	mu        sync.Mutex
	followers map[string]domain.Profile
	sent      map[string][]string
}

func (f *fakeMessaging) IsFollower(_ context.Context, openID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.followers[openID]
	return ok
}

func (f *fakeMessaging) Profile(_ context.Context, openID string) *domain.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.followers[openID]
	if !ok {
		return nil
	}
	return &p
}

func (f *fakeMessaging) SendText(_ context.Context, openID, content string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[openID] = append(f.sent[openID], content)
	return true
}

type handlerFixture struct {
	store     *service.InMemorySessionStore
	messaging *fakeMessaging
	login     *service.LoginService
	wechat    *WeChatHandler
	logins    *LoginHandler
	contacts  *ContactHandler
	schedules *ScheduleHandler
	site      *SiteHandler
	db        *gorm.DB
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	store := service.NewInMemorySessionStore(service.SessionStoreOptions{
		Key: []byte("0123456789abcdef0123456789abcdef"),
		TTL: time.Hour,
	})
	messaging := &fakeMessaging{
		followers: map[string]domain.Profile{"openid123": {OpenID: "openid123", Nickname: "小张"}},
		sent:      map[string][]string{},
	}
	states := security.NewStateTokenManager([]byte("state-key-state-key-state-key-00"), nil)
	login := service.NewLoginService(store, messaging, states, discardLogger(), service.LoginOptions{
		Keyword:            "登录",
		ManualLoginEnabled: true,
	})

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.ContactMessage{}, &domain.ScheduleEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	files := repository.NewRosterFileRepository(t.TempDir(), 1<<10)
	scheduleSvc := service.NewScheduleService(repository.NewScheduleRepository(db), files, nil, discardLogger())
	contactSvc := service.NewContactService(repository.NewContactRepository(db), discardLogger())

	return &handlerFixture{
		store:     store,
		messaging: messaging,
		login:     login,
		wechat:    NewWeChatHandler(login, testWeChatToken, false, discardLogger()),
		logins:    NewLoginHandler(login, time.Hour, false),
		contacts:  NewContactHandler(contactSvc),
		schedules: NewScheduleHandler(scheduleSvc, 1<<10),
		site:      NewSiteHandler("C1jlF7TZzN4da9le"),
		db:        db,
	}
}

func (f *handlerFixture) newSession(t *testing.T, openID string) string {
	t.Helper()
	id, err := f.store.Create(context.Background(), openID, domain.Profile{OpenID: openID, Nickname: "小张"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return id
}

func textMessageFor(from, content string) *wechat.InboundMessage {
	return &wechat.InboundMessage{ToUserName: "gh_account", FromUserName: from, MsgType: wechat.MsgTypeText, Content: content}
}
