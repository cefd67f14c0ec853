//go:build wireinject

package di

import (
	"context"
	"log/slog"

	"github.com/google/wire"

	"github.com/misszhang/rosterboard/internal/app"
	"github.com/misszhang/rosterboard/internal/config"
	"github.com/misszhang/rosterboard/internal/http/handler"
	"github.com/misszhang/rosterboard/internal/http/router"
	"github.com/misszhang/rosterboard/internal/mail"
	"github.com/misszhang/rosterboard/internal/repository"
	"github.com/misszhang/rosterboard/internal/service"
	"github.com/misszhang/rosterboard/internal/wechat"

	sdklog "go.opentelemetry.io/otel/sdk/log"
)

var storageSet = wire.NewSet(
	provideDB,
	provideRedis,
	provideBoltDB,
	provideSessionStore,
	provideNonFollowerCache,
	provideRosterFiles,
	repository.NewContactRepository,
	repository.NewScheduleRepository,
	wire.Bind(new(service.RosterFileStore), new(*repository.RosterFileRepository)),
)

var serviceSet = wire.NewSet(
	provideStateTokens,
	provideWeChatClient,
	wire.Bind(new(service.MessagingClient), new(*wechat.Client)),
	provideNotifier,
	wire.Bind(new(service.RosterNotifier), new(*mail.SMTPNotifier)),
	provideLoginService,
	service.NewContactService,
	service.NewScheduleService,
	provideSweeper,
)

var httpSet = wire.NewSet(
	provideWeChatHandler,
	provideLoginHandler,
	handler.NewContactHandler,
	provideScheduleHandler,
	provideSiteHandler,
	provideReadiness,
	provideRouterDependencies,
	router.NewRouter,
	provideHTTPServer,
)

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, lp *sdklog.LoggerProvider) (*app.App, func(), error) {
	wire.Build(
		provideRuntime,
		storageSet,
		serviceSet,
		httpSet,
		provideApp,
	)
	return nil, nil, nil
}
