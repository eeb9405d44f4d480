package api

import (
	"context"
	"sync"

	"github.com/courierd/courier/internal/api/downloads"
	"github.com/courierd/courier/internal/api/histories"
	"github.com/courierd/courier/internal/api/organizer"
	"github.com/courierd/courier/internal/api/transfers"
	"github.com/courierd/courier/internal/http/websocket"
	"github.com/courierd/courier/pkg/logger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var log = logger.Get("API")

type (
	RestConfig struct {
		HostAddr string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8705"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// The RestGateway is a thin-wrapper around the Echo HTTP router. It's sole
	// responsibility is to create the routes Courier exposes and to manage
	// ongoing web socket connections and events.
	RestGateway struct {
		*broadcaster
		config              *RestConfig
		ec                  *echo.Echo
		socket              *websocket.SocketHub
		validate            *validator.Validate
		transferController  controller
		downloadController  controller
		organizerController controller
		historyController   controller
	}
)

// NewRestGateway constructs the Echo router and populates it with all the
// routes defined by the various controllers. Each controller requires
// access to it's backing service, which are provided as arguments.
func NewRestGateway(
	config *RestConfig,
	transferService transfers.TransferService,
	downloadService downloads.DownloadService,
	organizeService organizer.OrganizeService,
	historyService histories.HistoryService,
) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	validate := validator.New()
	socket := websocket.New()
	gateway := &RestGateway{
		broadcaster:         newBroadcaster(socket, transferService, downloadService, organizeService),
		config:              config,
		ec:                  ec,
		socket:              socket,
		validate:            validate,
		transferController:  transfers.New(validate, transferService),
		downloadController:  downloads.New(validate, downloadService),
		organizerController: organizer.New(validate, organizeService),
		historyController:   histories.New(validate, historyService),
	}

	socket.WithConnectionCallback(gateway.broadcaster.ConnectionPayload)
	gateway.bindSocketCommands(transferService, downloadService, organizeService)

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET("/api/courier/v1/activity/ws/", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	})

	transferGroup := ec.Group("/api/courier/v1/transfers")
	gateway.transferController.SetRoutes(transferGroup)

	downloadGroup := ec.Group("/api/courier/v1/downloads")
	gateway.downloadController.SetRoutes(downloadGroup)

	organizerGroup := ec.Group("/api/courier/v1/organizer")
	gateway.organizerController.SetRoutes(organizerGroup)

	historyGroup := ec.Group("/api/courier/v1/history")
	gateway.historyController.SetRoutes(historyGroup)

	return gateway
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	// Start echo router
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil {
			ctxCancel(err)
		}
	}()

	// Start thread to listen for context cancellation
	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	// Start websocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	wg.Wait()

	// Return cancellation cause if any, otherwise nil as parent context
	// cancellation is not an error case we should report.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}
