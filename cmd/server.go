package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/presencehub/apis"
	"github.com/alwitt/presencehub/broadcast"
	"github.com/alwitt/presencehub/common"
	"github.com/alwitt/presencehub/core"
	"github.com/alwitt/presencehub/gateway"
	"github.com/alwitt/presencehub/identity"
	"github.com/alwitt/presencehub/presence"
	"github.com/alwitt/presencehub/replay"
	"github.com/alwitt/presencehub/session"
	"github.com/alwitt/presencehub/storage"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunServer run the presence server.
//
// runtimeContext ending triggers shutdown. The worker components run on a
// separate lifecycle so the shutdown bookkeeping can still reach them.
func RunServer(
	config *common.SystemConfig,
	instance string,
	runtimeContext context.Context,
	ctxtCancel context.CancelFunc,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	wg := sync.WaitGroup{}
	defer wg.Wait()
	componentContext, componentCancel := context.WithCancel(context.Background())
	defer componentCancel()
	defer ctxtCancel()

	callTimeout := time.Second * time.Duration(config.Store.CallTimeout)

	// -------------------------------------------------------------------
	// Storage backend

	store, err := defineStoreBackend(runtimeContext, config.Store)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define storage backend")
		return err
	}
	defer store.Close()

	// -------------------------------------------------------------------
	// Broadcast fan-out, with optional cross-instance relay

	broadcaster, err := broadcast.GetBroadcasterInstance()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return err
	}
	defer broadcaster.Close()

	if config.Relay != nil {
		natsClient, err := core.GetNATSClient(core.NATSConnectParams{
			ServerURI:           config.Relay.NATS.ServerURI,
			ConnectTimeout:      time.Second * time.Duration(config.Relay.NATS.ConnectTimeout),
			MaxReconnectAttempt: config.Relay.NATS.Reconnect.MaxAttempts,
			ReconnectWait: time.Second * time.Duration(
				config.Relay.NATS.Reconnect.WaitInterval,
			),
			OnDisconnectCallback: func(_ *nats.Conn, err error) {
				log.WithError(err).WithFields(logTags).Warn("NATS disconnected")
			},
			OnReconnectCallback: func(_ *nats.Conn) {
				log.WithFields(logTags).Warn("NATS reconnected")
			},
			OnCloseCallback: func(_ *nats.Conn) {
				log.WithFields(logTags).Warn("NATS connection closed")
				ctxtCancel()
			},
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS client")
			return err
		}
		defer natsClient.Close(componentContext)
		if err := broadcast.AttachRelay(
			broadcaster, natsClient, config.Relay.SubjectPrefix, instance,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to attach broadcast relay")
			return err
		}
	}

	// -------------------------------------------------------------------
	// Presence tracking and session lifecycle

	tracker, err := presence.GetTrackerInstance(
		componentContext, store, store, broadcaster, config.Session.TaskQueueLen, callTimeout,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define presence tracker")
		return err
	}
	if err := tracker.StartEventLoop(&wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start presence tracker")
		return err
	}
	defer func() {
		_ = tracker.StopEventLoop()
	}()

	sessions, err := session.GetManagerInstance(
		componentContext, store, store, tracker, config.Session, callTimeout,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session manager")
		return err
	}
	if err := sessions.StartEventLoop(&wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start session manager")
		return err
	}
	defer func() {
		_ = sessions.StopEventLoop()
	}()

	// -------------------------------------------------------------------
	// Identity, replay, and the connection gateway

	verifier, err := identity.GetJWTVerifier(config.Auth.SigningSecret, config.Auth.Issuer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define identity verifier")
		return err
	}

	replayer, err := replay.GetEngineInstance(store, store, config.Replay)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define replay engine")
		return err
	}

	control, err := gateway.GetGatewayInstance(
		sessions, verifier, replayer, broadcaster, config.Auth,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define gateway")
		return err
	}

	// -------------------------------------------------------------------
	// Background maintenance

	sweepTimer, err := common.GetIntervalTimerInstance("expiry-sweep", componentContext, &wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sweep timer")
		return err
	}
	if err := sweepTimer.Start(
		time.Second*time.Duration(config.Session.SweepInterval), func() error {
			_, err := sessions.SweepExpired(componentContext)
			return err
		}, false,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start sweep timer")
		return err
	}
	defer func() {
		_ = sweepTimer.Stop()
	}()

	purgeTimer, err := common.GetIntervalTimerInstance(
		"retention-purge", componentContext, &wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define purge timer")
		return err
	}
	if err := purgeTimer.Start(
		time.Second*time.Duration(config.Session.PurgeInterval), func() error {
			ctxt, cancel := context.WithTimeout(componentContext, callTimeout)
			defer cancel()
			_, err := sessions.PurgeOldSessions(ctxt)
			return err
		}, false,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start purge timer")
		return err
	}
	defer func() {
		_ = purgeTimer.Stop()
	}()

	// -------------------------------------------------------------------
	// HTTP server

	httpConfig := &config.API.HTTPSetting

	monitorHandler, err := apis.GetAPIRestMonitorHandler(
		sessions, tracker, store, broadcaster, httpConfig,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define monitor handler")
		return err
	}
	wsHandler, err := apis.GetAPIRestWebsocketHandler(
		runtimeContext, control, httpConfig, config.Gateway,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.API.PathPrefix, nil)

	// Client websocket attach. Not behind the logging middleware, since the
	// connection is hijacked and outlives the request.
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/socket", apis.MethodHandlers{
		"get": wsHandler.AttachHandler(),
	})

	// Session queries
	sessionAPIRouter := apis.RegisterPathPrefix(mainRouter, "/v1/session", nil)
	_ = apis.RegisterPathPrefix(sessionAPIRouter, "/stats", apis.MethodHandlers{
		"get": monitorHandler.GetStatsHandler(),
	})
	_ = apis.RegisterPathPrefix(sessionAPIRouter, "/online", apis.MethodHandlers{
		"get": monitorHandler.GetOnlineRepsHandler(),
	})
	_ = apis.RegisterPathPrefix(sessionAPIRouter, "/rep/{repID}", apis.MethodHandlers{
		"get": monitorHandler.GetRepSessionsHandler(),
	})
	sessionAPIRouter.Use(func(next http.Handler) http.Handler {
		return monitorHandler.LoggingMiddleware(next.ServeHTTP)
	})

	// Presence queries
	presenceAPIRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/presence/{repID}", apis.MethodHandlers{
			"get": monitorHandler.GetRepPresenceHandler(),
		},
	)
	presenceAPIRouter.Use(func(next http.Handler) http.Handler {
		return monitorHandler.LoggingMiddleware(next.ServeHTTP)
	})

	// Event ingest
	eventAPIRouter := apis.RegisterPathPrefix(mainRouter, "/v1/event", apis.MethodHandlers{
		"post": monitorHandler.PublishEventHandler(),
	})
	eventAPIRouter.Use(func(next http.Handler) http.Handler {
		return monitorHandler.LoggingMiddleware(next.ServeHTTP)
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", apis.MethodHandlers{
		"get": monitorHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", apis.MethodHandlers{
		"get": monitorHandler.ReadyHandler(),
	})

	serverListen := fmt.Sprintf(
		"%s:%d", httpConfig.Server.ListenOn, httpConfig.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(httpConfig.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(httpConfig.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(httpConfig.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
			ctxtCancel()
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Every still active session ends before exit
	{
		ctxt, cancel := context.WithTimeout(componentContext, time.Second*10)
		defer cancel()
		if closed, err := sessions.CloseAllActive(ctxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close active sessions")
		} else {
			log.WithFields(logTags).Infof("Closed %d sessions on shutdown", closed)
		}
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}

// defineStoreBackend select the storage backend from config
func defineStoreBackend(
	runtimeContext context.Context, config common.StoreConfig,
) (storage.Backend, error) {
	switch config.Backend {
	case "postgres":
		if config.Postgres == nil {
			return nil, fmt.Errorf("postgres backend selected without connection config")
		}
		return storage.GetPostgresStore(runtimeContext, *config.Postgres)
	default:
		return storage.GetInMemoryStore(config.KnownReps)
	}
}
