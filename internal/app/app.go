package app

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	aqm "github.com/appetiteclub/apt"
	aqmevents "github.com/appetiteclub/apt/events"
	"github.com/appetiteclub/apt/middleware"
	"github.com/google/uuid"

	"github.com/smartdine/kitchenfeed/internal/conn"
	"github.com/smartdine/kitchenfeed/internal/events"
	"github.com/smartdine/kitchenfeed/internal/feed"
	"github.com/smartdine/kitchenfeed/internal/mongo"
	"github.com/smartdine/kitchenfeed/internal/notify"
	"github.com/smartdine/kitchenfeed/pkg/bus"
	"github.com/smartdine/kitchenfeed/pkg/event"
)

const (
	AppName    = "kitchenfeed"
	AppVersion = "0.1.0"
)

// App encapsulates the kitchen feed service application
type App struct {
	config    *aqm.Config
	logger    aqm.Logger
	micro     *aqm.Micro
	orderRepo *mongo.OrderRepo
}

// New creates a new kitchen feed application
func New(config *aqm.Config, logger aqm.Logger) (*App, error) {
	return &App{
		config: config,
		logger: logger,
	}, nil
}

// Initialize sets up all dependencies and components
func (a *App) Initialize(ctx context.Context) error {
	restaurantIDStr, _ := a.config.GetString("restaurant.id")
	restaurantID, err := uuid.Parse(restaurantIDStr)
	if err != nil {
		return fmt.Errorf("invalid restaurant.id %q: %w", restaurantIDStr, err)
	}

	a.orderRepo = mongo.NewOrderRepo(a.config, a.logger)

	natsURL, _ := a.config.GetString("nats.url")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	// Event replay stream for cache warming (optional).
	var orderStream *bus.NATSStream
	var streamForCache aqmevents.StreamConsumer

	streamEnabled, _ := a.config.GetString("nats.stream.enabled")
	if streamEnabled == "true" {
		streamCfg := bus.NATSStreamConfig{
			URL:          natsURL,
			StreamName:   "ORDER_EVENTS",
			Subjects:     []string{"orders.events.*"},
			Topic:        event.OrderEventsTopic(restaurantID.String()),
			ConsumerName: "kitchenfeed-" + restaurantID.String(),
			MaxAge:       24 * time.Hour,
		}
		orderStream, err = bus.NewNATSStream(streamCfg)
		if err != nil {
			return err
		}
		a.logger.Info("NATS stream initialized for event replay")
		streamForCache = orderStream
	}

	// Connection manager owns the live event/command connection.
	manager := conn.NewManager(conn.Config{
		URL:    natsURL,
		Logger: a.logger,
	})

	dispatcher := events.NewDispatcher(manager, a.logger)

	// Notification layer.
	var toner notify.Toner = notify.NoopToner{}
	if bell, _ := a.config.GetString("sound.bell"); bell == "true" {
		toner = notify.BellToner{W: os.Stdout}
	}
	notifier := notify.New(toner, a.logger)
	if enabled, _ := a.config.GetString("sound.enabled"); enabled == "false" {
		notifier.SetSoundEnabled(false)
	}
	if volumeStr, _ := a.config.GetString("sound.volume"); volumeStr != "" {
		if volume, err := strconv.ParseFloat(volumeStr, 64); err == nil {
			notifier.SetVolume(volume)
		}
	}

	// SLA clock ticks once per second for all visible orders. The stream
	// server is created after the clock, hence the indirection.
	var streamServer *feed.StreamServer
	clock := feed.NewSLAClock(func(readings []feed.Reading) {
		if streamServer != nil {
			streamServer.BroadcastReadings(readings)
		}
	}, a.logger)

	cache := feed.NewOrderStateCache(restaurantID, streamForCache, a.orderRepo, a.logger)
	cache.SetTracker(clock)

	streamServer = feed.NewStreamServer(cache, clock, manager, a.logger)

	// The cache mutates only through these callbacks and the initial warm.
	dispatcher.On(event.EventOrderCreated, cache.HandleOrderCreated)
	dispatcher.On(event.EventOrderUpdated, cache.HandleOrderUpdated)
	dispatcher.On(event.EventOrderStatusChanged, cache.HandleStatusChanged)

	dispatcher.On(event.EventOrderCreated, func(ctx context.Context, evt *event.OrderEvent) {
		streamServer.BroadcastEvent(evt)
		if evt.Order != nil {
			notifier.NotifyNewOrder(orderRef(evt.Order))
		}
	})
	dispatcher.On(event.EventOrderUpdated, func(ctx context.Context, evt *event.OrderEvent) {
		streamServer.BroadcastEvent(evt)
	})
	dispatcher.On(event.EventOrderStatusChanged, func(ctx context.Context, evt *event.OrderEvent) {
		streamServer.BroadcastEvent(evt)
		ref := notify.OrderRef{ID: evt.OrderID}
		if evt.Order != nil {
			ref = orderRef(evt.Order)
		}
		notifier.NotifyStatusUpdate(ref, evt.Status)
	})
	dispatcher.On(event.EventKitchenNotification, func(ctx context.Context, evt *event.OrderEvent) {
		var ref *notify.OrderRef
		if evt.Order != nil {
			r := orderRef(evt.Order)
			ref = &r
		}
		notifier.NotifyUrgent(evt.Message, ref)
	})

	eventsTopic := event.OrderEventsTopic(restaurantID.String())
	manager.OnConnected(func(c conn.Conn) {
		if err := c.Subscribe(ctx, eventsTopic, dispatcher.HandleMessage); err != nil {
			a.logger.Errorf("cannot subscribe to %s: %v", eventsTopic, err)
		}
	})
	manager.OnStateChange(func(state conn.State, lastErr error) {
		a.logger.Info("connection state changed", "state", state.String(), "error", lastErr)
		streamServer.BroadcastConnState(state, lastErr)
	})

	handler := feed.NewHandler(feed.HandlerDeps{
		Cache:     cache,
		Clock:     clock,
		Commander: dispatcher,
		Conn:      manager,
		Stream:    streamServer,
		Notifier:  notifier,
	}, a.config, a.logger)

	stack := middleware.DefaultStack(middleware.StackOptions{
		Logger:      a.logger,
		DisableCORS: true,
	})
	stack = append(stack, middleware.InternalOnly())

	lifecycles := []interface{}{a.orderRepo}

	// Warm cache after the repo is started.
	cacheLifecycle := aqm.LifecycleHooks{
		OnStart: func(ctx context.Context) error {
			if err := cache.Warm(ctx); err != nil {
				a.logger.Info("failed to warm order cache", "error", err)
			}
			return nil
		},
	}
	lifecycles = append(lifecycles, cacheLifecycle)

	clockLifecycle := aqm.LifecycleHooks{
		OnStart: clock.Start,
		OnStop:  clock.Stop,
	}
	lifecycles = append(lifecycles, clockLifecycle)

	// Pump notifications to connected stream clients.
	notificationsLifecycle := aqm.LifecycleHooks{
		OnStart: func(context.Context) error {
			notifications := notifier.Subscribe("stream-server")
			go func() {
				for n := range notifications {
					streamServer.BroadcastNotification(n)
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			notifier.Unsubscribe("stream-server")
			return nil
		},
	}
	lifecycles = append(lifecycles, notificationsLifecycle)

	autoConnect, _ := a.config.GetString("feed.autoconnect")
	managerLifecycle := aqm.LifecycleHooks{
		OnStart: func(context.Context) error {
			if autoConnect != "false" {
				manager.Connect()
			}
			return nil
		},
		OnStop: func(context.Context) error {
			manager.Disconnect()
			return nil
		},
	}
	lifecycles = append(lifecycles, managerLifecycle)

	if orderStream != nil {
		streamLifecycle := aqm.LifecycleHooks{
			OnStop: func(context.Context) error { return orderStream.Close() },
		}
		lifecycles = append(lifecycles, streamLifecycle)
	}

	options := []aqm.Option{
		aqm.WithConfig(a.config),
		aqm.WithLogger(a.logger),
		aqm.WithHTTPMiddleware(stack...),
		aqm.WithHTTPServerModules("web.port", handler),
		aqm.WithLifecycle(lifecycles...),
		aqm.WithHealthChecks(AppName),
	}

	a.micro = aqm.NewMicro(options...)
	return nil
}

// Run starts the application
func (a *App) Run(ctx context.Context) error {
	a.logger.Infof("Starting %s(%s)", AppName, AppVersion)
	if err := a.micro.Run(ctx); err != nil {
		return err
	}
	a.logger.Infof("%s(%s) stopped", AppName, AppVersion)
	return nil
}

func orderRef(p *event.OrderPayload) notify.OrderRef {
	return notify.OrderRef{
		ID:          p.ID,
		OrderNumber: p.OrderNumber,
		TableNumber: p.TableNumber,
	}
}
