package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"orderFulfillment/internal/checkout"
	"orderFulfillment/internal/config"
	"orderFulfillment/internal/db"
	"orderFulfillment/internal/dispatch"
	"orderFulfillment/internal/fulfillment"
	"orderFulfillment/internal/geocode"
	grpcserver "orderFulfillment/internal/grpc"
	"orderFulfillment/internal/httpapi"
	"orderFulfillment/internal/logger"
	"orderFulfillment/internal/notify"
	"orderFulfillment/internal/orders"
	"orderFulfillment/internal/payment"
	"orderFulfillment/internal/reconcile"
	"orderFulfillment/internal/routing"
	"orderFulfillment/internal/saga"
	"orderFulfillment/internal/scratch"
	"orderFulfillment/models"
	"orderFulfillment/repository"
)

func main() {
	log := logger.NewLogger("order-fulfillment")
	if err := run(log); err != nil {
		log.Error("startup", "", "server exited", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {
	// Load configuration
	cfg, err := config.LoadWithDefaults()
	if err != nil {
		return err
	}
	log.Info("config_loaded", "", cfg.String())

	// Open DB
	d, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Error("shutdown", "", "close db", err)
		}
	}()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	store := scratch.NewStore(rdb, cfg.Redis.DraftTTL)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		// Checkout and driver sessions fail until Redis is reachable.
		log.Warn("redis_ping", "", "redis unreachable at startup", slog.String("error", err.Error()))
	}
	cancelPing()

	publisher, closePublisher, err := newPublisher(cfg.Notify)
	if err != nil {
		return err
	}
	defer func() {
		if err := closePublisher(); err != nil {
			log.Error("shutdown", "", "close publisher", err)
		}
	}()

	users := repository.NewUserRepository(d)
	restaurants := repository.NewRestaurantRepository(d)
	ledger := repository.NewDeliveryRepository(d)
	if err := bootstrapAdmin(context.Background(), users, cfg.Auth.BootstrapAdmin, log); err != nil {
		return err
	}

	recorder := saga.NewRecorder(repository.NewSagaRepository(d), log)
	orderSvc := orders.NewService(repository.NewOrderRepository(d), log)
	coordinator := checkout.NewCoordinator(store, payment.NewClient(cfg.Payment.BaseURL, cfg.Payment.Timeout), restaurants, orderSvc,
		recorder, log, checkout.Settings{
			DeliveryFee: cfg.Pricing.DeliveryFee,
			Currency:    cfg.Pricing.Currency,
			SuccessURL:  cfg.Payment.SuccessURL,
			CancelURL:   cfg.Payment.CancelURL,
		})
	controller := fulfillment.NewController(orderSvc, restaurants, users,
		notify.NewBroadcaster(publisher, cfg.Notify.Concurrency, log), recorder, log)
	engine := dispatch.NewEngine(orderSvc, ledger, store, routing.NewClient(cfg.Routing.BaseURL, cfg.Routing.Timeout),
		restaurants, users, recorder, log, dispatch.Settings{
			EarnedFee:    cfg.Pricing.EarnedFee,
			Attempts:     cfg.Sweep.CompletionTries,
			RouteTimeout: cfg.Routing.Timeout,
		})
	sweeper := reconcile.NewSweeper(ledger, orderSvc, recorder, log, cfg.Sweep.StaleCheckout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sweeper.Run(ctx, cfg.Sweep.Interval)

	// Start gRPC
	stopGRPC, err := grpcserver.StartGRPC(cfg, log, grpcserver.Services{
		Checkout:   &grpcserver.CheckoutServer{Users: users, Checkout: coordinator},
		Restaurant: &grpcserver.RestaurantServer{Users: users, Restaurants: restaurants, Orders: orderSvc, Fulfillment: controller},
		Driver:     &grpcserver.DriverServer{Users: users, Engine: engine},
		Admin: &grpcserver.AdminServer{Users: users, Restaurants: restaurants, Orders: orderSvc,
			Fulfillment: controller, Sweeper: sweeper, Saga: recorder},
	})
	if err != nil {
		return err
	}

	handler := &httpapi.Handler{
		Payments:    coordinator,
		Orders:      orderSvc,
		Restaurants: restaurants,
		Geocoder:    geocode.NewClient(cfg.Geocode.BaseURL, cfg.Geocode.UserAgent, cfg.Geocode.Timeout),
		Users:       users,
		Secret:      cfg.Auth.JWTSecret,
		Checks: map[string]httpapi.Pinger{
			"redis":  store,
			"sqlite": httpapi.PingFunc(d.PingContext),
		},
		Log: log,
	}
	stopHTTP, err := httpapi.StartHTTP(cfg.HTTP.Address, httpapi.NewRouter(handler, cfg.HTTP.AllowedOrigins), log)
	if err != nil {
		return err
	}

	// Wait for signal
	<-ctx.Done()
	log.Info("shutdown", "", "signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(stopHTTP(shutdownCtx), stopGRPC(shutdownCtx))
}

func newPublisher(cfg config.NotifyConfig) (notify.Publisher, func() error, error) {
	if cfg.Backend == "amqp" {
		p, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	}
	p := notify.NewKafkaPublisher(notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
	return p, p.Close, nil
}

func bootstrapAdmin(ctx context.Context, users *repository.UserRepository, username string, log *logger.Logger) error {
	if username == "" {
		return nil
	}
	u, err := users.GetByUsername(ctx, username)
	if err != nil {
		return err
	}
	if u != nil {
		if u.Role == models.RoleAdmin {
			return nil
		}
		if err := users.UpdateRoleByUsername(ctx, username, models.RoleAdmin); err != nil {
			return err
		}
		log.Info("bootstrap_admin", "", "account promoted to admin",
			slog.String("username", username), slog.String("previous_role", string(u.Role)))
		return nil
	}
	if _, err := users.Create(ctx, username, username, models.RoleAdmin); err != nil {
		return err
	}
	log.Info("bootstrap_admin", "", "admin account created", slog.String("username", username))
	return nil
}
