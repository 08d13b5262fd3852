// README: Entry point; loads config, wires services, starts the HTTP server
// and the background sweep, auto-cancel, and reconcile loops.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"souk/internal/clock"
	"souk/internal/config"
	"souk/internal/events"
	httptransport "souk/internal/http"
	"souk/internal/infra"
	"souk/internal/logger"
	"souk/internal/modules/delivery"
	"souk/internal/modules/dispatch"
	"souk/internal/modules/inventory"
	"souk/internal/modules/ledger"
	"souk/internal/modules/order"
	"souk/internal/modules/returns"
	"souk/internal/notify"
	"souk/internal/types"
)

// orderFulfiller bridges delivery completion back into the order state
// machine. The order service is set after construction because the two
// services reference each other.
type orderFulfiller struct {
	orders *order.Service
}

func (f *orderFulfiller) OrderDelivered(ctx context.Context, orderID, riderID types.ID) error {
	return f.orders.MarkFulfilled(ctx, orderID, order.UserActor(order.ActorRider, riderID))
}

// deliveredRiders resolves the rider who completed an order's delivery for
// the ledger's earning entry.
type deliveredRiders struct {
	deliveries *delivery.PgStore
}

func (r *deliveredRiders) DeliveredRider(ctx context.Context, orderID types.ID) (types.ID, error) {
	d, err := r.deliveries.ForOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if d.Status != delivery.StatusDelivered || d.RiderID == nil {
		return "", ledger.ErrRiderUnknown
	}
	return *d.RiderID, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	lg := logger.New(slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal(err)
	}
	defer dbPool.Close()
	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer redisClient.Close()

	producer := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, lg)
	defer producer.Close()

	clk := clock.NewSystem()

	inventorySvc := inventory.NewService(inventory.NewStore(dbPool), lg)

	deliveryStore := delivery.NewStore(dbPool)
	riderStore := dispatch.NewRiderStore(dbPool, redisClient)
	fulfiller := &orderFulfiller{}
	deliverySvc := delivery.NewService(deliveryStore, fulfiller, riderStore, clk, lg)

	dispatchSvc := dispatch.NewService(
		dispatch.NewStore(dbPool),
		riderStore,
		notify.NewEventDispatcher(producer, lg),
		clk, lg,
		dispatch.Options{
			OfferWindow:   cfg.Matching.OfferWindow,
			RadiusKm:      cfg.Matching.RadiusKm,
			SweepTick:     cfg.Matching.SweepTick,
			RetryBackoff:  cfg.Matching.RetryBackoff,
			MaxRetryDelay: cfg.Matching.MaxRetryDelay,
		})

	ledgerSvc := ledger.NewService(
		ledger.NewStore(dbPool),
		&deliveredRiders{deliveries: deliveryStore},
		ledger.Policy{
			PlatformBps:       cfg.Split.PlatformBps,
			CoopBps:           cfg.Split.CoopBps,
			CommunityBps:      cfg.Split.CommunityBps,
			MemberDiscountBps: cfg.Split.MemberDiscountBps,
			RiderBps:          cfg.Split.RiderBps,
		},
		clk, lg)

	orderSvc := order.NewService(order.Deps{
		Store:      order.NewStore(dbPool),
		Inventory:  inventorySvc,
		Ledger:     ledgerSvc,
		Dispatch:   dispatchSvc,
		Deliveries: deliverySvc,
		Events:     producer,
		Clock:      clk,
		Logger:     lg,
	})
	fulfiller.orders = orderSvc

	returnsSvc := returns.NewService(returns.NewStore(dbPool), orderSvc, clk, lg)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Order:     orderSvc,
		Returns:   returnsSvc,
		Delivery:  deliverySvc,
		Dispatch:  dispatchSvc,
		Riders:    riderStore,
		Ledger:    ledgerSvc,
		Inventory: inventorySvc,
		Logger:    lg,
	})

	go dispatchSvc.RunSweep(ctx)
	go orderSvc.RunAutoCancel(ctx, cfg.AutoCancel.Tick, cfg.AutoCancel.After)
	go orderSvc.RunReconcile(ctx, cfg.Reconcile.Tick)

	server := httptransport.NewServer(cfg.HTTP.Addr, router, lg)
	if err := server.Run(ctx); err != nil {
		log.Fatal(err)
	}
}
