package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alumnihub/chat-service/internal/chat"
	"github.com/alumnihub/chat-service/internal/config"
	"github.com/alumnihub/chat-service/internal/db"
	"github.com/alumnihub/chat-service/internal/httpapi"
	"github.com/alumnihub/chat-service/internal/httpapi/handlers"
	"github.com/alumnihub/chat-service/internal/hub"
	"github.com/alumnihub/chat-service/internal/presence"
	"github.com/alumnihub/chat-service/internal/realtime"
	"github.com/alumnihub/chat-service/internal/store/rabbitmq"
	"github.com/alumnihub/chat-service/internal/store/redisstore"
	"github.com/alumnihub/chat-service/internal/users"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	usersRepo := users.NewRepo(gdb)
	usersSvc := users.NewService(usersRepo)
	chatSvc := chat.NewService(chat.NewRepo(gdb), rds)

	// The offline digest pipeline is best-effort: chat runs without it.
	var notifier realtime.Notifier
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Printf("rabbit unavailable, offline notifications disabled err=%v", err)
	} else {
		defer pub.Close()
		notifier = pub
	}

	pres := presence.NewStore()
	h := hub.NewHub(pres)
	gateway := realtime.NewGateway(h, pres, chatSvc, notifier)
	rt := realtime.NewServer(cfg, h, gateway)

	router := httpapi.NewRouter(cfg, handlers.NewHandler(cfg, usersSvc, usersRepo, chatSvc), rt)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("server listening addr=%s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
