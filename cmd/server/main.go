// Command server is notifyhub's composition root: it loads
// configuration, opens the store, wires every repository, the
// preference resolver, the template renderer, the four channel
// adapters, the realtime hub, the delivery engine and orchestrator,
// the housekeeping sweeps, and the narrow HTTP surface (webhook
// callbacks plus the realtime WS upgrade) - then serves until signaled
// to stop.
//
// Construction follows the teacher's main.go: sequential, logged step
// by step, fatal on anything the service cannot run without.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"notifyhub/internal/analytics"
	"notifyhub/internal/channels"
	"notifyhub/internal/config"
	"notifyhub/internal/corelog"
	"notifyhub/internal/engine"
	"notifyhub/internal/enginequeue"
	"notifyhub/internal/model"
	"notifyhub/internal/orchestrator"
	"notifyhub/internal/preferences"
	"notifyhub/internal/ratelimit"
	"notifyhub/internal/realtime"
	"notifyhub/internal/secrets"
	"notifyhub/internal/store"
	"notifyhub/internal/sweep"
	"notifyhub/internal/templates"
	"notifyhub/internal/webhook"
)

func main() {
	log := corelog.Default().With("component", "main")

	log.Info("loading configuration")
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Warn("config.yaml not found or invalid (%v), using defaults", err)
		cfg = config.Default()
	}

	log.Info("opening store (%s)", cfg.Storage.Driver)
	s, err := store.Open(cfg.Storage)
	if err != nil {
		log.Error("open store: %v", err)
		os.Exit(1)
	}
	defer s.Close()

	log.Info("running migrations")
	if err := s.Migrate(); err != nil {
		log.Error("migrate: %v", err)
		os.Exit(1)
	}

	log.Info("resolving provider credentials")
	secretStore := openSecretStore(cfg, log)
	providers := resolveProviders(cfg, secretStore)

	log.Info("connecting redis (%s)", cfg.Redis.Addr)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Error("redis ping: %v", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	notificationRepo := store.NewNotificationRepo(s)
	jobRepo := store.NewDeliveryJobRepo(s)
	attemptRepo := store.NewDeliveryAttemptRepo(s)
	prefRepo := store.NewUserPreferenceRepo(s)
	suppressionRepo := store.NewSuppressionRepo(s)
	deviceTokenRepo := store.NewDeviceTokenRepo(s)
	templateRepo := store.NewTemplateRepo(s)
	inboxRepo := store.NewInboxRepo(s)
	analyticsRepo := store.NewAnalyticsRepo(s)

	renderer := templates.NewRenderer(templateRepo)
	resolver := preferences.NewResolver(prefRepo, suppressionRepo)
	recorder := analytics.NewRecorder(analyticsRepo)
	queue := enginequeue.New(redisClient)

	var limiter ratelimit.Limiter = ratelimit.NewRedisLimiter(redisClient)

	log.Info("starting realtime hub")
	hub := realtime.NewHub(cfg.Realtime.SessionIdleTimeout, cfg.Realtime.ReconnectBacklog, inboxRepo)
	authenticator := realtime.NewAuthenticator(cfg.Realtime.JWTSecret, "notifyhub")
	realtimeServer := realtime.NewServer(hub, authenticator)
	go reapIdleSessionsForever(hub, cfg.Realtime.SessionIdleTimeout)

	log.Info("constructing channel adapters")
	adapters := map[model.Channel]channels.Adapter{
		model.ChannelEmail: channels.NewEmailAdapter(channels.SMTPConfig{
			Host:     providers.SMTP.Host,
			Port:     providers.SMTP.Port,
			Username: providers.SMTP.Username,
			Password: providers.SMTP.Password,
			FromAddr: providers.SMTP.FromAddr,
			FromName: providers.SMTP.FromName,
		}, resolver),
		model.ChannelSMS: channels.NewSMSAdapter(channels.SMSProviderConfig{
			APIURL: providers.SMS.APIURL,
			APIKey: providers.SMS.APIKey,
			From:   providers.SMS.From,
		}),
		model.ChannelPush: channels.NewPushAdapter(channels.PushProviderConfig{
			APIURL: providers.Push.APIURL,
			APIKey: providers.Push.APIKey,
		}, deviceTokenRepo, attemptRepo),
		model.ChannelInApp: channels.NewInAppAdapter(inboxRepo, hub),
	}

	log.Info("starting delivery engine")
	eng := engine.New(jobRepo, attemptRepo, queue, limiter, cfg, adapters, recorder)
	eng.Start(context.Background())

	orch := orchestrator.New(notificationRepo, jobRepo, attemptRepo, resolver, queue, cfg, recorder, renderer)

	log.Info("starting housekeeping sweeps")
	sweeps := []*sweep.Runner{
		sweep.DeviceTokenPurge(deviceTokenRepo, cfg.Sweep.DeviceTokenPurgeInterval, cfg.Sweep.DeviceTokenDormantAfter),
		sweep.InboxExpiry(inboxRepo, cfg.Sweep.InboxExpiryInterval, cfg.Realtime.InboxRetentionDays),
		sweep.JobExpiry(jobRepo, cfg.Sweep.JobExpiryInterval),
	}
	for _, r := range sweeps {
		r.Start()
	}

	log.Info("wiring webhook handlers")
	emailWebhook := webhook.NewHandler(attemptRepo, jobRepo, recorder, resolver, resolveSecret(secretStore, "webhook_secret_email", ""))
	smsWebhook := webhook.NewHandler(attemptRepo, jobRepo, recorder, resolver, resolveSecret(secretStore, "webhook_secret_sms", ""))
	pushWebhook := webhook.NewHandler(attemptRepo, jobRepo, recorder, resolver, resolveSecret(secretStore, "webhook_secret_push", ""))

	statusRepo := store.NewStatusRepo(jobRepo, attemptRepo)

	router := mux.NewRouter()
	router.Handle("/webhooks/email", emailWebhook).Methods(http.MethodPost)
	router.Handle("/webhooks/sms", smsWebhook).Methods(http.MethodPost)
	router.Handle("/webhooks/push", pushWebhook).Methods(http.MethodPost)
	router.HandleFunc("/realtime", realtimeServer.HandleUpgrade)
	router.HandleFunc("/notifications", submitHandler(orch)).Methods(http.MethodPost)
	router.HandleFunc("/notifications/{id}/status", notificationStatusHandler(statusRepo)).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	for _, r := range sweeps {
		r.Stop()
	}
	eng.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown: %v", err)
	}
	log.Info("shutdown complete")
}

// openSecretStore dials Vault when cfg.Vault.Enabled, falling back to
// an in-process store (and therefore to config.ProvidersConfig's
// plaintext defaults) for local development.
func openSecretStore(cfg *config.Config, log *corelog.Logger) secrets.Store {
	if !cfg.Vault.Enabled {
		return secrets.NewMemStore()
	}
	vault, err := secrets.NewVaultStore(cfg.Vault.Address, cfg.Vault.Token, cfg.Vault.Mount)
	if err != nil {
		log.Warn("vault unavailable (%v), falling back to config defaults", err)
		return secrets.NewMemStore()
	}
	return vault
}

// resolveSecret reads key from store, falling back to fallback when
// the key is absent - the path local/dev setups take, where provider
// credentials live directly in config.yaml instead of Vault.
func resolveSecret(s secrets.Store, key, fallback string) string {
	v, err := s.Get(key)
	if err != nil || len(v) == 0 {
		return fallback
	}
	return string(v)
}

// resolveProviders overlays any Vault-resolved credentials onto
// config.ProvidersConfig's defaults.
func resolveProviders(cfg *config.Config, s secrets.Store) config.ProvidersConfig {
	p := cfg.Providers
	p.SMTP.Password = resolveSecret(s, "smtp_password", p.SMTP.Password)
	p.SMTP.Username = resolveSecret(s, "smtp_username", p.SMTP.Username)
	p.SMS.APIKey = resolveSecret(s, "sms_api_key", p.SMS.APIKey)
	p.Push.APIKey = resolveSecret(s, "push_api_key", p.Push.APIKey)
	return p
}

func reapIdleSessionsForever(hub *realtime.Hub, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		hub.ReapIdle()
	}
}

func notificationStatusHandler(statusRepo *store.StatusRepo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		status, err := statusRepo.Get(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if status == nil {
			http.Error(w, "notification not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}
}

// submitHandler is a thin, middleware-free pass-through onto
// orchestrator.Submit: the producer API is transport-agnostic by
// design, so this is the one concrete binding this binary offers it,
// with none of the auth/validation/CORS layers the non-goals exclude.
func submitHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req orchestrator.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}

		id, err := orch.Submit(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"notification_id": id})
	}
}
