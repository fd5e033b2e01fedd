package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aegisapp/aegis/server/cron"
	"github.com/aegisapp/aegis/server/logger"
	"github.com/aegisapp/aegis/server/models"
	"github.com/aegisapp/aegis/server/notifier"
	"github.com/aegisapp/aegis/server/resilience"
	"github.com/aegisapp/aegis/server/sos"
	"github.com/aegisapp/aegis/server/twilio"
	"github.com/aegisapp/aegis/shared"
	"github.com/aegisapp/aegis/utils"
	"github.com/go-co-op/gocron"
	"github.com/go-playground/validator"
	"github.com/gorilla/mux"
	"github.com/spf13/viper"
)

var (
	logg     = logger.NewLogger()
	validate = validator.New()
)

// Env bundles the wired-up core handed to the HTTP handlers.
type Env struct {
	Service *sos.Service
	Monitor *resilience.NetworkMonitor
	Queue   *resilience.OfflineQueue
	Config  shared.ServerConfig

	// SessionConfig carries the countdown/sampling knobs for device
	// sessions built around this server's Service.
	SessionConfig sos.SessionConfig
}

func Start(config *viper.Viper, devMode bool) {
	serverConfig := parseServerConfig(config)
	fatalOnError(RegisterValidators(validate))

	rootDir := configDirectory(devMode)
	fatalOnError(models.AutoMigrate(serverConfig.Sqlite.PassPhrase, rootDir))

	env := buildEnv(serverConfig, devMode)

	scheduler := cron.NewCronScheduler(serverConfig.Aegis.Cron.TimeZone)
	scheduleJobs(scheduler, serverConfig, rootDir)
	scheduler.StartAsync()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%v", serverConfig.Aegis.Listener.Port),
		Handler: NewRouter(env),
	}
	go serve(srv)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	<-signalChan

	cleanup(env, scheduler, srv)
}

// buildEnv wires the resilience layer, the notifier and the sos service
// together. Connectivity starts online; whoever watches the transport
// flips env.Monitor.
func buildEnv(serverConfig shared.ServerConfig, devMode bool) *Env {
	monitor := resilience.NewNetworkMonitor(true)
	queue := resilience.NewOfflineQueue(monitor, logg)
	exec := resilience.NewExecutor(monitor.Online, queue, logg)
	queue.Start(exec)

	// No real carrier traffic without credentials or in dev mode
	testMode := devMode || serverConfig.Twilio.AccountSid == ""
	smsClient := twilio.NewClient(serverConfig.Twilio, logg, testMode)

	window := time.Duration(serverConfig.Aegis.Sos.NotificationWindowSeconds) * time.Second
	dispatcher := notifier.NewDispatcher(smsClient, notifier.PersistedAttemptLog{}, logg, window)

	sessionConfig := sos.DefaultSessionConfig()
	if seconds := serverConfig.Aegis.Sos.CountdownSeconds; seconds > 0 {
		sessionConfig.CountdownTicks = seconds
	}
	if seconds := serverConfig.Aegis.Sos.LocationIntervalSeconds; seconds > 0 {
		sessionConfig.SampleInterval = time.Duration(seconds) * time.Second
	}

	return &Env{
		Service:       sos.NewService(exec, dispatcher, logg),
		Monitor:       monitor,
		Queue:         queue,
		Config:        serverConfig,
		SessionConfig: sessionConfig,
	}
}

func NewRouter(env *Env) *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware, jsonContentTypeMiddleware)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/health", env.healthCheck).Methods("GET")

	v1.HandleFunc("/users", env.createUser).Methods("POST")
	v1.HandleFunc("/users/{uid}", env.findUser).Methods("GET")
	v1.HandleFunc("/users/{uid}", env.updateUser).Methods("PUT")
	v1.HandleFunc("/users/{uid}", env.deleteUser).Methods("DELETE")

	v1.HandleFunc("/users/{uid}/contacts", env.fetchContacts).Methods("GET")
	v1.HandleFunc("/users/{uid}/contacts", env.createContact).Methods("POST")
	v1.HandleFunc("/users/{uid}/contacts/{id}", env.updateContact).Methods("PUT")
	v1.HandleFunc("/users/{uid}/contacts/{id}", env.deleteContact).Methods("DELETE")

	v1.HandleFunc("/users/{uid}/sos/activate", env.sosActivate).Methods("POST")
	v1.HandleFunc("/users/{uid}/sos/location", env.sosUpdateLocation).Methods("POST")
	v1.HandleFunc("/users/{uid}/sos/cancel", env.sosCancel).Methods("POST")

	return router
}

// ---------------------------------------------------------------------------------//
// Server helper functions
// --------------------------------------------------------------------------------//

func parseServerConfig(config *viper.Viper) shared.ServerConfig {
	serverConfig := shared.ServerConfig{}
	fatalOnError(config.Unmarshal(&serverConfig))

	if err := validate.Struct(serverConfig); err != nil {
		logg.Fatalf("invalid server config: %v", err)
	}

	return serverConfig
}

func serve(server *http.Server) {
	logg.Infof("Aegis server is listening on port%v", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Fatal(err)
	}
}

func cleanup(env *Env, scheduler *gocron.Scheduler, server *http.Server) {
	scheduler.Stop()
	env.Queue.Stop()

	ctxShutDown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutDown); err != nil {
		logg.Fatalf("Aegis server shutdown failed: %+v", err)
	}

	logg.Infof("Aegis server stopped properly")
}

// configDirectory retrieves the directory that holds the server's data,
// or exits when it can't be created.
func configDirectory(devMode bool) string {
	configFolderName := "aegis"
	rootDir, err := os.UserHomeDir()
	fatalOnError(err)

	// Use 'dev' folder in current directory for dev mode
	if devMode {
		configFolderName = "dev"
		rootDir, err = os.Getwd()
		fatalOnError(err)
	}

	configDir := filepath.Join(rootDir, configFolderName)

	err = utils.CreateDirIfNotExist(configDir)
	fatalOnError(err)

	return configDir
}

func fatalOnError(err error) {
	if err != nil {
		logg.Fatal(err)
	}
}
