package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/valyala/fasthttp"

	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/processor"
	"github.com/driftlabs/metricsd/internal/puller"
	"github.com/driftlabs/metricsd/internal/report"
	"github.com/driftlabs/metricsd/internal/restricted"
	"github.com/driftlabs/metricsd/internal/server"
	"github.com/driftlabs/metricsd/internal/state"
	"github.com/driftlabs/metricsd/internal/stats"
	"github.com/driftlabs/metricsd/internal/storage"
	"github.com/driftlabs/metricsd/internal/trigger"
	"github.com/driftlabs/metricsd/internal/uidmap"
)

// openPermissions grants every permission; the host process supplies a
// real checker when it embeds the engine.
type openPermissions struct{}

func (openPermissions) HasPermission(permission string, pid, uid int32) bool {
	return true
}

func main() {
	configPath := flag.String("config", "", "path to daemon config file")
	flag.Parse()

	v := viper.New()
	v.SetConfigName("metricsd")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/metricsd")
	v.AddConfigPath(".")
	if *configPath != "" {
		v.SetConfigFile(*configPath)
	}
	v.SetEnvPrefix("METRICSD")
	v.AutomaticEnv()

	v.SetDefault("ingest_addr", ":8125")
	v.SetDefault("admin_addr", ":8126")
	v.SetDefault("data_dir", "/var/lib/metricsd")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)
	v.SetDefault("self_uid", 1066)
	v.SetDefault("puller_cache_ttl", "1s")
	v.SetDefault("pull_alarm_interval", "60s")
	v.SetDefault("restricted.enabled", false)
	v.SetDefault("restricted.max_connections", 8)
	v.SetDefault("restricted.max_idle_conns", 4)
	v.SetDefault("restricted.conn_max_life", "5m")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("Failed to read config: %v", err)
		}
	}

	if v.GetBool("log_json") {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(v.GetString("log_level")); err == nil {
		log.SetLevel(level)
	}

	store, err := storage.NewManager(v.GetString("data_dir"))
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	recorder := stats.NewRecorder()
	uidMap := uidmap.New()
	stateMgr := state.NewManager()
	pullers := puller.NewManager(v.GetDuration("puller_cache_ttl").Nanoseconds())

	var restrictedStore processor.RestrictedStore
	if v.GetBool("restricted.enabled") {
		s, err := restricted.Open(restricted.Config{
			DSN:            v.GetString("restricted.dsn"),
			MaxConnections: v.GetInt("restricted.max_connections"),
			MaxIdleConns:   v.GetInt("restricted.max_idle_conns"),
			ConnMaxLife:    v.GetDuration("restricted.conn_max_life"),
		})
		if err != nil {
			log.Fatalf("Failed to open restricted store: %v", err)
		}
		defer s.Close()
		restrictedStore = s
	}

	proc := processor.New(processor.Options{
		UidMap:       uidMap,
		Pullers:      pullers,
		StateManager: stateMgr,
		Recorder:     recorder,
		Storage:      store,
		Restricted:   restrictedStore,
		Permissions:  openPermissions{},
		SelfUid:      int32(v.GetInt("self_uid")),
		Callbacks: processor.Callbacks{
			SendBroadcast: func(key config.Key) bool {
				log.Infof("Data ready for %s", key)
				return true
			},
			SendActivationBroadcast: func(uid int32, activeConfigIDs []int64) bool {
				log.Infof("Active configs changed for uid %d: %v", uid, activeConfigIDs)
				return true
			},
			SendRestrictedMetricsBroadcast: func(key config.Key, delegatePkg string, metricIDs []int64) {
				log.Infof("Restricted metrics for %s delegated to %s: %v", key, delegatePkg, metricIDs)
			},
		},
	})

	// Restore state persisted by the previous run.
	proc.LoadActiveConfigsFromDisk()
	proc.LoadMetadataFromDisk(time.Now().UnixNano(), proc.ClockElapsedNs())

	ingest := server.NewIngestHandler(proc)
	ingestSrv := &fasthttp.Server{
		Handler:            ingest.Handle,
		Name:               "metricsd-ingest",
		MaxRequestBodySize: 4 * 1024 * 1024,
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
	}
	go func() {
		log.Infof("Ingest listening on %s", v.GetString("ingest_addr"))
		if err := ingestSrv.ListenAndServe(v.GetString("ingest_addr")); err != nil {
			log.Fatalf("Ingest server failed: %v", err)
		}
	}()

	admin := server.NewAdminServer(proc, recorder)
	adminSrv := &http.Server{
		Addr:         v.GetString("admin_addr"),
		Handler:      admin.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		log.Infof("Admin API listening on %s", v.GetString("admin_addr"))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Admin server failed: %v", err)
		}
	}()

	// Pull alarm cadence for pulled gauges and values.
	pullTicker := time.NewTicker(v.GetDuration("pull_alarm_interval"))
	defer pullTicker.Stop()
	go func() {
		for range pullTicker.C {
			proc.InformPullAlarmFired(proc.ClockElapsedNs())
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down, persisting state")

	// Persist once both listeners have drained, without blocking either.
	done := make(chan struct{})
	persist := trigger.NewMultiCondition([]string{"ingest", "admin"}, func() {
		proc.WriteDataToDisk(report.ReasonTerminate)
		proc.SaveActiveConfigsToDisk(proc.ClockElapsedNs())
		proc.SaveMetadataToDisk(time.Now().UnixNano(), proc.ClockElapsedNs())
		close(done)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		ingestSrv.Shutdown()
		persist.MarkComplete("ingest")
	}()
	go func() {
		adminSrv.Shutdown(ctx)
		persist.MarkComplete("admin")
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("Timed out waiting for listeners; persisting anyway")
		proc.WriteDataToDisk(report.ReasonTerminate)
		proc.SaveActiveConfigsToDisk(proc.ClockElapsedNs())
		proc.SaveMetadataToDisk(time.Now().UnixNano(), proc.ClockElapsedNs())
	}
}
