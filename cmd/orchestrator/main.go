// Command orchestrator wires the concurrency primitives, worker pool,
// K/V store, message bus, task queue, agent registry and coordinator
// into a running service, driven by a YAML RuntimeConfig.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CLIAIMONITOR/internal/audit"
	"github.com/CLIAIMONITOR/internal/busmirror"
	"github.com/CLIAIMONITOR/internal/bus"
	"github.com/CLIAIMONITOR/internal/concurrency"
	"github.com/CLIAIMONITOR/internal/config"
	"github.com/CLIAIMONITOR/internal/coordinator"
	"github.com/CLIAIMONITOR/internal/domain"
	"github.com/CLIAIMONITOR/internal/kvstore"
	"github.com/CLIAIMONITOR/internal/notify"
	"github.com/CLIAIMONITOR/internal/pool"
	"github.com/CLIAIMONITOR/internal/queue"
	"github.com/CLIAIMONITOR/internal/registry"
	"github.com/CLIAIMONITOR/internal/statusserver"
)

func main() {
	configPath := flag.String("config", "configs/orchestrator.yaml", "Runtime configuration file")
	flag.Parse()

	cfg := config.Default()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("[ORCHESTRATOR] invalid config: %v", err)
		}
		cfg = loaded
	} else {
		log.Printf("[ORCHESTRATOR] no config at %s, using defaults", *configPath)
	}

	poolSize := cfg.PoolSize
	if poolSize == 0 {
		poolSize = concurrency.CPUCount()
	}
	workerPool := pool.Create(poolSize)
	defer workerPool.Free()

	store := kvstore.New(cfg.KVBuckets)
	if cfg.KVStorePath != "" {
		store.SetPersistence(cfg.KVStorePath)
		if !store.Load() {
			log.Printf("[ORCHESTRATOR] Warning: kv store load failed: %s", cfg.KVStorePath)
		}
	}
	defer store.Dispose()

	messageBus := bus.New()
	defer messageBus.Free()

	taskQueue := queue.New()
	defer taskQueue.Shutdown()

	store.SetPool(workerPool)

	reg := registry.New(cfg.MaxConcurrent, workerPool, store, registry.ExecutorFactory{
		Smart:      func() registry.SmartExecutor { return registry.MockSmartExecutor{} },
		Autonomous: func() registry.AutonomousExecutor { return registry.MockAutonomousExecutor{} },
	})

	co := coordinator.New(reg, coordinator.Config{})
	co.SetPool(workerPool)

	if cfg.Audit.Enabled {
		sink, err := audit.Open(cfg.Audit.DBPath)
		if err != nil {
			log.Printf("[ORCHESTRATOR] Warning: audit sink disabled: %v", err)
		} else {
			defer sink.Close()
			co.SetAuditFunc(sink.Func())
			store.SetAuditFunc(func(op, key, holder string) {
				sink.Record(op, map[string]string{"key": key, "holder": holder})
			})
		}
	}

	if cfg.NATS.Enabled {
		mirror, err := busmirror.Start(busmirror.Config{Port: cfg.NATS.Port, JetStream: cfg.NATS.JetStream})
		if err != nil {
			log.Printf("[ORCHESTRATOR] Warning: bus mirror disabled: %v", err)
		} else {
			defer mirror.Shutdown()
			messageBus.SetMirrorFunc(mirror.Func())
		}
	}

	var notifier *notify.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.New(cfg.Notify.AppID)
		reg.SetFailureHook(func(agentName, taskDescription, reason string) {
			if err := notifier.TaskFailed(agentName, taskDescription, reason); err != nil {
				log.Printf("[ORCHESTRATOR] Warning: task-failed notification dropped: %v", err)
			}
		})
		co.SetConflictNotifier(func(resourceID, summary string) {
			if err := notifier.ConflictNeedsAttention(resourceID, summary); err != nil {
				log.Printf("[ORCHESTRATOR] Warning: conflict notification dropped: %v", err)
			}
		})
	}

	for _, seed := range cfg.Agents {
		agent, err := reg.Create(registry.CreateOptions{
			Name:      seed.Name,
			Type:      domain.AgentType(seed.Type),
			AutoStart: seed.AutoStart,
			Config: registry.Config{
				MockMode:   seed.MockMode,
				TimeoutSec: seed.TimeoutSec,
				Model:      seed.Model,
			},
		})
		if err != nil {
			log.Printf("[ORCHESTRATOR] Warning: failed to seed agent %q: %v", seed.Name, err)
			continue
		}
		log.Printf("[ORCHESTRATOR] seeded agent %s (%s)", agent.Name(), agent.Type())
	}

	statusAddr := cfg.StatusAddr
	if statusAddr == "" {
		statusAddr = "127.0.0.1:8099"
	}
	srv := statusserver.New(statusAddr, co)
	co.SetBroadcastFunc(func(kind string, payload interface{}) {
		switch kind {
		case "status":
			srv.Broadcast(statusserver.WSTypeStatus, payload)
		case "conflict":
			srv.Broadcast(statusserver.WSTypeConflict, payload)
		case "aggregate":
			srv.Broadcast(statusserver.WSTypeAggregate, payload)
		}
	})
	go func() {
		if err := srv.Start(); err != nil {
			log.Printf("[ORCHESTRATOR] status server stopped: %v", err)
		}
	}()

	if notifier != nil && !notifier.IsSupported() {
		log.Printf("[ORCHESTRATOR] desktop notifications enabled but unsupported on this platform")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("orchestrator running, press Ctrl+C to stop")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ORCHESTRATOR] status server shutdown error: %v", err)
	}
	log.Println("[ORCHESTRATOR] shutdown complete")
}
