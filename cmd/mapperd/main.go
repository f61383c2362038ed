// Command mapperd is the mapper process entrypoint: wires the cluster
// registry, job warden, façade, broker adaptor, offline redeliverer, and
// periodic scheduler together, then serves the debug HTTP surface.
//
// Grounded on cmd/server/main.go's boot sequence (construct collaborators,
// dial etcd, bootstrap from a prefix listing, watch for updates, wire an
// HTTP mux, ListenAndServe), restructured around the mapper's own
// collaborators instead of a KV node's ring and store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/akeem/nanite/internal/broker"
	"github.com/akeem/nanite/internal/broker/etcdbroker"
	"github.com/akeem/nanite/internal/broker/memorybroker"
	"github.com/akeem/nanite/internal/cluster"
	"github.com/akeem/nanite/internal/config"
	"github.com/akeem/nanite/internal/envelope"
	"github.com/akeem/nanite/internal/logging"
	"github.com/akeem/nanite/internal/mapper"
	"github.com/akeem/nanite/internal/redeliver"
	"github.com/akeem/nanite/internal/serializer"
	"github.com/akeem/nanite/internal/telemetry"
	"github.com/akeem/nanite/internal/timer"
	"github.com/akeem/nanite/internal/warden"
)

// registryQueueName is the broker queue agents announce themselves on
// (spec §5 "incoming registrations, heartbeats... execute on this loop").
const registryQueueName = "mapper-registry"

// registrationPayload is the JSON body of a mapper-registry envelope.
type registrationPayload struct {
	Services []string `json:"services"`
	Status   float64  `json:"status"`
}

// dispatchRequest is the body accepted by /debug/dispatch, an operator-
// facing surface for manually exercising Request without an embedding
// caller process (also what cmd/mapperbench drives load through).
type dispatchRequest struct {
	Type            string `json:"type"`
	Payload         string `json:"payload"`
	Selector        string `json:"selector,omitempty"`
	Target          string `json:"target,omitempty"`
	OfflineFailsafe bool   `json:"offline_failsafe,omitempty"`
}

func (d dispatchRequest) options() envelope.Options {
	return envelope.Options{
		Selector:        envelope.Selector(d.Selector),
		Target:          d.Target,
		OfflineFailsafe: d.OfflineFailsafe,
	}
}

type dispatchResponse struct {
	Outcome string `json:"outcome"`
	Token   string `json:"token,omitempty"`
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("[Boot] config: %v", err)
	}

	log := logging.New(cfg.LogLevel)
	ser := serializer.New(cfg.Format)

	log.Info("mapperd starting", "identity", cfg.MapperIdentity(), "format", cfg.Format)

	var b broker.Adaptor
	if cfg.Host == "memory" {
		// MAPPER_HOST=memory runs a self-contained single-process mapper
		// against the in-memory broker fake, useful for local smoke-testing
		// without an etcd cluster.
		b = memorybroker.New()
		log.Info("broker: using in-memory adaptor", "reason", "MAPPER_HOST=memory")
	} else {
		endpoint := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		eb, err := etcdbroker.New(etcdbroker.Config{
			Endpoints: []string{endpoint},
			Username:  cfg.User,
			Password:  cfg.Pass,
			Namespace: cfg.VHost,
		}, log)
		if err != nil {
			log.Fatal("broker: dial failed", "endpoint", endpoint, "error", err)
		}
		b = eb
		log.Info("broker: dialed etcd", "endpoint", endpoint)
	}

	reg := cluster.New(b, ser, log)
	w := warden.New(4096, 5*time.Minute, log)
	identity := cfg.MapperIdentity()
	m := mapper.New(cfg.Identity, reg, w, cfg.Persistent, log)
	rd := redeliver.New(b, ser, reg, w, identity, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rd.Start(ctx); err != nil {
		log.Fatal("redeliver: start failed", "error", err)
	}

	if err := b.Subscribe(ctx, registryQueueName, false, func(_ context.Context, _ broker.DeliveryInfo, payload []byte) error {
		env, err := ser.Decode(payload)
		if err != nil {
			log.Error("registry: malformed envelope dropped", "error", err)
			return nil
		}
		var p registrationPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				log.Error("registry: malformed payload dropped", "from", env.From, "error", err)
				return nil
			}
		}
		switch env.Type {
		case "register":
			reg.ObserveRegister(env.From, p.Services, p.Status)
		case "heartbeat":
			reg.ObserveHeartbeat(env.From, p.Status)
		case "unregister":
			reg.ObserveUnregister(env.From)
		default:
			log.Debug("registry: unknown event type dropped", "type", env.Type)
		}
		return nil
	}); err != nil {
		log.Fatal("registry: subscribe failed", "error", err)
	}

	// The mapper's own reply inbox (spec §6: "exclusive queue named
	// <mapper-identity> bound to a fanout exchange of the same name").
	if err := b.DeclareFanout(ctx, identity); err != nil {
		log.Fatal("reply inbox: declare fanout failed", "error", err)
	}
	if err := b.Bind(ctx, identity, identity); err != nil {
		log.Fatal("reply inbox: bind failed", "error", err)
	}
	if err := b.Subscribe(ctx, identity, false, func(_ context.Context, _ broker.DeliveryInfo, payload []byte) error {
		env, err := ser.Decode(payload)
		if err != nil {
			log.Error("reply inbox: malformed envelope dropped", "error", err)
			return nil
		}
		m.HandleReply(env)
		return nil
	}); err != nil {
		log.Fatal("reply inbox: subscribe failed", "error", err)
	}

	sched := timer.New(log)
	sched.Every("agent-reap", cfg.AgentTimeout, func(ctx context.Context) {
		evicted := reg.Reap(time.Now(), cfg.AgentTimeout)
		if len(evicted) > 0 {
			log.Info("reaped stale agents", "identities", evicted)
		}
	})
	sched.Every("offline-redelivery", cfg.OfflineRedeliveryFrequency, func(ctx context.Context) {
		if err := rd.Recover(ctx); err != nil {
			log.Error("offline redelivery recover failed", "error", err)
		}
	})
	if cfg.JobExpiry > 0 {
		sched.Every("job-expiry", cfg.JobExpiry, func(ctx context.Context) {
			expired := w.Expire(time.Now(), cfg.JobExpiry)
			if len(expired) > 0 {
				log.Info("expired stale jobs", "tokens", expired)
			}
		})
	}
	sched.Start(ctx)
	defer sched.Stop()

	telemetry.SetBuildInfo("dev", "unknown")

	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.Handle("/debug/targets", telemetry.Instrument("debug_targets", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reg.Agents())
	})))
	mux.Handle("/debug/dispatch", telemetry.Instrument("debug_dispatch", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		job, outcome, err := m.Request(r.Context(), req.Type, []byte(req.Payload), req.options(), nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp := dispatchResponse{Outcome: string(outcome)}
		if job != nil {
			resp.Token = job.Token
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})))

	addr := ":8080"
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("mapperd listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("http server failed", "error", err)
	}

	_ = b.Close()
	log.Info("mapperd stopped")
}
