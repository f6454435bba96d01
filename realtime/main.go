// tracking-realtime: real-time vehicle telemetry distribution.
//
// Receives high-frequency position updates over NATS (and optionally MQTT),
// coalesces them into periodic batches, enriches each batch from the fleet
// directory, and fans every batch out to exactly the connections subscribed to
// the vehicles it contains. Delivery is best-effort, at-most-once per batch
// window; nothing is persisted.
//
// Subjects:
//   tracking.telemetry             inbound points (core NATS, no persistence)
//   tracking.control.subscribe     {conn_id, subject_id, scope}
//   tracking.control.unsubscribe   {conn_id, subject_id, scope}
//   tracking.control.disconnect    {conn_id}
//   tracking.client.<conn_id>      outbound per-connection batches and acks
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/viper"

	"github.com/transitpulse/services/directory"
	"github.com/transitpulse/services/registry"
	"github.com/transitpulse/services/shared/router"
	"github.com/transitpulse/services/telemetry"
	"github.com/transitpulse/services/tracking"
)

// ──────────────────────────────────────────────────────────────────────────────
// Configuration
// ──────────────────────────────────────────────────────────────────────────────

type config struct {
	NATSUrl  string
	HTTPAddr string

	// MQTTBroker enables the MQTT ingest bridge when non-empty.
	MQTTBroker string
	MQTTTopic  string

	// DirectorySource picks the upstream: "http" (fleet API) or "postgres"
	// (direct fleet-database reads).
	DirectorySource string
	FleetAPIURL     string
	FleetAPIToken   string
	FleetDBURL      string

	FlushInterval   time.Duration
	RefreshInterval time.Duration
}

func loadConfig() config {
	v := viper.New()
	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("http_addr", ":8086")
	v.SetDefault("mqtt_broker", "")
	v.SetDefault("mqtt_topic", "fleet/+/telemetry")
	v.SetDefault("directory_source", "http")
	v.SetDefault("fleet_api_url", "http://localhost:8080")
	v.SetDefault("fleet_api_token", "")
	v.SetDefault("fleet_db_url", "postgresql://root@localhost:26257/transitpulse?sslmode=disable")
	v.SetDefault("flush_interval", "1s")
	v.SetDefault("refresh_interval", "6h")

	// Optional tracking.yaml alongside the binary; environment always wins.
	v.SetConfigName("tracking")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("ignoring unreadable config file", "err", err)
		}
	}
	v.AutomaticEnv()

	return config{
		NATSUrl:         v.GetString("nats_url"),
		HTTPAddr:        v.GetString("http_addr"),
		MQTTBroker:      v.GetString("mqtt_broker"),
		MQTTTopic:       v.GetString("mqtt_topic"),
		DirectorySource: v.GetString("directory_source"),
		FleetAPIURL:     v.GetString("fleet_api_url"),
		FleetAPIToken:   v.GetString("fleet_api_token"),
		FleetDBURL:      v.GetString("fleet_db_url"),
		FlushInterval:   v.GetDuration("flush_interval"),
		RefreshInterval: v.GetDuration("refresh_interval"),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Wire types
// ──────────────────────────────────────────────────────────────────────────────

// clientBatch is the per-connection fan-out message: the subset of one batch's
// points that connection is entitled to see.
type clientBatch struct {
	Type      string            `json:"type"` // "telemetry_batch"
	BatchID   string            `json:"batch_id"`
	Timestamp int64             `json:"timestamp"`
	Points    []telemetry.Point `json:"points"`
	Count     int               `json:"count"`
}

// controlRequest is the payload of subscribe/unsubscribe/disconnect messages.
type controlRequest struct {
	ConnID    string `json:"conn_id"`
	SubjectID string `json:"subject_id"`
	Scope     string `json:"scope"` // "vehicle" (default) | "route"
}

// controlAck confirms a subscription change back to the connection.
type controlAck struct {
	Type      string `json:"type"` // "subscription_confirmed" | "subscription_removed"
	Scope     string `json:"scope"`
	SubjectID string `json:"subject_id"`
}

func clientSubject(connID string) string {
	return "tracking.client." + connID
}

// ──────────────────────────────────────────────────────────────────────────────
// Main
// ──────────────────────────────────────────────────────────────────────────────

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := loadConfig()
	slog.Info("starting tracking-realtime",
		"nats", cfg.NATSUrl,
		"directory_source", cfg.DirectorySource,
		"flush_interval", cfg.FlushInterval,
		"mqtt", cfg.MQTTBroker != "",
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	nr, err := router.NewNATSRouter(cfg.NATSUrl, "tracking-realtime")
	if err != nil {
		slog.Error("NATS connect", "err", err)
		os.Exit(1)
	}
	defer nr.Close()
	slog.Info("NATS connected")

	if err := nr.EnsureStream(ctx, "tracking", []string{"tracking.control.>"}); err != nil {
		slog.Error("ensure tracking stream", "err", err)
		os.Exit(1)
	}

	source, cleanup, err := newDirectorySource(cfg)
	if err != nil {
		slog.Error("directory source init", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	cache := directory.NewCache(directory.Config{
		Source:          source,
		RefreshInterval: cfg.RefreshInterval,
	})
	cache.RefreshAll(ctx)
	cache.Start(ctx)
	slog.Info("directory cache primed", "stats", cache.Stats())

	vehicleReg := registry.New()
	routeReg := registry.New()
	agg := telemetry.NewAggregator(cfg.FlushInterval, slog.Default())

	orch := tracking.New(tracking.Config{
		Aggregator: agg,
		Enricher:   cache,
		Vehicles:   vehicleReg,
		Routes:     routeReg,
		OnBatch:    batchPublisher(ctx, nr, vehicleReg),
	})
	orch.Start()
	agg.Start()

	telemetryCh, err := nr.Subscribe(ctx, "tracking.telemetry")
	if err != nil {
		slog.Error("subscribe telemetry", "err", err)
		os.Exit(1)
	}
	go consumeTelemetry(telemetryCh, orch)

	controlCh, err := nr.Subscribe(ctx, "tracking.control.>", router.SubOptions{Durable: "tracking-control"})
	if err != nil {
		slog.Error("subscribe control", "err", err)
		os.Exit(1)
	}
	go handleControl(ctx, controlCh, nr, orch)

	var mqttClient mqtt.Client
	if cfg.MQTTBroker != "" {
		mqttClient, err = startMQTTBridge(cfg, orch)
		if err != nil {
			slog.Error("MQTT bridge init", "err", err)
			os.Exit(1)
		}
		slog.Info("MQTT ingest bridge ready", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}

	httpServer := newAdminServer(cfg.HTTPAddr, orch, agg, cache)
	go func() {
		slog.Info("admin endpoint ready", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin serve", "err", err)
		}
	}()

	slog.Info("tracking-realtime ready")
	<-ctx.Done()

	slog.Info("shutting down tracking-realtime")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	httpServer.Shutdown(shutCtx)
	if mqttClient != nil {
		mqttClient.Disconnect(250)
	}
	// Push out whatever is buffered before the timers stop.
	agg.DrainAllPending()
	agg.Stop()
	cache.Shutdown()
}

func newDirectorySource(cfg config) (directory.Source, func(), error) {
	switch cfg.DirectorySource {
	case "postgres":
		pg, err := directory.NewPGSource(cfg.FleetDBURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	case "http":
		return directory.NewHTTPSource(cfg.FleetAPIURL, cfg.FleetAPIToken), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown directory_source %q", cfg.DirectorySource)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Inbound telemetry
// ──────────────────────────────────────────────────────────────────────────────

func consumeTelemetry(ch <-chan *router.Message, orch *tracking.Orchestrator) {
	var processed uint64
	for msg := range ch {
		var p telemetry.Point
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			slog.Warn("undecodable telemetry message", "err", err, "subject", msg.Subject)
			continue
		}
		orch.ReceiveTelemetry(p)
		processed++

		if processed%10000 == 0 {
			slog.Info("telemetry progress", "processed", processed)
		}
	}
	slog.Info("telemetry channel closed", "total_processed", processed)
}

// startMQTTBridge subscribes to the vehicle telemetry topic and feeds decoded
// points into the orchestrator. Used for fleets whose on-board units speak
// MQTT rather than NATS.
func startMQTTBridge(cfg config, orch *tracking.Orchestrator) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + cfg.MQTTBroker)
	opts.SetClientID(fmt.Sprintf("tracking-realtime-%d", time.Now().Unix()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		slog.Info("MQTT connected")
		token := client.Subscribe(cfg.MQTTTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			var p telemetry.Point
			if err := json.Unmarshal(msg.Payload(), &p); err != nil {
				slog.Warn("undecodable MQTT telemetry", "err", err, "topic", msg.Topic())
				return
			}
			orch.ReceiveTelemetry(p)
		})
		token.Wait()
		if token.Error() != nil {
			slog.Error("MQTT subscribe", "err", token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("MQTT connection lost", "err", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.MQTTBroker, token.Error())
	}
	return client, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Batch fan-out
// ──────────────────────────────────────────────────────────────────────────────

// batchPublisher returns the batch-ready callback: one message per interested
// connection, each carrying only that connection's subset of points. A failed
// publish is logged and skipped — one dead connection never blocks the rest.
func batchPublisher(ctx context.Context, nr router.MessageRouter, vehicles *registry.Registry) tracking.BatchReadyFunc {
	return func(b telemetry.Batch) {
		subsets := tracking.FanOut(b, vehicles)
		for connID, points := range subsets {
			payload, err := json.Marshal(clientBatch{
				Type:      "telemetry_batch",
				BatchID:   b.ID,
				Timestamp: b.EmittedAt,
				Points:    points,
				Count:     len(points),
			})
			if err != nil {
				slog.Error("marshal client batch", "err", err, "conn_id", connID)
				continue
			}
			if err := nr.Publish(ctx, clientSubject(connID), payload); err != nil {
				slog.Error("client batch publish failed", "err", err, "conn_id", connID)
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Control plane
// ──────────────────────────────────────────────────────────────────────────────

func handleControl(ctx context.Context, ch <-chan *router.Message, nr router.MessageRouter, orch *tracking.Orchestrator) {
	for msg := range ch {
		var req controlRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			slog.Warn("undecodable control message", "err", err, "subject", msg.Subject)
			continue
		}
		if req.ConnID == "" {
			slog.Warn("control message without conn_id", "subject", msg.Subject)
			continue
		}

		switch {
		case strings.HasSuffix(msg.Subject, ".subscribe"):
			handleSubscribe(ctx, nr, orch, req, true)
		case strings.HasSuffix(msg.Subject, ".unsubscribe"):
			handleSubscribe(ctx, nr, orch, req, false)
		case strings.HasSuffix(msg.Subject, ".disconnect"):
			orch.RemoveClient(req.ConnID)
		default:
			slog.Warn("unknown control subject", "subject", msg.Subject)
		}
	}
	slog.Info("control channel closed")
}

func handleSubscribe(ctx context.Context, nr router.MessageRouter, orch *tracking.Orchestrator, req controlRequest, subscribe bool) {
	if req.SubjectID == "" {
		slog.Warn("subscription request without subject_id", "conn_id", req.ConnID)
		return
	}
	scope := req.Scope
	if scope == "" {
		scope = "vehicle"
	}

	ackType := "subscription_removed"
	switch {
	case subscribe && scope == "route":
		orch.SubscribeRoute(req.SubjectID, req.ConnID)
		ackType = "subscription_confirmed"
	case subscribe:
		orch.SubscribeVehicle(req.SubjectID, req.ConnID)
		ackType = "subscription_confirmed"
	case scope == "route":
		orch.UnsubscribeRoute(req.SubjectID, req.ConnID)
	default:
		orch.UnsubscribeVehicle(req.SubjectID, req.ConnID)
	}

	payload, _ := json.Marshal(controlAck{Type: ackType, Scope: scope, SubjectID: req.SubjectID})
	if err := nr.Publish(ctx, clientSubject(req.ConnID), payload); err != nil {
		slog.Warn("subscription ack publish failed", "err", err, "conn_id", req.ConnID)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Admin HTTP surface
// ──────────────────────────────────────────────────────────────────────────────

func newAdminServer(addr string, orch *tracking.Orchestrator, agg *telemetry.Aggregator, cache *directory.Cache) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"pipeline":  orch.Stats(),
			"directory": cache.Stats(),
		})
	})

	// Runtime flush-interval tuning. An out-of-range value is silently
	// ignored; the response always reports the effective interval.
	mux.HandleFunc("/v1/batch-interval", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
		case http.MethodPut, http.MethodPost:
			var body struct {
				IntervalMs int64 `json:"interval_ms"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}
			agg.SetInterval(time.Duration(body.IntervalMs) * time.Millisecond)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"interval_ms": agg.Interval().Milliseconds(),
		})
	})

	return &http.Server{Addr: addr, Handler: mux}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write JSON response", "err", err)
	}
}
