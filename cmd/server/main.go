package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/showjihyun/trellis/internal/api"
	"github.com/showjihyun/trellis/internal/compaction"
	"github.com/showjihyun/trellis/internal/resolve"
	"github.com/showjihyun/trellis/internal/session"
	"github.com/showjihyun/trellis/internal/store"
	"github.com/showjihyun/trellis/internal/ws"
)

func main() {
	dbPath := os.Getenv("TRELLIS_DB_PATH")
	if dbPath == "" {
		dbPath = "./data/trellis.db"
	}

	st, err := store.New(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	cfg := session.DefaultConfig()
	cfg.GracePeriod = envDuration("TRELLIS_GRACE_PERIOD", cfg.GracePeriod)
	cfg.HeartbeatInterval = envDuration("TRELLIS_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.PresenceTimeout = envDuration("TRELLIS_PRESENCE_TIMEOUT", cfg.PresenceTimeout)
	cfg.MaxParticipants = envInt("TRELLIS_MAX_PARTICIPANTS", cfg.MaxParticipants)

	policyName := os.Getenv("TRELLIS_CONFLICT_POLICY")
	policy, err := resolve.ByName(policyName)
	if err != nil {
		log.Fatalf("Bad TRELLIS_CONFLICT_POLICY: %v", err)
	}
	cfg.Policy = policy
	if policyName == "" {
		policyName = "last-write-wins"
	}

	hub := ws.NewHub(st, cfg)

	compactionCfg := compaction.DefaultConfig()
	compactionCfg.Interval = envDuration("TRELLIS_COMPACTION_INTERVAL", compactionCfg.Interval)
	compactor := compaction.New(st, compactionCfg)
	if compactionCfg.Interval > 0 {
		compactor.Start()
	} else {
		log.Println("Compaction disabled")
	}

	apiHandler := api.New(hub, st)

	router := mux.NewRouter()
	router.HandleFunc("/ws/{room}", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(hub, w, r)
	})
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(hub, w, r)
	})
	apiHandler.Routes(router)

	// Apply CORS middleware
	handler := corsMiddleware(router)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		if compactionCfg.Interval > 0 {
			compactor.Stop()
		}
		hub.Shutdown("server shutting down")
		st.Close()
		os.Exit(0)
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("🌿 Trellis server starting on :%s", port)
	log.Printf("📁 Store: %s", dbPath)
	log.Printf("Conflict policy: %s", policyName)
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /ws/{room} or /ws?room={roomId}")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")
	log.Println("  - Rooms:     GET/POST /api/rooms")
	log.Println("  - Room:      GET/DELETE /api/rooms/{id}")

	if err := http.ListenAndServe(":"+port, handler); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("⚠️ Ignoring %s=%q: %v", name, raw, err)
		return fallback
	}
	return d
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("⚠️ Ignoring %s=%q: %v", name, raw, err)
		return fallback
	}
	return n
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
