package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serverPort int
	upgrader   = websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool {
			return true // Allow all origins for local development
		},
	}

	// Status streaming clients
	clients   = make(map[*websocket.Conn]*clientWrapper)
	clientsMu sync.RWMutex
	broadcast = make(chan interface{}, 100)

	// Log streaming clients
	logClients   = make(map[*websocket.Conn]*clientWrapper)
	logClientsMu sync.RWMutex
	logBroadcast = make(chan LogMessage, 1000)

	// Ensure background goroutines are started only once
	startOnce sync.Once
	// set once logBroadcast has a reader
	viewerStarted atomic.Bool
)

// clientWrapper wraps a websocket connection with a write mutex to ensure thread-safe writes
type clientWrapper struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// writeJSON safely writes JSON to the websocket connection with mutex protection
func (cw *clientWrapper) writeJSON(v interface{}) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.conn.WriteJSON(v)
}

var viewerCmd = &cobra.Command{
	Use:   "viewer",
	Short: "Start a web server to watch running exports",
	Long:  `Starts a local web server showing the status of running exports, their live logs, and Prometheus metrics.`,
	RunE:  runViewer,
}

func init() {
	rootCmd.AddCommand(viewerCmd)
	viewerCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "Port to run the web server on")
}

// JobStatus is one task file plus whether its lease holder is alive
type JobStatus struct {
	Running bool      `json:"running"`
	PID     int       `json:"pid,omitempty"`
	Task    *TaskInfo `json:"task"`
}

type StatusResponse struct {
	Version   string      `json:"version"`
	Jobs      []JobStatus `json:"jobs"`
	Timestamp time.Time   `json:"timestamp"`
}

// WebSocket message types
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type LogMessage struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// newViewerMux wires the viewer's routes
func newViewerMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", serveViewerPage)
	mux.HandleFunc("/api/status", serveStatusData)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", handleWebSocket)
	mux.HandleFunc("/ws/logs", handleLogsWebSocket)
	return mux
}

// startBackgroundServices ensures broadcast managers and the task monitor are started only once
func startBackgroundServices() {
	startOnce.Do(func() {
		go broadcastManager()
		go logBroadcastManager()
		go taskMonitor()
		viewerStarted.Store(true)
	})
}

// startViewer serves the viewer in the background until ctx is done
func startViewer(ctx context.Context, port int) *http.Server {
	startBackgroundServices()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           newViewerMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(fmt.Sprintf("❌ Viewer server failed: %v", err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info(fmt.Sprintf("🌐 Viewer running on http://localhost:%d", port))
	return server
}

func runViewer(_ *cobra.Command, _ []string) error {
	if logger == nil {
		initLogger(viper.GetBool("debug"), viper.GetString("log_format"))
	}

	ctx := signalContext
	if ctx == nil {
		ctx = context.Background()
	}

	startBackgroundServices()

	addr := fmt.Sprintf(":%d", serverPort)
	logger.Info("")
	logger.Info("🚀 Data Exporter Viewer")
	logger.Info(fmt.Sprintf("📊 Starting web server on http://localhost%s", addr))
	logger.Info("⌨️  Press Ctrl+C to stop the server")

	server := &http.Server{
		Addr:              addr,
		Handler:           newViewerMux(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func serveViewerPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(viewerHTML))
}

func serveStatusData(w http.ResponseWriter, _ *http.Request) {
	// Enable CORS for local development
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(buildStatus())
}

// buildStatus collects every task file and checks its lease holder
func buildStatus() StatusResponse {
	response := StatusResponse{
		Version:   Version,
		Jobs:      []JobStatus{},
		Timestamp: time.Now(),
	}

	infos, err := ListTaskInfos()
	if err != nil {
		return response
	}
	for _, info := range infos {
		status := JobStatus{Task: info, PID: info.PID}
		if pid, err := ReadPIDFile(info.JobID); err == nil {
			status.PID = pid
		}
		status.Running = status.PID > 0 && IsProcessRunning(status.PID)
		response.Jobs = append(response.Jobs, status)
	}
	return response
}

// handleWebSocket streams status snapshots
func handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	wrapper := &clientWrapper{conn: conn}
	clientsMu.Lock()
	clients[conn] = wrapper
	clientsMu.Unlock()

	_ = wrapper.writeJSON(WSMessage{Type: "status", Data: buildStatus()})

	defer func() {
		clientsMu.Lock()
		delete(clients, conn)
		clientsMu.Unlock()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// handleLogsWebSocket handles WebSocket connections for log streaming
func handleLogsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Logs WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	logClientsMu.Lock()
	logClients[conn] = &clientWrapper{conn: conn}
	logClientsMu.Unlock()

	defer func() {
		logClientsMu.Lock()
		delete(logClients, conn)
		logClientsMu.Unlock()
	}()

	// Keep connection alive
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Logs WebSocket error: %v", err)
			}
			break
		}
	}
}

// fanOut writes msg to every client, dropping the ones that fail
func fanOut(mu *sync.RWMutex, set map[*websocket.Conn]*clientWrapper, msg interface{}) {
	mu.RLock()
	var failedClients []*websocket.Conn
	for conn, wrapper := range set {
		if err := wrapper.writeJSON(msg); err != nil {
			failedClients = append(failedClients, conn)
		}
	}
	mu.RUnlock()

	if len(failedClients) == 0 {
		return
	}
	mu.Lock()
	for _, conn := range failedClients {
		if wrapper, exists := set[conn]; exists {
			wrapper.conn.Close()
			delete(set, conn)
		}
	}
	mu.Unlock()
}

// broadcastManager sends status messages to all connected clients
func broadcastManager() {
	for msg := range broadcast {
		fanOut(&clientsMu, clients, msg)
	}
}

// logBroadcastManager sends log messages to all connected log clients
func logBroadcastManager() {
	for msg := range logBroadcast {
		fanOut(&logClientsMu, logClients, msg)
	}
}

func broadcastStatusUpdate() {
	select {
	case broadcast <- WSMessage{Type: "status", Data: buildStatus()}:
	default:
	}
}

// taskMonitor pushes a status snapshot whenever a task file changes, with a
// periodic refresh to catch missed events and dead lease holders
func taskMonitor() {
	taskDir := filepath.Join(stateDir(), "tasks")
	_ = os.MkdirAll(taskDir, 0o755)

	refreshTicker := time.NewTicker(2 * time.Second)
	defer refreshTicker.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("Failed to create file watcher, falling back to polling: %v", err)
		for range refreshTicker.C {
			broadcastStatusUpdate()
		}
		return
	}
	defer watcher.Close()

	if err := watcher.Add(taskDir); err != nil {
		log.Printf("Failed to watch task directory: %v", err)
	}

	var debounceTimer *time.Timer
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if isTaskEvent(event) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(200*time.Millisecond, broadcastStatusUpdate)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("File watcher error: %v", err)
		case <-refreshTicker.C:
			broadcastStatusUpdate()
		}
	}
}

// isTaskEvent matches writes, atomic renames and removals of task files
func isTaskEvent(event fsnotify.Event) bool {
	if !strings.HasSuffix(event.Name, ".json") {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
}
