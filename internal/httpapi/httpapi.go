// Package httpapi is the thin HTTP front door spec.md §6 describes:
// multipart sample submission, task/result polling, health, and the
// Prometheus scrape endpoint SPEC_FULL.md §6 adds. It never holds
// business logic itself — every handler is a direct translation of an
// HTTP request into a call against the Orchestrator, Store, or Pool.
package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nullsector/detonator/internal/ids"
	"github.com/nullsector/detonator/internal/metrics"
	"github.com/nullsector/detonator/internal/model"
	"github.com/nullsector/detonator/internal/orchestrator"
)

// Orchestrator is the subset of orchestrator.Orchestrator the API drives.
type Orchestrator interface {
	Submit(task model.Task) (string, error)
	QueueDepth() int
}

// Store is the subset of store.Store the API reads.
type Store interface {
	Get(taskID string) (model.Task, error)
}

// Pool is the subset of vmpool.Pool the health/metrics endpoints read.
type Pool interface {
	Snapshot() []PoolHealth
}

// PoolHealth mirrors vmpool.Health; declared locally so this package
// doesn't import vmpool just for a struct shape.
type PoolHealth struct {
	VMName         string
	Leased         bool
	NeedsAttention bool
	Reason         string
}

// Config bundles the API's own tuning knobs, sourced from config.Server.
type Config struct {
	APIKey      string
	UploadDir   string
	MaxFileSize int64
	AllVMs      []model.VMSpec
}

// Handler wires the HTTP surface to the core components. Construct one
// per process and hand its ServeMux-returning Routes() to http.Server.
type Handler struct {
	Orchestrator Orchestrator
	Store        Store
	Pool         Pool
	Metrics      *metrics.Metrics
	Config       Config
	Log          *slog.Logger

	now func() time.Time
}

func New(orch Orchestrator, st Store, pool Pool, m *metrics.Metrics, cfg Config, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Orchestrator: orch,
		Store:        st,
		Pool:         pool,
		Metrics:      m,
		Config:       cfg,
		Log:          log,
		now:          time.Now,
	}
}

// Routes builds the ServeMux spec.md §6 and SPEC_FULL.md §6 describe.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/analyze", h.requireAPIKey(h.handleAnalyze))
	mux.HandleFunc("GET /api/task/{taskId}", h.requireAPIKey(h.handleTask))
	mux.HandleFunc("GET /api/result/{taskId}", h.requireAPIKey(h.handleResult))
	mux.HandleFunc("GET /api/health", h.handleHealth)
	if h.Metrics != nil {
		mux.Handle("GET /api/metrics", h.Metrics.Handler())
	}
	return mux
}

// requireAPIKey enforces the X-API-Key header spec.md §6 requires,
// unless Config.APIKey is empty (local/dev deployments with no key
// configured accept every request).
func (h *Handler) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Config.APIKey != "" && r.Header.Get("X-API-Key") != h.Config.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing X-API-Key")
			return
		}
		next(w, r)
	}
}

// analyzeResponse is the immediate response to a submission, per
// spec.md §6: `{taskId, status: "pending"}`.
type analyzeResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.Config.MaxFileSize + (1 << 20)); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	if header.Size > h.Config.MaxFileSize {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds server.max_file_size")
		return
	}

	filename := r.FormValue("filename")
	if filename == "" {
		filename = header.Filename
	}

	sample, err := h.persistSample(file, filename)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store sample: "+err.Error())
		return
	}

	vms, err := h.resolveVMs(r.FormValue("vm_names"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeoutSeconds := 0
	if raw := r.FormValue("timeout"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeoutSeconds = n
	}

	taskID, err := h.Orchestrator.Submit(model.Task{
		TaskID:         ids.NewTaskID(),
		Sample:         sample,
		RequestedVMs:   vms,
		TimeoutSeconds: timeoutSeconds,
		CreatedAt:      h.now(),
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoVMsRequested) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// A full queue (orchestrator.ErrQueueFull) still produces a
		// taskId; the task is visible in the Store as Failed rather
		// than silently rejected.
		writeJSON(w, http.StatusServiceUnavailable, analyzeResponse{TaskID: taskID, Status: string(model.StatusFailed)})
		return
	}

	writeJSON(w, http.StatusAccepted, analyzeResponse{TaskID: taskID, Status: string(model.StatusPending)})
}

// persistSample writes the uploaded content under Config.UploadDir and
// returns the Sample record, hashing the content as it streams to disk
// so large samples are never buffered twice in memory.
func (h *Handler) persistSample(file io.Reader, filename string) (model.Sample, error) {
	sampleID := ids.NewSampleID()
	destPath := filepath.Join(h.Config.UploadDir, sampleID+"-"+filepath.Base(filename))

	if err := os.MkdirAll(h.Config.UploadDir, 0750); err != nil {
		return model.Sample{}, err
	}
	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return model.Sample{}, err
	}
	defer dst.Close()

	hasher := sha256.New()
	size, err := io.Copy(dst, io.TeeReader(file, hasher))
	if err != nil {
		return model.Sample{}, err
	}

	return model.Sample{
		SampleID:   sampleID,
		Name:       filename,
		Path:       destPath,
		HashHex:    hex.EncodeToString(hasher.Sum(nil)),
		SizeBytes:  size,
		ReceivedAt: h.now(),
	}, nil
}

// resolveVMs honors the optional vm_names override; an empty override
// runs against every configured VM.
func (h *Handler) resolveVMs(override string) ([]model.VMSpec, error) {
	if override == "" {
		return h.Config.AllVMs, nil
	}
	names := strings.Split(override, ",")
	byName := make(map[string]model.VMSpec, len(h.Config.AllVMs))
	for _, vm := range h.Config.AllVMs {
		byName[vm.VMName] = vm
	}
	out := make([]model.VMSpec, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		vm, ok := byName[n]
		if !ok {
			return nil, errUnknownVM(n)
		}
		out = append(out, vm)
	}
	return out, nil
}

func errUnknownVM(name string) error {
	return errors.New("unknown vm_names entry: " + name)
}

func (h *Handler) handleTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Store.Get(r.PathValue("taskId"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// resultResponse is the summary + flattened alerts/events view spec.md
// §6 promises at GET /api/result/{taskId}, distinct from the full Task
// body GET /api/task/{taskId} returns.
type resultResponse struct {
	TaskID  string          `json:"taskId"`
	Summary *model.Summary  `json:"summary,omitempty"`
	Alerts  []model.Alert   `json:"alerts"`
	Events  []model.Event   `json:"events"`
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	task, err := h.Store.Get(r.PathValue("taskId"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	resp := resultResponse{TaskID: task.TaskID, Summary: task.Summary}
	for _, vmResult := range task.PerVMResults {
		resp.Alerts = append(resp.Alerts, vmResult.Alerts...)
		resp.Events = append(resp.Events, vmResult.Events...)
	}
	writeJSON(w, http.StatusOK, resp)
}

// healthResponse is the system liveness + pool occupancy + queue depth
// view spec.md §6 requires at GET /api/health.
type healthResponse struct {
	Status     string       `json:"status"`
	Pool       []PoolHealth `json:"pool"`
	QueueDepth int          `json:"queueDepth"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	var pool []PoolHealth
	if h.Pool != nil {
		pool = h.Pool.Snapshot()
	}
	if h.Metrics != nil {
		for _, v := range pool {
			h.Metrics.SetVMPool(v.VMName, v.Leased, v.NeedsAttention)
		}
	}
	var depth int
	if h.Orchestrator != nil {
		depth = h.Orchestrator.QueueDepth()
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Pool: pool, QueueDepth: depth})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
