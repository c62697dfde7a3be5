package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/fifo-allocation/internal/adapter/storage"
	"github.com/rl1809/fifo-allocation/internal/core/domain"
	"github.com/rl1809/fifo-allocation/internal/core/service"
	"github.com/rl1809/fifo-allocation/internal/port"
)

type HTTPHandler struct {
	allocations *service.AllocationService
	batches     port.BatchStore
	receiving   port.BatchWriter
	logger      logrus.FieldLogger
}

type AllocationHTTPRequest struct {
	MaterialCode     string `json:"material_code"`
	Quantity         int    `json:"quantity"`
	FactoryScope     string `json:"factory_scope"`
	Location         string `json:"location"`
	ContainerSize    int    `json:"container_size"`
	IdempotencyToken string `json:"idempotency_token"`
}

func (r AllocationHTTPRequest) toDomain() domain.AllocationRequest {
	return domain.AllocationRequest{
		MaterialCode:     r.MaterialCode,
		RequiredQuantity: r.Quantity,
		Scope:            domain.Scope{FactoryScope: r.FactoryScope, Location: r.Location},
		ContainerSize:    r.ContainerSize,
		IdempotencyToken: r.IdempotencyToken,
	}
}

type AllocationHTTPResponse struct {
	Success           bool                       `json:"success"`
	Message           string                     `json:"message"`
	Plan              *domain.AllocationPlan     `json:"plan,omitempty"`
	Lines             []domain.AllocationLine    `json:"lines,omitempty"`
	Commit            *domain.CommitResult       `json:"commit,omitempty"`
	FifoViolationRisk bool                       `json:"fifo_violation_risk,omitempty"`
	Partial           bool                       `json:"partial,omitempty"`
	Records           []domain.ConsumptionRecord `json:"records,omitempty"`
}

type BatchHTTPRequest struct {
	MaterialCode string `json:"material_code"`
	FactoryScope string `json:"factory_scope"`
	Location     string `json:"location"`
	BatchKey     string `json:"batch_key"`
	OpeningStock int    `json:"opening_stock"`
	Received     int    `json:"received"`
}

type BatchHTTPResponse struct {
	ID           string `json:"id"`
	MaterialCode string `json:"material_code"`
	FactoryScope string `json:"factory_scope"`
	Location     string `json:"location"`
	BatchKey     string `json:"batch_key"`
	Stock        int    `json:"stock"`
	Consumed     int    `json:"consumed"`
}

// NewHTTPHandler wires the allocation endpoints. receiving may be nil when
// the store does not accept receipts.
func NewHTTPHandler(allocations *service.AllocationService, batches port.BatchStore, receiving port.BatchWriter, logger logrus.FieldLogger) *HTTPHandler {
	return &HTTPHandler{
		allocations: allocations,
		batches:     batches,
		receiving:   receiving,
		logger:      logger,
	}
}

// Router builds the chi router with the middleware stack and all routes.
func (h *HTTPHandler) Router(allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", h.HealthCheck)
	r.Route("/api", func(r chi.Router) {
		r.Route("/allocations", func(r chi.Router) {
			r.Post("/plan", h.Plan)
			r.Post("/scan", h.Scan)
			r.Post("/push", h.Push)
			r.Get("/{token}", h.Records)
		})
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.ListBatches)
			r.Post("/", h.ReceiveBatch)
		})
	})
	return r
}

func (h *HTTPHandler) decodeAllocation(w http.ResponseWriter, r *http.Request) (domain.AllocationRequest, bool) {
	var req AllocationHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, AllocationHTTPResponse{
			Success: false,
			Message: "invalid request body",
		})
		return domain.AllocationRequest{}, false
	}
	return req.toDomain(), true
}

func (h *HTTPHandler) Plan(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAllocation(w, r)
	if !ok {
		return
	}

	result, err := h.allocations.PlanOnly(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err, AllocationHTTPResponse{})
		return
	}

	message := "plan covers request"
	if !result.Plan.Complete() {
		message = "plan has a shortage"
	}
	writeJSON(w, http.StatusOK, AllocationHTTPResponse{
		Success: result.Plan.Complete(),
		Message: message,
		Plan:    &result.Plan,
		Lines:   result.Lines,
	})
}

func (h *HTTPHandler) Scan(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAllocation(w, r)
	if !ok {
		return
	}

	result, err := h.allocations.AllocateSingleBatch(r.Context(), req)
	resp := AllocationHTTPResponse{}
	if result != nil {
		resp.Plan = &result.Plan
		resp.Commit = result.Commit
		resp.FifoViolationRisk = result.FifoViolationRisk
	}
	if err != nil {
		h.writeError(w, r, err, resp)
		return
	}

	resp.Success = true
	resp.Message = "scan deducted"
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) Push(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAllocation(w, r)
	if !ok {
		return
	}

	result, err := h.allocations.AllocateAndCommitMultiBatch(r.Context(), req)
	resp := AllocationHTTPResponse{}
	if result != nil {
		resp.Plan = &result.Plan
		resp.Lines = result.Lines
		resp.Commit = result.Commit
	}
	if err != nil {
		h.writeError(w, r, err, resp)
		return
	}

	resp.Success = true
	resp.Message = "shipment committed"
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) Records(w http.ResponseWriter, r *http.Request) {
	records, err := h.allocations.Records(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(w, r, err, AllocationHTTPResponse{})
		return
	}
	writeJSON(w, http.StatusOK, AllocationHTTPResponse{
		Success: true,
		Message: "ok",
		Records: records,
	})
}

func (h *HTTPHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	material := q.Get("material")
	if material == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "material is required"})
		return
	}

	batches, err := h.batches.QueryBatches(r.Context(), material, domain.Scope{
		FactoryScope: q.Get("factory"),
		Location:     q.Get("location"),
	})
	if err != nil {
		h.writeError(w, r, err, AllocationHTTPResponse{})
		return
	}

	out := make([]BatchHTTPResponse, 0, len(batches))
	for _, b := range service.OrderBatches(batches) {
		out = append(out, BatchHTTPResponse{
			ID:           b.ID,
			MaterialCode: b.MaterialCode,
			FactoryScope: b.FactoryScope,
			Location:     b.Location,
			BatchKey:     b.BatchKey,
			Stock:        b.Stock(),
			Consumed:     b.Consumed,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) ReceiveBatch(w http.ResponseWriter, r *http.Request) {
	if h.receiving == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"message": "store does not accept receipts"})
		return
	}

	var req BatchHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return
	}
	if req.MaterialCode == "" || req.BatchKey == "" || req.OpeningStock < 0 || req.Received < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "missing required fields"})
		return
	}

	id, err := h.receiving.PutBatch(r.Context(), domain.InventoryBatch{
		MaterialCode: req.MaterialCode,
		FactoryScope: req.FactoryScope,
		Location:     req.Location,
		BatchKey:     req.BatchKey,
		OpeningStock: req.OpeningStock,
		Received:     req.Received,
	})
	if err != nil {
		h.writeError(w, r, err, AllocationHTTPResponse{})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps engine and store errors onto HTTP statuses, keeping
// whatever plan or commit detail resp already carries.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error, resp AllocationHTTPResponse) {
	status := http.StatusInternalServerError
	resp.Success = false
	resp.Message = "internal error"

	// a failed commit keeps its Partial flag whatever it wraps
	var cf *service.CommitFailedError
	switch {
	case errors.As(err, &cf):
		resp.Message = "commit failed"
		resp.Partial = cf.Partial
		if errors.Is(cf.Err, storage.ErrStoreUnavailable) {
			status = http.StatusServiceUnavailable
		}
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
		resp.Message = err.Error()
	case errors.Is(err, service.ErrAlreadyInFlight):
		status = http.StatusConflict
		resp.Message = "token already in flight"
	case errors.Is(err, service.ErrInsufficientStock):
		status = http.StatusUnprocessableEntity
		resp.Message = err.Error()
	case errors.Is(err, storage.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
		resp.Message = "store unavailable"
	}

	if status >= http.StatusInternalServerError {
		h.logger.WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).WithError(err).Error("request failed")
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
