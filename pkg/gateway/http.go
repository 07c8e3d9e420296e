package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/abdhe/newsfeed-gateway/pkg/newsapi"
	"github.com/abdhe/newsfeed-gateway/pkg/resilience"
)

// HTTPConfig holds REST surface settings.
type HTTPConfig struct {
	FrontendURL    string
	RateLimitRPS   float64 // 0 disables per-client limiting
	RateLimitBurst int
	TrustProxy     bool // Honor X-Forwarded-For for rate limiting
	Logger         *zap.Logger
}

// HTTPHandler serves the REST API.
type HTTPHandler struct {
	svc    *Service
	logger *zap.Logger
	now    func() time.Time
}

type newsResponse struct {
	Success      bool                        `json:"success"`
	Articles     []newsapi.NormalizedArticle `json:"articles"`
	NextPage     string                      `json:"nextPage,omitempty"`
	TotalResults int                         `json:"totalResults"`
	Cached       bool                        `json:"cached"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// NewRouter builds the REST router.
func NewRouter(svc *Service, cfg HTTPConfig) *mux.Router {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &HTTPHandler{svc: svc, logger: cfg.Logger, now: time.Now}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(accessLogMiddleware(cfg.Logger))
	r.Use(corsMiddleware(cfg.FrontendURL))
	if cfg.RateLimitRPS > 0 {
		r.Use(rateLimitMiddleware(newClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), cfg.TrustProxy))
	}

	r.HandleFunc("/", h.welcome).Methods(http.MethodGet, http.MethodOptions)

	r.HandleFunc("/api/news", h.fetchNews).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/news/keys", h.keyStatus).Methods(http.MethodGet, http.MethodOptions)

	return r
}

func (h *HTTPHandler) welcome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Welcome to the server",
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"success":   true,
	})
}

func (h *HTTPHandler) fetchNews(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := newsapi.Query{
		Q:        params.Get("q"),
		Category: params.Get("category"),
		Country:  params.Get("country"),
		Language: params.Get("language"),
		Page:     params.Get("page"),
	}

	res, err := h.svc.Fetch(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	articles := make([]newsapi.NormalizedArticle, len(res.Page.Articles))
	for i, a := range res.Page.Articles {
		articles[i] = a.Normalize()
	}

	writeJSON(w, http.StatusOK, newsResponse{
		Success:      true,
		Articles:     articles,
		NextPage:     res.Page.NextPage,
		TotalResults: res.Page.TotalResults,
		Cached:       res.Cached,
	})
}

func (h *HTTPHandler) keyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.KeyStatus())
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatusForError(err)
	if status == http.StatusServiceUnavailable && newsapi.IsRateLimited(err) {
		if d := h.svc.RetryAfter(); d > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
	}

	logger := h.logger.With(zap.String("request_id", RequestIDFromContext(r.Context())))
	if status >= http.StatusInternalServerError {
		logger.Error("fetching news failed", zap.Int("status", status), zap.Error(err))
	} else {
		logger.Info("rejected news request", zap.Int("status", status), zap.Error(err))
	}

	writeJSON(w, status, errorBody(publicMessage(err)))
}

// httpStatusForError maps fetch errors to REST status codes.
func httpStatusForError(err error) int {
	switch {
	case errors.Is(err, newsapi.ErrInvalidQuery):
		return http.StatusBadRequest
	case newsapi.IsRateLimited(err), errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// publicMessage hides upstream detail from clients.
func publicMessage(err error) string {
	var upstreamErr *newsapi.UpstreamError
	switch {
	case errors.Is(err, newsapi.ErrInvalidQuery):
		return err.Error()
	case errors.Is(err, resilience.ErrNoKeysConfigured):
		return "news service is not configured"
	case newsapi.IsRateLimited(err):
		return "All API keys are rate limited. Please try again later."
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "news service is temporarily unavailable"
	case errors.As(err, &upstreamErr):
		return "news provider rejected the request: " + upstreamErr.Message
	default:
		return "failed to fetch news"
	}
}

func errorBody(msg string) errorResponse {
	return errorResponse{Success: false, Message: msg}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
