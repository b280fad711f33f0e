package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"linkroute/internal/domain"

	"github.com/google/uuid"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-Id"

const maxRequestIDLength = 128

type requestIDKey struct{}

// HTTPOptions configures routed paths and body limit.
type HTTPOptions struct {
	ResolvePath  string
	RememberPath string
	RulesPath    string
	MaxBodyBytes int64
}

// HTTPHandler serves resolve/remember/rules JSON endpoints.
// Params: router, path options, and logger.
// Returns: handler registered on a mux.
type HTTPHandler struct {
	router Router
	opts   HTTPOptions
	logger *slog.Logger
}

// NewHTTPHandler creates JSON API handler.
// Params: router, options, and logger.
// Returns: configured handler.
func NewHTTPHandler(router Router, opts HTTPOptions, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{router: router, opts: opts, logger: logger}
}

// Register mounts API endpoints on mux.
// Params: mux to extend.
// Returns: none.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc(h.opts.ResolvePath, h.serveResolve)
	mux.HandleFunc(h.opts.RememberPath, h.serveRemember)
	mux.HandleFunc(h.opts.RulesPath, h.serveRules)
}

func (h *HTTPHandler) serveResolve(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writeMethodNotAllowed(writer, http.MethodPost)
		return
	}
	body, ok := h.readBody(writer, request)
	if !ok {
		return
	}
	linkRequest, err := domain.DecodeLinkOpenRequest(body)
	if err != nil {
		h.writeError(writer, request, http.StatusBadRequest, CodeBadRequest, err)
		return
	}
	writeJSON(writer, http.StatusOK, h.router.Resolve(request.Context(), linkRequest))
}

func (h *HTTPHandler) serveRemember(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writeMethodNotAllowed(writer, http.MethodPost)
		return
	}
	body, ok := h.readBody(writer, request)
	if !ok {
		return
	}
	remember, err := domain.DecodeRememberRequest(body)
	if err != nil {
		status, code := classify(err)
		h.writeError(writer, request, status, code, err)
		return
	}
	if err := h.router.Remember(request.Context(), remember); err != nil {
		status, code := classify(err)
		h.writeError(writer, request, status, code, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) serveRules(writer http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()
	accountID := strings.TrimSpace(query.Get("account_id"))
	if accountID == "" {
		h.writeError(writer, request, http.StatusBadRequest, CodeBadRequest, errors.New("account_id is required"))
		return
	}

	switch request.Method {
	case http.MethodGet:
		writeJSON(writer, http.StatusOK, rulesView(h.router.Rules(accountID), accountID))
	case http.MethodDelete:
		var (
			removed bool
			err     error
		)
		noMatch, _ := strconv.ParseBool(query.Get("no_match"))
		pattern := query.Get("pattern")
		switch {
		case noMatch:
			removed, err = h.router.ClearNoMatchRule(request.Context(), accountID)
		case strings.TrimSpace(pattern) != "":
			removed, err = h.router.RemoveDomainRule(request.Context(), accountID, pattern)
		default:
			h.writeError(writer, request, http.StatusBadRequest, CodeBadRequest, errors.New("pattern or no_match=true is required"))
			return
		}
		if err != nil {
			status, code := classify(err)
			h.writeError(writer, request, status, code, err)
			return
		}
		if !removed {
			h.writeError(writer, request, http.StatusNotFound, CodeNotFound, errors.New("no matching rule"))
			return
		}
		writer.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(writer, http.MethodGet+", "+http.MethodDelete)
	}
}

// readBody reads a size-limited request body.
// Params: response writer and request.
// Returns: body and true, or false after writing a 400/413 reply.
func (h *HTTPHandler) readBody(writer http.ResponseWriter, request *http.Request) ([]byte, bool) {
	request.Body = http.MaxBytesReader(writer, request.Body, h.opts.MaxBodyBytes)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(writer, request, http.StatusRequestEntityTooLarge, CodeBadRequest, err)
			return nil, false
		}
		h.writeError(writer, request, http.StatusBadRequest, CodeBadRequest, err)
		return nil, false
	}
	return body, true
}

func (h *HTTPHandler) writeError(writer http.ResponseWriter, request *http.Request, status int, code string, err error) {
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(request.Context(), level, "api request failed",
		"request_id", RequestID(request.Context()),
		"path", request.URL.Path,
		"status", status,
		"code", code,
		"error", err.Error(),
	)
	writeJSON(writer, status, ErrorReply{Error: err.Error(), Code: code})
}

func writeMethodNotAllowed(writer http.ResponseWriter, allow string) {
	writer.Header().Set("Allow", allow)
	writer.WriteHeader(http.StatusMethodNotAllowed)
}

func writeJSON(writer http.ResponseWriter, status int, value any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(value)
}

// WithRequestID assigns request id and logs request completion.
// Params: next handler and logger.
// Returns: wrapping handler that echoes X-Request-Id on every response.
func WithRequestID(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		id := sanitizeRequestID(request.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		writer.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(request.Context(), requestIDKey{}, id)

		recorder := &statusRecorder{ResponseWriter: writer, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(recorder, request.WithContext(ctx))
		logger.Debug("http request",
			"request_id", id,
			"method", request.Method,
			"path", request.URL.Path,
			"status", recorder.status,
			"elapsed_ms", time.Since(started).Milliseconds(),
		)
	})
}

// RequestID returns id assigned by WithRequestID.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func sanitizeRequestID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > maxRequestIDLength {
		return ""
	}
	for _, r := range value {
		if r < 0x21 || r > 0x7e {
			return ""
		}
	}
	return value
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
