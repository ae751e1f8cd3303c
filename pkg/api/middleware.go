package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/iam"
	"github.com/infraguys/genesis-core/pkg/log"
	"github.com/infraguys/genesis-core/pkg/metrics"
	"github.com/infraguys/genesis-core/pkg/types"
)

const maxBodyBytes = 1 << 20

type ctxKey int

const identityKey ctxKey = iota

// errorEnvelope is the wire error body.
type errorEnvelope struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe is the outermost middleware: access log plus request metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(r.Method))
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", timer.Duration()).
			Msg("request")
	})
}

// authed resolves the bearer token and stores the identity in the request
// context. Requests without a valid token never reach the handler.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeError(w, errdefs.AuthRequiredf("missing bearer token"))
			return
		}
		value, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, errdefs.AuthRequiredf("malformed bearer token"))
			return
		}

		var who *types.Introspection
		err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
			var err error
			who, err = iam.Introspect(tx, value, time.Now().UTC())
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, who)))
	})
}

// identity returns the authenticated caller. Handlers behind authed may rely
// on it being present.
func identity(ctx context.Context) *types.Introspection {
	who, _ := ctx.Value(identityKey).(*types.Introspection)
	return who
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errdefs.HTTPStatus(err)
	writeJSON(w, status, errorEnvelope{
		Code:    status,
		Type:    errdefs.TypeOf(err),
		Message: err.Error(),
	})
}

// decode reads a JSON body into out and validates it. Entity creates use
// parseBody and validateStruct separately so envelope defaults can be filled
// in between.
func decode(r *http.Request, out any) error {
	if err := parseBody(r, out); err != nil {
		return err
	}
	return validateStruct(out)
}

func parseBody(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errdefs.Wrapf(errdefs.ErrValidation, err, "decode request body")
	}
	return nil
}

func validateStruct(out any) error {
	if err := validate.Struct(out); err != nil {
		return errdefs.Wrapf(errdefs.ErrValidation, err, "invalid request body")
	}
	return nil
}

// pathUUID parses the {uuid} path segment.
func pathUUID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("uuid"))
	if err != nil {
		return uuid.Nil, errdefs.Validationf("malformed uuid in path")
	}
	return id, nil
}

// projectScope reads the optional ?project= filter.
func projectScope(r *http.Request) (*uuid.UUID, error) {
	raw := r.URL.Query().Get("project")
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, errdefs.Validationf("malformed project filter")
	}
	return &id, nil
}
