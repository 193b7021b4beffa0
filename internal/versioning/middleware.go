package versioning

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	apperrors "adminchat/internal/errors"
)

type contextKey string

const versionContextKey contextKey = "api_version"

const (
	AcceptVersionHeader     = "Accept-Version"
	CurrentVersionHeader    = "X-Current-Version"
	SupportedVersionsHeader = "X-Supported-Versions"
)

// Middleware advertises the control API version and rejects requests pinned
// to a version this build cannot serve. A request without Accept-Version is
// served as CurrentVersion.
func Middleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(CurrentVersionHeader, CurrentVersion.String())
			w.Header().Set(SupportedVersionsHeader, SupportedRange())

			requested := CurrentVersion
			if raw := r.Header.Get(AcceptVersionHeader); raw != "" {
				v, err := ParseVersion(raw)
				if err != nil {
					reject(w, logger, apperrors.NewValidationError(AcceptVersionHeader, err.Error()))
					return
				}
				if !Supported(v) {
					reject(w, logger, apperrors.NewValidationError(AcceptVersionHeader,
						"unsupported API version "+v.String()).
						WithContext("supported", SupportedRange()))
					return
				}
				requested = v
			}

			ctx := context.WithValue(r.Context(), versionContextKey, requested)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext returns the version the caller asked for.
func FromContext(ctx context.Context) (APIVersion, bool) {
	v, ok := ctx.Value(versionContextKey).(APIVersion)
	return v, ok
}

func reject(w http.ResponseWriter, logger *logrus.Logger, err error) {
	logger.WithError(err).Debug("Rejected request for unsupported API version")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(apperrors.ToHTTPResponse(err))
}
