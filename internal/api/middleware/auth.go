package middleware

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/hazelgames/keygate/internal/models"
)

// RequireAPIKey guards the admin endpoints with an X-API-Key header check
// against the api_keys table.
func RequireAPIKey(apiKeys *models.APIKeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get("X-API-Key")
			if rawKey == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			apiKey, err := apiKeys.Validate(r.Context(), rawKey)
			if err != nil {
				log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Invalid API key")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			log.Debug().Int("apiKeyID", apiKey.ID).Str("name", apiKey.Name).Msg("API key authenticated")
			next.ServeHTTP(w, r)
		})
	}
}
