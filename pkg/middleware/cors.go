package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"
)

// CORS 包装整个 http.Handler，逗号分隔多个来源，"*" 表示任意来源
func CORS(origins string) func(http.Handler) http.Handler {
	allowed := []string{"*"}
	if o := strings.TrimSpace(origins); o != "" && o != "*" {
		allowed = allowed[:0]
		for _, s := range strings.Split(o, ",") {
			if s = strings.TrimSpace(s); s != "" {
				allowed = append(allowed, s)
			}
		}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Integration-Key", "X-Integration-Secret"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: allowed[0] != "*",
		MaxAge:           300,
	})
}
