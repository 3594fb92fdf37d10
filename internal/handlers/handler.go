package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/arborlabs/arbor/internal/config"
	"github.com/arborlabs/arbor/internal/generation"
	"github.com/arborlabs/arbor/internal/store"
	"github.com/arborlabs/arbor/internal/stream"
)

// maxContentLength caps message content, matching the request body limit.
const maxContentLength = 32 * 1024

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store      store.Store
	transport  stream.Transport
	supervisor *generation.Supervisor
	generator  generation.Generator
	redis      *redis.Client // nil when running on the in-process broker
	cfg        *config.Config
	logger     zerolog.Logger
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(
	st store.Store,
	transport stream.Transport,
	supervisor *generation.Supervisor,
	generator generation.Generator,
	redisClient *redis.Client,
	cfg *config.Config,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		store:      st,
		transport:  transport,
		supervisor: supervisor,
		generator:  generator,
		redis:      redisClient,
		cfg:        cfg,
		logger:     logger,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// sanitizeContent trims content and strips control characters other than
// whitespace, then caps the length.
func sanitizeContent(content string) string {
	content = strings.TrimSpace(content)

	content = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return -1
		}
		return r
	}, content)

	if len(content) > maxContentLength {
		// Cut on a rune boundary so truncation never stores invalid UTF-8.
		cut := maxContentLength
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}

	return content
}

// isValidID accepts the id formats clients generate: UUIDs and ULIDs.
func isValidID(id string) bool {
	if len(id) == 0 || len(id) > 40 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}
