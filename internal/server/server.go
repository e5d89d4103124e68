package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"paytag/internal/chain"
	"paytag/internal/domain"
	"paytag/internal/engine"
	"paytag/internal/engine/auth"
	"paytag/internal/ratelimit"
	"paytag/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Clock    chain.HeightSource
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	// Limiter throttles mutating requests per caller. Built from the engine
	// config when nil.
	Limiter *ratelimit.Keyed
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_pending"`
	Message string         `json:"message" example:"tag 1 is paid"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// service is what every handler closes over.
type service struct {
	engine engine.Engine
	clock  chain.HeightSource
}

// New returns an HTTP handler exposing the registry API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Config == nil {
		return nil, errors.New("engine config not loaded")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = chain.WallClock{Genesis: cfg.Engine.Config.Chain.Genesis, BlockInterval: cfg.Engine.Config.Chain.BlockInterval}
	}
	limiter := cfg.Limiter
	if limiter == nil {
		rl := cfg.Engine.Config.Server.RateLimit
		limiter = ratelimit.New(rl.RPS, rl.Burst)
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	if origins := cfg.Engine.Config.Server.CORSOrigins; len(origins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Api-Key", PartyHeader},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}
	router.Use(newAuthMiddleware(cfg.Auth, cfg.Engine.Repo))
	router.Use(rateLimitMiddleware(limiter, logger))

	hcfg := huma.DefaultConfig("Paytag API", engine.Version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s := service{engine: cfg.Engine, clock: clock}
	registerDocs(router, basePath)
	registerHealth(group)
	registerTags(group, s)
	registerParties(group, s)
	registerStats(group, s)
	registerGovernance(group, s)
	registerEvents(group, s)
	registerMe(group, s)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return newAPIError(ee.HTTPStatus(), strings.ToLower(string(ee.Code)), ee.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// rateLimitMiddleware throttles state-changing requests per party, falling
// back to the client address for anonymous callers.
func rateLimitMiddleware(limiter *ratelimit.Keyed, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			key := "ip:" + clientIP(r)
			if p, ok := principalFromContext(r.Context()); ok {
				key = "party:" + p.PartyID
			}
			if !limiter.Allow(key) {
				logger.Warn("rate limit exceeded", "key", key, "path", r.URL.Path)
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "", "too many requests, try again later", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP drops the ephemeral port so every connection from one host shares
// a bucket. RealIP may already have replaced RemoteAddr with a bare address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s service) height(ctx context.Context) (uint64, huma.StatusError) {
	h, err := s.clock.Height(ctx)
	if err != nil {
		return 0, newAPIError(http.StatusInternalServerError, "clock_unavailable", err.Error(), nil)
	}
	return h, nil
}

// call resolves the authenticated caller and the current height.
func (s service) call(ctx context.Context) (engine.Call, huma.StatusError) {
	caller, authErr := callerFromContext(ctx)
	if authErr != nil {
		return engine.Call{}, authErr
	}
	h, herr := s.height(ctx)
	if herr != nil {
		return engine.Call{}, herr
	}
	return engine.Call{Caller: caller, Height: h}, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	docPath := path.Join(basePath, "openapi.json")
	r.Get(docPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

// applyAuthSecurity marks mutating operations as requiring credentials. Reads stay public.
func applyAuthSecurity(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	for route, item := range oas.Paths {
		if item.Post != nil && !strings.HasSuffix(route, "/tags/batch") {
			item.Post.Security = security
		}
		if item.Get != nil && strings.HasSuffix(route, "/me") {
			item.Get.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Paytag API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Reads are public. Mutations need Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type tagOutput struct {
	Body TagResponse `json:"body"`
}

type tagPath struct {
	ID uint64 `path:"id" doc:"Tag id"`
}

func registerTags(api huma.API, s service) {
	e := s.engine
	token := e.Config.Token

	huma.Register(api, huma.Operation{
		OperationID:   "create-tag",
		Method:        http.MethodPost,
		Path:          "/tags",
		Summary:       "Create a payment tag",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusLocked, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateTagRequest `json:"body"`
	}) (*tagOutput, error) {
		call, herr := s.call(ctx)
		if herr != nil {
			return nil, herr
		}
		tag, err := e.CreateTag(ctx, call, engine.CreateOptions{
			Recipient: strings.TrimSpace(input.Body.Recipient),
			Amount:    input.Body.Amount,
			Duration:  input.Body.Duration,
			Memo:      input.Body.Memo,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &tagOutput{Body: tagResponse(tag, token)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tag",
		Method:      http.MethodGet,
		Path:        "/tags/{id}",
		Summary:     "Get a tag",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *tagPath) (*tagOutput, error) {
		tag, err := e.GetTag(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &tagOutput{Body: tagResponse(tag, token)}, nil
	})

	transition := func(op, summary string, fn func(context.Context, engine.Call, uint64) (domain.Tag, error)) {
		huma.Register(api, huma.Operation{
			OperationID: op + "-tag",
			Method:      http.MethodPost,
			Path:        "/tags/{id}/" + op,
			Summary:     summary,
			Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *tagPath) (*tagOutput, error) {
			call, herr := s.call(ctx)
			if herr != nil {
				return nil, herr
			}
			tag, err := fn(ctx, call, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &tagOutput{Body: tagResponse(tag, token)}, nil
		})
	}
	transition("fulfill", "Pay a pending tag", e.FulfillTag)
	transition("cancel", "Cancel a pending tag (creator only)", e.CancelTag)
	transition("expire", "Expire a pending tag past its expiry height", e.ExpireTag)

	huma.Register(api, huma.Operation{
		OperationID: "can-expire-tag",
		Method:      http.MethodGet,
		Path:        "/tags/{id}/can-expire",
		Summary:     "Whether a tag can be expired",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     uint64 `path:"id"`
		Height uint64 `query:"height" doc:"Height to evaluate at; 0 uses the current height"`
	}) (*struct {
		Body CanExpireResponse `json:"body"`
	}, error) {
		h := input.Height
		if h == 0 {
			var herr huma.StatusError
			if h, herr = s.height(ctx); herr != nil {
				return nil, herr
			}
		}
		ok, err := e.CanExpire(ctx, input.ID, h)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CanExpireResponse `json:"body"`
		}{Body: CanExpireResponse{ID: input.ID, Height: h, CanExpire: ok}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tags-batch",
		Method:      http.MethodPost,
		Path:        "/tags/batch",
		Summary:     "Get several tags; unknown ids come back null",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body BatchRequest `json:"body"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		tags, err := e.GetMultiple(ctx, input.Body.IDs)
		if err != nil {
			return nil, handleError(err)
		}
		resp := BatchResponse{Items: make([]*TagResponse, len(tags))}
		for i, t := range tags {
			if t == nil {
				continue
			}
			r := tagResponse(*t, token)
			resp.Items[i] = &r
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerParties(api huma.API, s service) {
	e := s.engine
	type partyPath struct {
		Party string `path:"party"`
	}
	type partyOutput struct {
		Body PartyTagsResponse `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-created",
		Method:      http.MethodGet,
		Path:        "/parties/{party}/created",
		Summary:     "Tag ids created by a party, oldest first",
	}, func(ctx context.Context, input *partyPath) (*partyOutput, error) {
		ids, err := e.ListByCreator(ctx, input.Party)
		if err != nil {
			return nil, handleError(err)
		}
		return &partyOutput{Body: PartyTagsResponse{Party: input.Party, Role: string(repo.RoleCreator), TagIDs: nonNilIDs(ids), Count: len(ids)}}, nil
	})
	huma.Register(api, huma.Operation{
		OperationID: "list-received",
		Method:      http.MethodGet,
		Path:        "/parties/{party}/received",
		Summary:     "Tag ids addressed to a party, oldest first",
	}, func(ctx context.Context, input *partyPath) (*partyOutput, error) {
		ids, err := e.ListByRecipient(ctx, input.Party)
		if err != nil {
			return nil, handleError(err)
		}
		return &partyOutput{Body: PartyTagsResponse{Party: input.Party, Role: string(repo.RoleRecipient), TagIDs: nonNilIDs(ids), Count: len(ids)}}, nil
	})
}

func registerStats(api huma.API, s service) {
	e := s.engine
	huma.Register(api, huma.Operation{
		OperationID: "list-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "All lifecycle counters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]uint64 `json:"body"`
	}, error) {
		stats, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]uint64 `json:"body"`
		}{Body: stats}, nil
	})
	huma.Register(api, huma.Operation{
		OperationID: "get-stat",
		Method:      http.MethodGet,
		Path:        "/stats/{key}",
		Summary:     "One counter; unknown keys read as zero",
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body StatResponse `json:"body"`
	}, error) {
		v, err := e.Stat(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatResponse `json:"body"`
		}{Body: StatResponse{Key: input.Key, Value: v}}, nil
	})
	huma.Register(api, huma.Operation{
		OperationID: "info",
		Method:      http.MethodGet,
		Path:        "/info",
		Summary:     "Registry summary",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body InfoResponse `json:"body"`
	}, error) {
		info, err := e.Info(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		h, herr := s.height(ctx)
		if herr != nil {
			return nil, herr
		}
		return &struct {
			Body InfoResponse `json:"body"`
		}{Body: InfoResponse{
			TotalTags:   info.TotalTags,
			Paused:      info.Paused,
			Version:     info.Version,
			Height:      h,
			TokenSymbol: e.Config.Token.Symbol,
			MinAmount:   e.Config.Registry.MinAmount,
			MaxDuration: e.Config.Registry.MaxDuration,
		}}, nil
	})
}

func registerGovernance(api huma.API, s service) {
	e := s.engine
	type govOutput struct {
		Body GovernanceResponse `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-governance",
		Method:      http.MethodGet,
		Path:        "/governance",
		Summary:     "Pause flag",
	}, func(ctx context.Context, _ *struct{}) (*govOutput, error) {
		paused, err := e.IsPaused(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &govOutput{Body: GovernanceResponse{Paused: paused, Admin: e.Config.Registry.Admin}}, nil
	})
	huma.Register(api, huma.Operation{
		OperationID: "toggle-pause",
		Method:      http.MethodPost,
		Path:        "/governance/toggle",
		Summary:     "Flip the pause flag (administrator only)",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*govOutput, error) {
		call, herr := s.call(ctx)
		if herr != nil {
			return nil, herr
		}
		paused, err := e.TogglePause(ctx, call)
		if err != nil {
			return nil, handleError(err)
		}
		return &govOutput{Body: GovernanceResponse{Paused: paused, Admin: e.Config.Registry.Admin}}, nil
	})
}

func registerEvents(api huma.API, s service) {
	e := s.engine
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type" doc:"Event type, e.g. tag_created"`
		TagID  uint64 `query:"tag_id"`
		Actor  string `query:"actor"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, limit+1, cursorID, repo.EventFilters{Type: input.Type, TagID: input.TagID, Actor: input.Actor})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			// items are newest first; the next page starts below the last one returned
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, s service) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{PartyID: p.PartyID, Source: p.Source, Admin: auth.Policy{Admin: s.engine.Config.Registry.Admin}.IsAdmin(p.PartyID)}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
