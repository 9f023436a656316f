package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/events"
	"nuha.dev/gpsagent/internal/outcome"
	"nuha.dev/gpsagent/internal/position"
	"nuha.dev/gpsagent/internal/reporter"
	"nuha.dev/gpsagent/internal/transport"
	"nuha.dev/gpsagent/internal/web/monitoring"
)

type ApiConfig struct {
	ListenAddr string
	// protocol default ports applied when a send request omits the port
	DefaultTCPPort uint16
	DefaultUDPPort uint16
}

type Api struct {
	r      chi.Router
	s      *http.Server
	config *ApiConfig
	log    log.Logger
	vld    *validator.Validate
	rep    *reporter.Reporter
	bus    *events.Bus
}

type BasicResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

type StartRequest struct {
	MinIntervalMs    int64    `json:"min_interval_ms" validate:"gte=0"`
	MinDisplacementM *float64 `json:"min_displacement_m" validate:"omitempty,gte=0"`
}

type SendRequest struct {
	Host     string `json:"host" validate:"required"`
	Port     int    `json:"port" validate:"gte=0,lte=65535"`
	Protocol string `json:"protocol" validate:"omitempty,oneof=tcp udp TCP UDP"`
}

func NewApi(rep *reporter.Reporter, bus *events.Bus, config *ApiConfig) *Api {
	api := &Api{config: config, rep: rep, bus: bus}
	if api.config.DefaultTCPPort == 0 {
		api.config.DefaultTCPPort = transport.DefaultTCPPort
	}
	if api.config.DefaultUDPPort == 0 {
		api.config.DefaultUDPPort = transport.DefaultUDPPort
	}
	api.log = log.DefaultLogger
	api.log.Context = log.NewContext(nil).Str("module", "api-server").Value()
	api.vld = validator.New()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)
	r.Get("/position", api.GetPosition)
	r.Post("/gps/start", api.StartUpdates)
	r.Post("/gps/stop", api.StopUpdates)
	r.Post("/send", api.Send)
	r.Method(http.MethodGet, "/status", monitoring.NewMonApi(rep).GetHandler())
	if bus != nil {
		r.Get("/stream", api.Stream)
	}

	api.r = r
	api.s = &http.Server{
		Addr:           api.config.ListenAddr,
		Handler:        api.r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

// Run serves until Shutdown is called.
func (api *Api) Run() error {
	api.log.Info().Msgf("starting api-server on : %s", api.s.Addr)
	err := api.s.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		api.log.Error().Err(err).Msg("")
		return err
	}
	return nil
}

func (api *Api) Shutdown(ctx context.Context) error {
	return api.s.Shutdown(ctx)
}

func (api *Api) GetPosition(w http.ResponseWriter, r *http.Request) {
	s, ok := api.rep.CurrentPosition()
	if !ok {
		JsonWrite(w, http.StatusNotFound, BasicResponse{Status: http.StatusNotFound, Message: outcome.NoPositionAvailable.String()})
		return
	}
	JsonWrite(w, http.StatusOK, s)
}

func (api *Api) StartUpdates(w http.ResponseWriter, r *http.Request) {
	req := StartRequest{}
	if !api.decode(w, r, &req) {
		return
	}
	interval := time.Duration(req.MinIntervalMs) * time.Millisecond
	displacement := position.DefaultMinDisplacement
	if req.MinDisplacementM != nil {
		displacement = *req.MinDisplacementM
	}
	err := api.rep.Start(interval, displacement)
	if err != nil {
		status := http.StatusInternalServerError
		switch outcome.KindOf(err) {
		case outcome.PermissionDenied:
			status = http.StatusForbidden
		case outcome.ProviderUnavailable:
			status = http.StatusServiceUnavailable
		}
		JsonWrite(w, status, BasicResponse{Status: status, Message: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *Api) StopUpdates(w http.ResponseWriter, r *http.Request) {
	api.rep.Stop()
	w.WriteHeader(http.StatusNoContent)
}

// Send waits for the outcome of one transmission. Transport failures are
// reported in the body with status 200; only malformed requests fail the
// call itself.
func (api *Api) Send(w http.ResponseWriter, r *http.Request) {
	req := SendRequest{}
	if !api.decode(w, r, &req) {
		return
	}
	target := transport.Target{Host: req.Host, Port: uint16(req.Port)}
	if req.Protocol != "" {
		p, err := transport.ParseProtocol(req.Protocol)
		if err != nil {
			JsonWrite(w, http.StatusBadRequest, BasicResponse{Status: http.StatusBadRequest, Message: err.Error()})
			return
		}
		target.Protocol = p
	}
	if target.Port == 0 {
		target.Port = api.config.DefaultTCPPort
		if target.Protocol == transport.UDP {
			target.Port = api.config.DefaultUDPPort
		}
	}
	select {
	case res := <-api.rep.Send(r.Context(), target):
		JsonWrite(w, http.StatusOK, res)
	case <-r.Context().Done():
	}
}

func (api *Api) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if err == nil {
		err = api.vld.Struct(v)
	}
	if err != nil {
		api.log.Debug().Err(err).Str("path", r.URL.Path).Msg("bad request")
		JsonWrite(w, http.StatusBadRequest, BasicResponse{Status: http.StatusBadRequest, Message: err.Error()})
		return false
	}
	return true
}

func JsonWrite(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		panic(err)
	}
}
