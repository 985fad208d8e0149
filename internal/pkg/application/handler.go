package application

import (
	"compress/flate"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/errs"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/config"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/logging"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/repositories/models"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/ingestion"
)

type RequestRouter struct {
	impl *chi.Mux
}

//Get accepts a pattern that should be routed to the handlerFn on a GET request
func (router *RequestRouter) Get(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Get(pattern, handlerFn)
}

//Post accepts a pattern that should be routed to the handlerFn on a POST request
func (router *RequestRouter) Post(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Post(pattern, handlerFn)
}

func newRequestRouter() *RequestRouter {
	router := &RequestRouter{impl: chi.NewRouter()}

	router.impl.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	}).Handler)

	// Enable gzip compression for json responses
	compressor := middleware.NewCompressor(flate.DefaultCompression, "application/json")
	router.impl.Use(compressor.Handler)
	router.impl.Use(middleware.Logger)

	return router
}

func createRequestRouter(log logging.Logger, svc ingestion.Service, db database.Datastore) *RequestRouter {
	router := newRequestRouter()

	router.Post("/api/v1/readings", NewIngestReadingHandler(log, svc))
	router.Get("/api/v1/readings", NewGetLatestReadingsHandler(log, db))

	router.Post("/api/v1/devices", NewRegisterDeviceHandler(log, db))
	router.Get("/api/v1/devices", NewGetDevicesHandler(log, db))

	router.Post("/api/v1/seasons", NewStartSeasonHandler(log, db))
	router.Get("/api/v1/farms/{farmID}/seasons/current", NewGetCurrentSeasonHandler(log, db))

	router.Post("/api/v1/alerts/{alertID}/acknowledge", NewAcknowledgeAlertHandler(log, db))
	router.Get("/api/v1/alerts", NewGetAlertsHandler(log, db))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	router.impl.Handle("/metrics", promhttp.Handler())

	return router
}

//CreateRouterAndStartServing sets up the router and starts serving incoming requests
func CreateRouterAndStartServing(log logging.Logger, cfg *config.Configuration, svc ingestion.Service, db database.Datastore) {
	router := createRequestRouter(log, svc, db)

	port := cfg.ServicePort
	log.Infof("Starting iot-farm-monitor on port %s.\n", port)
	log.Fatal(http.ListenAndServe(":"+port, router.impl))
}

func respondWithJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondWithError(log logging.Logger, w http.ResponseWriter, err error) {
	var apiError errs.APIError
	if errors.As(err, &apiError) {
		status, msg := apiError.APIError()
		if status >= http.StatusInternalServerError {
			log.Errorf("request failed: %s", err.Error())
		}
		respondWithJSON(w, status, map[string]string{"error": msg})
		return
	}

	log.Errorf("request failed: %s", err.Error())
	respondWithJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

type ingestResponse struct {
	Accepted bool `json:"accepted"`
	Stored   bool `json:"stored"`
}

//NewIngestReadingHandler handles measurements posted by devices or gateways.
//Devices get a definite accept or reject, retry is the gateway's concern.
func NewIngestReadingHandler(log logging.Logger, svc ingestion.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reading := &ingestion.IncomingReading{}
		err := json.NewDecoder(r.Body).Decode(reading)
		if err != nil {
			respondWithError(log, w, errs.WrapError(err, errs.ErrInvalidReading))
			return
		}

		result, err := svc.IngestReading(r.Context(), reading)
		if err != nil {
			respondWithError(log, w, err)
			return
		}

		status := http.StatusOK
		if result.Stored {
			status = http.StatusCreated
		}

		respondWithJSON(w, status, ingestResponse{Accepted: true, Stored: result.Stored})
	}
}

//NewGetLatestReadingsHandler returns the most recent readings for dashboards
func NewGetLatestReadingsHandler(log logging.Logger, db database.Datastore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if q := r.URL.Query().Get("limit"); q != "" {
			parsed, err := strconv.Atoi(q)
			if err == nil && parsed > 0 {
				limit = parsed
			}
		}

		readings, err := db.GetLatestReadings(limit)
		if err != nil {
			respondWithError(log, w, err)
			return
		}

		respondWithJSON(w, http.StatusOK, readings)
	}
}

type registerDeviceRequest struct {
	DeviceEUI  string `json:"device_eui"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
	FarmID     uint   `json:"farm_id"`
}

//NewRegisterDeviceHandler registers a new device. A duplicate EUI is a
//conflict, registration is deliberately not an upsert.
func NewRegisterDeviceHandler(log logging.Logger, db database.Datastore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := &registerDeviceRequest{}
		err := json.NewDecoder(r.Body).Decode(req)
		if err != nil {
			respondWithError(log, w, errs.WrapError(err, errs.ErrBadRequest))
			return
		}

		device, err := db.RegisterDevice(&models.Device{
			DeviceEUI:  req.DeviceEUI,
			Name:       req.DeviceName,
			DeviceType: req.DeviceType,
			FarmID:     req.FarmID,
		})
		if err != nil {
			respondWithError(log, w, err)
			return
		}

		respondWithJSON(w, http.StatusCreated, device)
	}
}

//NewGetDevicesHandler lists all registered devices
func NewGetDevicesHandler(log logging.Logger, db database.Datastore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		devices, err := db.GetDevices()
		if err != nil {
			respondWithError(log, w, err)
			return
		}

		respondWithJSON(w, http.StatusOK, devices)
	}
}

type startSeasonRequest struct {
	FarmID          uint       `json:"farm_id"`
	SeasonType      string     `json:"season_type"`
	StartDate       *time.Time `json:"start_date"`
	ExpectedEndDate *time.Time `json:"expected_end_date"`
	Variety         string     `json:"variety"`
}

//NewStartSeasonHandler starts a new cultivation season for a farm, completing
//any season that is still active for it
func NewStartSeasonHandler(log logging.Logger, db database.Datastore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := &startSeasonRequest{}
		err := json.NewDecoder(r.Body).Decode(req)
		if err != nil {
			respondWithError(log, w, errs.WrapError(err, errs.ErrInvalidSeason))
			return
		}

		season := &models.Season{
			FarmID:          req.FarmID,
			SeasonType:      models.CultivationType(req.SeasonType),
			ExpectedEndDate: req.ExpectedEndDate,
			Variety:         req.Variety,
		}
		if req.StartDate != nil {
			season.StartDate = *req.StartDate
		}

		season, err = db.StartSeason(season)
		if err != nil {
			respondWithError(log, w, err)
			return
		}

		respondWithJSON(w, http.StatusCreated, season)
	}
}

//NewGetCurrentSeasonHandler returns the farm's active season, or null when
//the farm is between seasons
func NewGetCurrentSeasonHandler(log logging.Logger, db database.Datastore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		farmID, err := strconv.ParseUint(chi.URLParam(r, "farmID"), 10, 32)
		if err != nil {
			respondWithError(log, w, errs.WrapError(err, errs.ErrFarmNotFound))
			return
		}

		season, err := db.GetActiveSeason(uint(farmID))
		if err != nil {
			respondWithError(log, w, err)
			return
		}

		respondWithJSON(w, http.StatusOK, season)
	}
}

//NewAcknowledgeAlertHandler transitions an alert to acknowledged. The
//operation is idempotent, acknowledging twice is not an error.
func NewAcknowledgeAlertHandler(log logging.Logger, db database.Datastore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alertID, err := strconv.ParseUint(chi.URLParam(r, "alertID"), 10, 32)
		if err != nil {
			respondWithError(log, w, errs.WrapError(err, errs.ErrAlertNotFound))
			return
		}

		err = db.AcknowledgeAlert(uint(alertID))
		if err != nil {
			respondWithError(log, w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

//NewGetAlertsHandler lists the alerts belonging to a user, newest first
func NewGetAlertsHandler(log logging.Logger, db database.Datastore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseUint(r.URL.Query().Get("userId"), 10, 32)
		if err != nil {
			respondWithError(log, w, errs.WrapError(err, errs.ErrBadRequest))
			return
		}

		alerts, err := db.GetAlertsForUser(uint(userID))
		if err != nil {
			respondWithError(log, w, err)
			return
		}

		respondWithJSON(w, http.StatusOK, alerts)
	}
}
