package application

import (
	"compress/flate"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/rs/cors"

	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/repositories/database"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/reconcile"
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

func newRequestRouter(db database.Datastore) *RequestRouter {
	router := &RequestRouter{impl: chi.NewRouter()}

	router.impl.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	}).Handler)

	// Enable gzip compression for query responses
	compressor := middleware.NewCompressor(flate.DefaultCompression, "application/json")
	router.impl.Use(compressor.Handler)
	router.impl.Use(middleware.Logger)
	router.impl.Use(database.Middleware(db))

	return router
}

func createRequestRouter(app *Application) *RequestRouter {
	router := newRequestRouter(app.db)

	router.Get("/api/v1/aggregates/daily", newDailyAggregatesHandler())
	router.Get("/api/v1/aggregates/monthly", newMonthlyAggregatesHandler())
	router.Get("/api/v1/summary", newQuickSummaryHandler(app))
	router.Get("/api/v1/tickets", newReviewTicketsHandler())
	router.Post("/api/v1/jobs/{name}/run", newRunJobHandler(app))

	return router
}

func listenAndServe(addr string, router *RequestRouter) error {
	return http.ListenAndServe(addr, router.impl)
}

func respondWithJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func newDailyAggregatesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		db, err := database.GetFromContext(r.Context())
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}

		date := r.URL.Query().Get("date")
		if date == "" {
			respondWithError(w, http.StatusBadRequest, "date is required")
			return
		}

		aggregates, err := db.GetDailyAggregates(date, r.URL.Query().Get("classroom"))
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}

		respondWithJSON(w, http.StatusOK, aggregates)
	}
}

func newMonthlyAggregatesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		db, err := database.GetFromContext(r.Context())
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}

		month := r.URL.Query().Get("month")
		if month == "" {
			respondWithError(w, http.StatusBadRequest, "month is required")
			return
		}

		aggregates, err := db.GetMonthlyAggregates(month, r.URL.Query().Get("classroom"))
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}

		respondWithJSON(w, http.StatusOK, aggregates)
	}
}

func newQuickSummaryHandler(app *Application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "start must be an RFC3339 timestamp")
			return
		}

		end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "end must be an RFC3339 timestamp")
			return
		}

		summary, err := app.Aggregates.QuickSummary(r.URL.Query().Get("classroom"), start, end)
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}

		respondWithJSON(w, http.StatusOK, summary)
	}
}

func newReviewTicketsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		db, err := database.GetFromContext(r.Context())
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}

		tickets, err := db.GetReviewTickets(r.URL.Query().Get("status"))
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}

		respondWithJSON(w, http.StatusOK, tickets)
	}
}

func newRunJobHandler(app *Application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")

		if name == JobReconciliation {
			// run synchronously so the caller gets the stats back
			stats, err := app.Reconciler.Run()
			if err != nil {
				if errors.Is(err, reconcile.ErrAlreadyRunning) {
					respondWithError(w, http.StatusConflict, err.Error())
					return
				}
				respondWithError(w, http.StatusInternalServerError, err.Error())
				return
			}
			respondWithJSON(w, http.StatusOK, stats)
			return
		}

		if err := app.Scheduler.RunNow(name); err != nil {
			respondWithError(w, http.StatusNotFound, err.Error())
			return
		}

		respondWithJSON(w, http.StatusOK, map[string]string{"job": name, "status": "completed"})
	}
}
