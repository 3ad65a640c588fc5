// @title           optcore operator API
// @version         1.0
// @description     Operator surface of the options execution engine: book, regime, queue, safety controls and decision journal.

// @BasePath  /api/v1

package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"optcore/internal/application/service/pipeline"
	appsafety "optcore/internal/application/service/safety"
	"optcore/internal/domain/entity/command"
	domaininstruments "optcore/internal/domain/entity/instruments"
	domainmarketdata "optcore/internal/domain/entity/marketdata"
	"optcore/internal/domain/entity/position"
	"optcore/internal/domain/entity/regime"
	safetystate "optcore/internal/domain/entity/safety"
	"optcore/internal/domain/entity/signal"
	"optcore/internal/domain/interfaces"
	"optcore/internal/infrastructure/journal"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	apiBasePath       = "/api/v1"
	defaultListLimit  = 50
	maxListLimit      = 500
	defaultKillReason = "operator request"
)

var (
	errMissingSymbol  = errors.New("symbol is required")
	errMissingRange   = errors.New("from/to query params required")
	errJournalOff     = errors.New("journal is disabled")
	errSignalRefused  = errors.New("signal refused: invalid or inbox full")
	errAlreadyActive  = errors.New("kill switch already active")
	errNotActive      = errors.New("kill switch is not active")
	errMissingKey     = errors.New("position key is required")
	errInvalidCommand = errors.New("invalid command id")
)

type PositionsReader interface {
	ReadSnapshot() position.Snapshot
}

type RegimeReader interface {
	Current() regime.Snapshot
}

type QueueReader interface {
	Stats(ctx context.Context) (map[command.Status]int64, error)
	DeadLetters(ctx context.Context, limit int) ([]command.Command, error)
	Get(ctx context.Context, id int64) (*command.Command, error)
}

type KillSwitch interface {
	State() appsafety.KillState
	Activate(ctx context.Context, reason string) bool
	Resume(ctx context.Context) bool
}

type SupervisorReader interface {
	LastStatus() safetystate.Status
	Agents() []appsafety.AgentStatus
	Paused() bool
}

type PositionCloser interface {
	ForceClose(ctx context.Context, key string) error
}

type SignalPipeline interface {
	Submit(sig signal.Signal) bool
	Pending() int
	Dropped() int
	LastReport() pipeline.CycleReport
}

type Catalog interface {
	GetContract(ctx context.Context, symbol string) (*domaininstruments.Contract, error)
	Chain(ctx context.Context, underlying string) ([]domaininstruments.Contract, error)
	UpsertContract(ctx context.Context, contract *domaininstruments.Contract) error
	DeleteContract(ctx context.Context, symbol string) error
}

type HistoryReader interface {
	History(ctx context.Context, symbol string, intervalSeconds int64, from, to time.Time) ([]domainmarketdata.Candle, error)
}

type JournalReader interface {
	RecentDecisions(ctx context.Context, limit int) ([]journal.RouteDecisionModel, error)
	SizingForSignal(ctx context.Context, signalID string) ([]journal.SizingResultModel, error)
	RecentEvents(ctx context.Context, kind string, limit int) ([]journal.EventModel, error)
}

type FreshnessReader interface {
	Ages() map[string]time.Duration
}

// Deps wires the handler. Journal, Metrics, Hub and Cache are optional.
type Deps struct {
	Book       PositionsReader
	Regime     RegimeReader
	Queue      QueueReader
	Kill       KillSwitch
	Supervisor SupervisorReader
	Closer     PositionCloser
	Pipeline   SignalPipeline
	Catalog    Catalog
	History    HistoryReader
	Freshness  FreshnessReader
	Journal    JournalReader
	Metrics    http.Handler
	Hub        *Hub
	Cache      *redis.Client
	CacheTTL   time.Duration
}

type Handler struct {
	router *gin.Engine
	deps   Deps
}

func NewHandler(deps Deps) *Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	h := &Handler{router: router, deps: deps}
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/health", h.health)
	if h.deps.Metrics != nil {
		h.router.GET("/metrics", gin.WrapH(h.deps.Metrics))
	}
	if h.deps.Hub != nil {
		h.router.GET("/ws", gin.WrapF(h.deps.Hub.ServeWS))
	}

	api := h.router.Group(apiBasePath)
	{
		api.GET("/positions", h.getPositions)
		api.POST("/positions/close", h.closePosition)
		api.GET("/regime", h.getRegime)
		api.GET("/freshness", h.getFreshness)

		queue := api.Group("/queue")
		{
			queue.GET("/stats", h.getQueueStats)
			queue.GET("/dead-letters", h.getDeadLetters)
			queue.GET("/commands/:id", h.getCommand)
		}

		safety := api.Group("/safety")
		{
			safety.GET("/status", h.getSafetyStatus)
			safety.POST("/kill", h.postKill)
			safety.POST("/resume", h.postResume)
		}

		api.POST("/signals", h.postSignal)
		api.GET("/pipeline", h.getPipeline)

		journalGroup := api.Group("/journal")
		{
			journalGroup.GET("/decisions", h.getDecisions)
			journalGroup.GET("/sizing/:signal_id", h.getSizing)
			journalGroup.GET("/events", h.getEvents)
		}

		cached := api.Group("")
		if h.deps.Cache != nil {
			cached.Use(h.cacheMiddleware())
		}
		{
			cached.GET("/instruments", h.listInstruments)
			cached.GET("/instruments/:symbol", h.getInstrument)
			cached.GET("/marketdata/candles", h.getCandles)
		}
		api.PUT("/instruments", h.putInstrument)
		api.DELETE("/instruments/:symbol", h.deleteInstrument)
	}
}

// health reports liveness plus the halt state
// @Summary      Health
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.deps.Kill != nil {
		body["kill_switch"] = h.deps.Kill.State().Active
	}
	if h.deps.Supervisor != nil {
		body["paused"] = h.deps.Supervisor.Paused()
	}
	c.JSON(http.StatusOK, body)
}

// getPositions returns the current book snapshot with aggregate exposure
// @Summary      Positions
// @Tags         positions
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /positions [get]
func (h *Handler) getPositions(c *gin.Context) {
	snap := h.deps.Book.ReadSnapshot()
	exp := snap.Exposure()
	c.JSON(http.StatusOK, gin.H{
		"snapshot": snap,
		"exposure": gin.H{
			"gross_notional":    exp.GrossNotional,
			"total_margin":      exp.TotalMargin,
			"underlying_margin": exp.UnderlyingMargin,
			"sector_margin":     exp.SectorMargin,
			"open_positions":    exp.OpenPositions,
			"total_pnl":         exp.TotalPnL,
		},
	})
}

type closePayload struct {
	Key string `json:"key"`
}

// closePosition flattens one position at market
// @Summary      Force close position
// @Tags         positions
// @Accept       json
// @Produce      json
// @Param        body  body  closePayload  true  "Position key (instrument|strategy)"
// @Success      202   "Accepted"
// @Failure      400   {object}  map[string]string
// @Failure      404   {object}  map[string]string
// @Router       /positions/close [post]
func (h *Handler) closePosition(c *gin.Context) {
	var payload closePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if payload.Key == "" {
		writeError(c, http.StatusBadRequest, errMissingKey)
		return
	}
	if _, ok := h.deps.Book.ReadSnapshot().Positions[payload.Key]; !ok {
		writeError(c, http.StatusNotFound, fmt.Errorf("position %s: %w", payload.Key, interfaces.ErrNotFound))
		return
	}
	if err := h.deps.Closer.ForceClose(c.Request.Context(), payload.Key); err != nil {
		writeError(c, http.StatusBadGateway, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) getRegime(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Regime.Current())
}

func (h *Handler) getFreshness(c *gin.Context) {
	ages := h.deps.Freshness.Ages()
	out := make(map[string]float64, len(ages))
	for k, v := range ages {
		out[k] = v.Seconds()
	}
	c.JSON(http.StatusOK, gin.H{"age_seconds": out})
}

// Queue handlers

func (h *Handler) getQueueStats(c *gin.Context) {
	stats, err := h.deps.Queue.Stats(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// getDeadLetters lists commands that exhausted their retries
// @Summary      Dead letters
// @Tags         queue
// @Produce      json
// @Param        limit  query  int  false  "Max rows (default 50)"
// @Success      200    {array}  command.Command
// @Router       /queue/dead-letters [get]
func (h *Handler) getDeadLetters(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	rows, err := h.deps.Queue.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *Handler) getCommand(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusBadRequest, errInvalidCommand)
		return
	}
	cmd, err := h.deps.Queue.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

// Safety handlers

func (h *Handler) getSafetyStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"kill_switch": h.deps.Kill.State(),
		"breakers":    h.deps.Supervisor.LastStatus(),
		"agents":      h.deps.Supervisor.Agents(),
		"paused":      h.deps.Supervisor.Paused(),
	})
}

type killPayload struct {
	Reason string `json:"reason"`
}

// postKill engages the kill switch
// @Summary      Activate kill switch
// @Tags         safety
// @Accept       json
// @Produce      json
// @Param        body  body  killPayload  false  "Reason"
// @Success      202   {object}  appsafety.KillState
// @Failure      409   {object}  map[string]string
// @Router       /safety/kill [post]
func (h *Handler) postKill(c *gin.Context) {
	var payload killPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			writeError(c, http.StatusBadRequest, err)
			return
		}
	}
	if payload.Reason == "" {
		payload.Reason = defaultKillReason
	}
	if !h.deps.Kill.Activate(context.WithoutCancel(c.Request.Context()), payload.Reason) {
		writeError(c, http.StatusConflict, errAlreadyActive)
		return
	}
	c.JSON(http.StatusAccepted, h.deps.Kill.State())
}

func (h *Handler) postResume(c *gin.Context) {
	if !h.deps.Kill.Resume(context.WithoutCancel(c.Request.Context())) {
		writeError(c, http.StatusConflict, errNotActive)
		return
	}
	c.JSON(http.StatusOK, h.deps.Kill.State())
}

// Pipeline handlers

// postSignal injects a manual signal into the next pipeline cycle
// @Summary      Submit signal
// @Tags         pipeline
// @Accept       json
// @Produce      json
// @Param        signal  body  signal.Signal  true  "Signal"
// @Success      202     "Accepted"
// @Failure      400     {object}  map[string]string
// @Failure      422     {object}  map[string]string
// @Router       /signals [post]
func (h *Handler) postSignal(c *gin.Context) {
	var sig signal.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	if !h.deps.Pipeline.Submit(sig) {
		writeError(c, http.StatusUnprocessableEntity, errSignalRefused)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"signal_id": sig.ID, "pending": h.deps.Pipeline.Pending()})
}

func (h *Handler) getPipeline(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pending":     h.deps.Pipeline.Pending(),
		"dropped":     h.deps.Pipeline.Dropped(),
		"last_report": h.deps.Pipeline.LastReport(),
	})
}

// Journal handlers

func (h *Handler) getDecisions(c *gin.Context) {
	if h.deps.Journal == nil {
		writeError(c, http.StatusServiceUnavailable, errJournalOff)
		return
	}
	limit, err := parseLimit(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	rows, err := h.deps.Journal.RecentDecisions(c.Request.Context(), limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *Handler) getSizing(c *gin.Context) {
	if h.deps.Journal == nil {
		writeError(c, http.StatusServiceUnavailable, errJournalOff)
		return
	}
	rows, err := h.deps.Journal.SizingForSignal(c.Request.Context(), c.Param("signal_id"))
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, r := range rows {
		out = append(out, gin.H{"result": r, "steps": rawJSON(r.Steps)})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) getEvents(c *gin.Context) {
	if h.deps.Journal == nil {
		writeError(c, http.StatusServiceUnavailable, errJournalOff)
		return
	}
	limit, err := parseLimit(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	rows, err := h.deps.Journal.RecentEvents(c.Request.Context(), c.Query("kind"), limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, r := range rows {
		out = append(out, gin.H{"event": r, "attributes": rawJSON(r.Attributes)})
	}
	c.JSON(http.StatusOK, out)
}

// Instruments handlers

// listInstruments returns an underlying and its derivatives
// @Summary      Option chain
// @Tags         instruments
// @Produce      json
// @Param        underlying  query  string  true  "Underlying symbol"
// @Success      200  {array}  domaininstruments.Contract
// @Router       /instruments [get]
func (h *Handler) listInstruments(c *gin.Context) {
	underlying := c.Query("underlying")
	if underlying == "" {
		writeError(c, http.StatusBadRequest, errMissingSymbol)
		return
	}
	rows, err := h.deps.Catalog.Chain(c.Request.Context(), underlying)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *Handler) getInstrument(c *gin.Context) {
	contract, err := h.deps.Catalog.GetContract(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

// putInstrument creates or replaces a contract
// @Summary      Upsert contract
// @Tags         instruments
// @Accept       json
// @Produce      json
// @Param        contract  body  domaininstruments.Contract  true  "Contract"
// @Success      200  {object}  domaininstruments.Contract
// @Failure      400  {object}  map[string]string
// @Router       /instruments [put]
func (h *Handler) putInstrument(c *gin.Context) {
	var contract domaininstruments.Contract
	if err := c.ShouldBindJSON(&contract); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := contract.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := h.deps.Catalog.UpsertContract(c.Request.Context(), &contract); err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func (h *Handler) deleteInstrument(c *gin.Context) {
	if err := h.deps.Catalog.DeleteContract(c.Request.Context(), c.Param("symbol")); err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Market data handlers

// getCandles returns archived bars in a time range
// @Summary      Candle history
// @Tags         marketdata
// @Produce      json
// @Param        symbol    query  string  true  "Symbol"
// @Param        interval  query  int     true  "Bar interval in seconds"
// @Param        from      query  string  true  "RFC3339 start"
// @Param        to        query  string  true  "RFC3339 end"
// @Success      200  {array}  domainmarketdata.Candle
// @Router       /marketdata/candles [get]
func (h *Handler) getCandles(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		writeError(c, http.StatusBadRequest, errMissingSymbol)
		return
	}
	interval, err := parseInt64Query(c, "interval")
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	from, to, err := parseTimeRange(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	candles, err := h.deps.History.History(c.Request.Context(), symbol, interval, from, to)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, candles)
}

func statusFor(err error) int {
	if errors.Is(err, interfaces.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, status int, err error) {
	if err == nil {
		status = http.StatusInternalServerError
		err = errors.New("unknown error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// cacheMiddleware caches GET responses in Redis.
func (h *Handler) cacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.deps.Cache == nil || c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := h.cacheKey(c)
		ctx := c.Request.Context()

		if cached, err := h.deps.Cache.Get(ctx, key).Result(); err == nil {
			c.Data(http.StatusOK, "application/json", []byte(cached))
			c.Abort()
			return
		}

		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			status:         http.StatusOK,
			body:           &bytes.Buffer{},
		}
		c.Writer = recorder

		c.Next()

		if recorder.status >= 200 && recorder.status < 300 && recorder.body.Len() > 0 {
			_ = h.deps.Cache.Set(ctx, key, recorder.body.Bytes(), h.deps.CacheTTL).Err()
		}
	}
}

type responseRecorder struct {
	gin.ResponseWriter
	body   *bytes.Buffer
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if len(data) > 0 {
		r.body.Write(data)
	}
	return r.ResponseWriter.Write(data)
}

func (h *Handler) cacheKey(c *gin.Context) string {
	return fmt.Sprintf("cache:%s:%s?%s", c.Request.Method, c.Request.URL.Path, c.Request.URL.RawQuery)
}

func parseLimit(c *gin.Context) (int, error) {
	value := c.Query("limit")
	if value == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

func parseInt64Query(c *gin.Context, key string) (int64, error) {
	value := c.Query(key)
	if value == "" {
		return 0, fmt.Errorf("%s query param required", key)
	}
	return strconv.ParseInt(value, 10, 64)
}

func parseTimeRange(c *gin.Context) (time.Time, time.Time, error) {
	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return time.Time{}, time.Time{}, errMissingRange
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

// rawJSON passes stored JSONB through without re-decoding.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}
