package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"legion/internal/backtest"
	"legion/internal/decision"
	"legion/internal/ledger"
	"legion/internal/logger"
	"legion/internal/market"
)

// RunStarter 负责采集事实并初始化一次推演，由装配层实现。
type RunStarter interface {
	StartRun(ctx context.Context, symbol string) (*decision.Run, error)
}

// BandProvider 返回某标的当前时段与法定价格区间；
// 区间不可得时返回 market.ErrBandUnavailable，由上层降级为观察模式。
type BandProvider interface {
	Band(ctx context.Context, symbol string) (market.Session, market.PriceBand, error)
}

// Server 是外部触发面：薄 JSON 胶水，业务逻辑全部在核心包。
type Server struct {
	addr      string
	router    *gin.Engine
	starter   RunStarter
	ledger    *ledger.Ledger
	records   decision.RecordStore
	bands     BandProvider
	engine    *backtest.Engine
	watchlist []string

	runsMu sync.Mutex
	runs   map[string]*decision.Run // 手动单步推演的活动实例

	httpSrv *http.Server
}

// Config 描述 Server 依赖。
type Config struct {
	Addr      string
	Starter   RunStarter
	Ledger    *ledger.Ledger
	Records   decision.RecordStore
	Bands     BandProvider
	Engine    *backtest.Engine
	Watchlist []string
}

// NewServer 构建 HTTP Server。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Starter == nil {
		return nil, errors.New("run starter 不能为空")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("ledger 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s := &Server{
		addr:      cfg.Addr,
		router:    router,
		starter:   cfg.Starter,
		ledger:    cfg.Ledger,
		records:   cfg.Records,
		bands:     cfg.Bands,
		engine:    cfg.Engine,
		watchlist: cfg.Watchlist,
		runs:      map[string]*decision.Run{},
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")
	api.POST("/pipeline/run", s.handlePipelineRun)
	api.POST("/pipeline/step", s.handlePipelineStep)
	api.GET("/pipeline/records", s.handlePipelineRecords)
	api.POST("/trades", s.handleTrade)
	api.POST("/positions/:symbol/base-shares", s.handleBaseShares)
	api.GET("/positions", s.handlePositions)
	api.GET("/band/:symbol", s.handleBand)
	api.POST("/backtest", s.handleBacktest)
}

// Start 启动监听，阻塞直到服务退出。
func (s *Server) Start() error {
	s.httpSrv = &http.Server{Addr: s.addr, Handler: s.router}
	logger.Infof("HTTP 服务启动: %s", s.addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown 优雅关闭。
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler 暴露路由，测试用。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handlePipelineRun(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.starter.StartRun(c.Request.Context(), req.Symbol)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	rec, err := run.RunAll(c.Request.Context())
	if err != nil {
		// 残缺记录已落库，失败阶段随响应返回。
		var se *decision.StageError
		stage := decision.StageIdle
		if errors.As(err, &se) {
			stage = se.Stage
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  err.Error(),
			"stage":  stage,
			"record": rec,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

func (s *Server) handlePipelineStep(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol"`
		RunID  string `json:"run_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var run *decision.Run
	if req.RunID == "" {
		if req.Symbol == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "symbol 或 run_id 必须指定其一"})
			return
		}
		created, err := s.starter.StartRun(c.Request.Context(), req.Symbol)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		run = created
		s.runsMu.Lock()
		s.runs[run.Record().ID] = run
		s.runsMu.Unlock()
	} else {
		s.runsMu.Lock()
		run = s.runs[req.RunID]
		s.runsMu.Unlock()
		if run == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "推演实例不存在或已结束"})
			return
		}
	}

	stage, err := run.Next(c.Request.Context())
	rec := run.Record()
	if err != nil {
		s.dropRun(rec.ID)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "stage": stage, "record": rec})
		return
	}
	if stage == decision.StageDone {
		s.dropRun(rec.ID)
	}
	c.JSON(http.StatusOK, gin.H{"run_id": rec.ID, "stage": stage, "record": rec})
}

func (s *Server) dropRun(id string) {
	s.runsMu.Lock()
	delete(s.runs, id)
	s.runsMu.Unlock()
}

func (s *Server) handlePipelineRecords(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol 不能为空"})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}
	records, err := s.records.List(c.Request.Context(), symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) handleTrade(c *gin.Context) {
	var req struct {
		Symbol    string `json:"symbol" binding:"required"`
		Side      string `json:"side" binding:"required"`
		Quantity  int64  `json:"quantity" binding:"required"`
		Price     string `json:"price" binding:"required"`
		Timestamp string `json:"timestamp"` // RFC3339，缺省为当前时间；早于最新事件时走回插重放
		Note      string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price 非法: " + err.Error()})
		return
	}
	ts := time.Now()
	if req.Timestamp != "" {
		ts, err = time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timestamp 非法: " + err.Error()})
			return
		}
	}
	pos, err := s.ledger.ApplyTrade(c.Request.Context(), ledger.TradeEvent{
		Symbol:    req.Symbol,
		Timestamp: ts,
		Side:      ledger.Side(req.Side),
		Quantity:  req.Quantity,
		Price:     price,
		Note:      req.Note,
	})
	if err != nil {
		var ie *ledger.InvariantError
		if errors.As(err, &ie) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": pos})
}

func (s *Server) handleBaseShares(c *gin.Context) {
	var req struct {
		BaseShares *int64 `json:"base_shares" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pos, err := s.ledger.SetBaseShares(c.Request.Context(), c.Param("symbol"), *req.BaseShares)
	if err != nil {
		var ie *ledger.InvariantError
		if errors.As(err, &ie) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": pos})
}

func (s *Server) handlePositions(c *gin.Context) {
	symbols := s.watchlist
	if q := c.Query("symbol"); q != "" {
		symbols = []string{q}
	}
	out := make([]gin.H, 0, len(symbols))
	for _, sym := range symbols {
		pos, err := s.ledger.Position(c.Request.Context(), sym)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out = append(out, gin.H{
			"position":        pos,
			"tradable_shares": pos.TradableShares(),
			"effective_limit": pos.EffectiveLimit(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

func (s *Server) handleBand(c *gin.Context) {
	if s.bands == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "行情源未配置"})
		return
	}
	session, band, err := s.bands.Band(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		if errors.Is(err, market.ErrBandUnavailable) || errors.Is(err, market.ErrDataUnavailable) {
			// 失败关闭：区间不可得必须显式暴露，而不是编造数字。
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   err.Error(),
				"session": session,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session, "band": band})
}

func (s *Server) handleBacktest(c *gin.Context) {
	if s.engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "回测引擎未配置"})
		return
	}
	var req struct {
		Symbol         string   `json:"symbol" binding:"required"`
		From           string   `json:"from" binding:"required"`
		To             string   `json:"to" binding:"required"`
		Participants   []string `json:"participants"`
		InitialCapital float64  `json:"initial_capital"`
		AttachScores   bool     `json:"attach_scores"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	from, _, err := parseDayOrTime(req.From)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from 非法: " + err.Error()})
		return
	}
	to, dayOnly, err := parseDayOrTime(req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to 非法: " + err.Error()})
		return
	}
	// 纯日期的 to 含当天整日，否则 from==to 的单日回测区间为空
	if dayOnly {
		to = to.Add(24*time.Hour - time.Second)
	}
	result, err := s.engine.Run(c.Request.Context(), backtest.RunRequest{
		Symbol:         req.Symbol,
		From:           from,
		To:             to,
		Participants:   req.Participants,
		InitialCapital: req.InitialCapital,
		AttachScores:   req.AttachScores,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("必须为正数")
	}
	return n, nil
}

// parseDayOrTime 接受纯日期或 RFC3339 时间戳，第二个返回值标记纯日期。
func parseDayOrTime(v string) (time.Time, bool, error) {
	if t, err := time.ParseInLocation("2006-01-02", v, time.Local); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	return t, false, err
}
