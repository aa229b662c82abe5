package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/LJTian/NewsHub/internal/aggregator"
	"github.com/LJTian/NewsHub/internal/collector"
	"github.com/LJTian/NewsHub/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type NewsService interface {
	AggregateRaw(ctx context.Context, category, region, date, target string) (*aggregator.Result, error)
}

type Directory interface {
	Fetch(ctx context.Context) ([]collector.Agency, error)
}

// History 查询记录存储，可以为 nil
type History interface {
	SaveRun(ctx context.Context, run *storage.QueryRun) error
	ListRuns(ctx context.Context, limit int) ([]storage.QueryRun, error)
	ListAgencyStatus(ctx context.Context) ([]storage.AgencyStatus, error)
	RecordAgencies(ctx context.Context, agencies []collector.Agency) error
}

type Server struct {
	news      NewsService
	directory Directory
	history   History
	metrics   http.Handler
	logger    *zap.Logger
}

func NewServer(news NewsService, directory Directory, history History, metrics http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{news: news, directory: directory, history: history, metrics: metrics, logger: logger}
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/agencies", s.listAgencies)
		v1.GET("/agencies/status", s.agencyStatus)
		v1.GET("/news", s.listNews)
		v1.GET("/runs", s.listRuns)
	}
}

type blockView struct {
	Code    string            `json:"code"`
	Name    string            `json:"name"`
	OK      bool              `json:"ok"`
	Error   string            `json:"error,omitempty"`
	Stories []collector.Story `json:"stories"`
}

type newsView struct {
	Text       string      `json:"text"`
	Total      int         `json:"total"`
	Dispatched int         `json:"dispatched"`
	Capped     bool        `json:"capped"`
	Blocks     []blockView `json:"blocks"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listAgencies(c *gin.Context) {
	agencies, err := s.directory.Fetch(c.Request.Context())
	if err != nil {
		s.logger.Warn("list agencies failed", zap.Error(err))
		fail(c, http.StatusBadGateway, "directory_unavailable", "directory service unavailable")
		return
	}
	if s.history != nil {
		if err := s.history.RecordAgencies(c.Request.Context(), agencies); err != nil {
			s.logger.Warn("record agencies failed", zap.Error(err))
		}
	}
	ok(c, agencies)
}

func (s *Server) agencyStatus(c *gin.Context) {
	if s.history == nil {
		ok(c, []storage.AgencyStatus{})
		return
	}
	list, err := s.history.ListAgencyStatus(c.Request.Context())
	if err != nil {
		s.logger.Error("list agency status failed", zap.Error(err))
		internalError(c)
		return
	}
	ok(c, list)
}

func (s *Server) listNews(c *gin.Context) {
	cat := c.DefaultQuery("cat", collector.Wildcard)
	reg := c.DefaultQuery("reg", collector.Wildcard)
	date := c.DefaultQuery("date", collector.Wildcard)
	target := aggregator.NormalizeTarget(c.Query("id"))

	start := time.Now()
	res, err := s.news.AggregateRaw(c.Request.Context(), cat, reg, date, target)
	switch {
	case err == nil:
	case errors.Is(err, collector.ErrInvalidFilter):
		fail(c, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	case errors.Is(err, aggregator.ErrAgencyNotFound):
		fail(c, http.StatusNotFound, "agency_not_found", err.Error())
		return
	case errors.Is(err, aggregator.ErrNotLoggedIn):
		fail(c, http.StatusUnauthorized, "not_logged_in", err.Error())
		return
	default:
		s.logger.Error("aggregate failed", zap.Error(err))
		internalError(c)
		return
	}

	if s.history != nil {
		// 参数已通过校验，这里不会失败
		filters, _ := collector.NewFilterCriteria(cat, reg, date)
		run, err := storage.RunFromResult(filters, target, "api", res, time.Since(start))
		if err == nil {
			err = s.history.SaveRun(c.Request.Context(), run)
		}
		if err != nil {
			s.logger.Warn("save run failed", zap.Error(err))
		}
	}

	view := newsView{
		Text:       res.String(),
		Total:      res.Total,
		Dispatched: res.Dispatched,
		Capped:     res.Capped,
		Blocks:     make([]blockView, 0, len(res.Blocks)),
	}
	for _, b := range res.Blocks {
		bv := blockView{Code: b.Agency.Code, Name: b.Agency.Name, OK: b.OK(), Stories: b.Stories}
		if b.Err != nil {
			bv.Error = b.Err.Error()
		}
		if bv.Stories == nil {
			bv.Stories = []collector.Story{}
		}
		view.Blocks = append(view.Blocks, bv)
	}
	ok(c, view)
}

func (s *Server) listRuns(c *gin.Context) {
	if s.history == nil {
		ok(c, []storage.QueryRun{})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	runs, err := s.history.ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		internalError(c)
		return
	}
	ok(c, runs)
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    "ok",
		"message": "success",
		"data":    data,
	})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"code":    code,
		"message": message,
	})
}

func internalError(c *gin.Context) {
	fail(c, http.StatusInternalServerError, "internal_error", "internal server error")
}
