package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LJTian/NewsHub/internal/aggregator"
	"github.com/LJTian/NewsHub/internal/collector"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	runsCacheTTL     = 30 * time.Second
	defaultRunsLimit = 20
	maxRunsLimit     = 500
)

// QueryRun 一次聚合查询的记录。只保存条件与每个机构的结果概况，不保存新闻内容。
type QueryRun struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	Category   string         `gorm:"size:16" json:"category"`
	Region     string         `gorm:"size:16" json:"region"`
	Date       string         `gorm:"size:16" json:"date"`
	Target     string         `gorm:"size:64;index" json:"target"`
	Source     string         `gorm:"size:16;index" json:"source"` // cli / api / cron
	Dispatched int            `json:"dispatched"`
	Total      int            `json:"total"`
	Failed     int            `json:"failed"`
	Capped     bool           `json:"capped"`
	Outcomes   datatypes.JSON `json:"outcomes"`
	DurationMS int64          `json:"durationMs"`

	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

// AgencyOutcome 单个机构在一次查询中的结果概况
type AgencyOutcome struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Stories int    `json:"stories"`
	Error   string `json:"error,omitempty"`
}

// AgencyStatus 每个机构最近一次被查询的结果，仅用于观察联邦健康状况，不参与机构解析
type AgencyStatus struct {
	Code        string    `gorm:"primaryKey;size:64" json:"code"`
	Name        string    `gorm:"size:128" json:"name"`
	BaseURL     string    `gorm:"size:256" json:"baseUrl"`
	Status      string    `gorm:"size:32;index" json:"status"` // ok / failing
	LastError   string    `gorm:"size:512" json:"lastError"`
	LastStories int       `json:"lastStories"`
	CheckedAt   time.Time `gorm:"index" json:"checkedAt"`
}

type Store struct {
	DB     *gorm.DB
	Redis  *redis.Client
	logger *zap.Logger
}

// Dialector 根据 DSN 选择驱动：sqlite://path、file:、:memory: 走 sqlite，其余按 postgres 处理
func Dialector(dsn string) (gorm.Dialector, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return nil, errors.New("storage: empty dsn")
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), nil
	case strings.HasPrefix(dsn, "file:"), dsn == ":memory:", strings.HasSuffix(dsn, ".db"):
		return sqlite.Open(dsn), nil
	default:
		return postgres.Open(dsn), nil
	}
}

func NewStore(dsn, redisAddr string, log *zap.Logger) (*Store, error) {
	dialector, err := Dialector(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	var rdb *redis.Client
	if redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			if log != nil {
				log.Warn("redis ping failed, runs cache disabled", zap.Error(err))
			}
			_ = rdb.Close()
			rdb = nil
		}
	}
	return NewStoreWithClients(db, rdb, log)
}

// NewStoreWithClients 使用已有连接，rdb 可以为 nil
func NewStoreWithClients(db *gorm.DB, rdb *redis.Client, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := db.AutoMigrate(&QueryRun{}, &AgencyStatus{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{DB: db, Redis: rdb, logger: log}, nil
}

func (s *Store) Close() error {
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RunFromResult 由聚合结果生成一条记录，不包含新闻内容
func RunFromResult(filters collector.FilterCriteria, target, source string, res *aggregator.Result, took time.Duration) (*QueryRun, error) {
	outcomes := make([]AgencyOutcome, 0, len(res.Blocks))
	for _, b := range res.Blocks {
		o := AgencyOutcome{Code: b.Agency.Code, Name: b.Agency.Name, OK: b.OK(), Stories: len(b.Stories)}
		if b.Err != nil {
			o.Error = b.Err.Error()
		}
		outcomes = append(outcomes, o)
	}
	raw, err := json.Marshal(outcomes)
	if err != nil {
		return nil, fmt.Errorf("storage: encode outcomes: %w", err)
	}

	return &QueryRun{
		ID:         uuid.NewString(),
		Category:   filters.Category(),
		Region:     filters.Region(),
		Date:       filters.Date(),
		Target:     target,
		Source:     source,
		Dispatched: res.Dispatched,
		Total:      res.Total,
		Failed:     res.Failed(),
		Capped:     res.Capped,
		Outcomes:   datatypes.JSON(raw),
		DurationMS: took.Milliseconds(),
	}, nil
}

func (r QueryRun) AgencyOutcomes() ([]AgencyOutcome, error) {
	var out []AgencyOutcome
	if len(r.Outcomes) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.Outcomes, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveRun 写入一条查询记录，并更新涉及机构的最近状态
func (s *Store) SaveRun(ctx context.Context, run *QueryRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	outcomes, err := run.AgencyOutcomes()
	if err != nil {
		return fmt.Errorf("storage: decode outcomes: %w", err)
	}

	now := time.Now()
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if len(outcomes) == 0 {
			return nil
		}
		statuses := make([]AgencyStatus, 0, len(outcomes))
		for _, o := range outcomes {
			st := AgencyStatus{Code: o.Code, Name: o.Name, Status: "ok", LastStories: o.Stories, CheckedAt: now}
			if !o.OK {
				st.Status = "failing"
				st.LastError = truncate(o.Error, 512)
			}
			statuses = append(statuses, st)
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "status", "last_error", "last_stories", "checked_at"}),
		}).Create(&statuses).Error
	})
}

// RecordAgencies 记录目录中机构的地址，不改变其状态
func (s *Store) RecordAgencies(ctx context.Context, agencies []collector.Agency) error {
	for _, a := range agencies {
		st := AgencyStatus{Code: a.Code, Name: a.Name, BaseURL: a.URL}
		err := s.DB.WithContext(ctx).
			Where(AgencyStatus{Code: a.Code}).
			Assign(map[string]any{"name": a.Name, "base_url": a.URL}).
			FirstOrCreate(&st).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// ListRuns 按时间倒序返回最近的查询记录，并使用 Redis 做简单缓存。
// 写入时不主动删除缓存，依赖短 TTL 自然过期。
func (s *Store) ListRuns(ctx context.Context, limit int) ([]QueryRun, error) {
	if limit <= 0 || limit > maxRunsLimit {
		limit = defaultRunsLimit
	}
	cacheKey := fmt.Sprintf("newshub:runs:%d", limit)

	if s.Redis != nil {
		if bs, err := s.Redis.Get(ctx, cacheKey).Bytes(); err == nil {
			var cached []QueryRun
			if err := json.Unmarshal(bs, &cached); err == nil {
				return cached, nil
			}
		}
	}

	var list []QueryRun
	if err := s.DB.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&list).Error; err != nil {
		return nil, err
	}

	if s.Redis != nil && len(list) > 0 {
		if bs, err := json.Marshal(list); err == nil {
			if err := s.Redis.Set(ctx, cacheKey, bs, runsCacheTTL).Err(); err != nil {
				s.logger.Debug("cache runs failed", zap.Error(err))
			}
		}
	}
	return list, nil
}

func (s *Store) ListAgencyStatus(ctx context.Context) ([]AgencyStatus, error) {
	var list []AgencyStatus
	err := s.DB.WithContext(ctx).Order("code ASC").Find(&list).Error
	return list, err
}

func truncate(s string, limit int) string {
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit])
}
