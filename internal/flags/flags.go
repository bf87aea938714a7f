package flags

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-core/pkg/response"
)

const (
	// ConcurrentMatcher enables partitioned concurrent matching
	ConcurrentMatcher = "concurrent_matcher_status"
	// MatchingEngine is the kill switch of the round scheduler
	MatchingEngine = "module_matching_engine"
)

// Setting is one runtime feature flag
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// IsEnabled reads a boolean flag, falling back to def when it is unset
func (s *Service) IsEnabled(ctx context.Context, key string, def bool) (bool, error) {
	var setting Setting
	err := s.db.WithContext(ctx).Where("`key` = ?", key).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return parseBool(setting.Value, def), nil
}

// Set upserts a flag value
func (s *Service) Set(ctx context.Context, key, value string) error {
	setting := Setting{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&setting).Error
	if err != nil {
		return err
	}

	log.Info().Str("component", "flags").Str("key", key).Str("value", value).Msg("setting updated")
	return nil
}

func (s *Service) List(ctx context.Context) ([]Setting, error) {
	var settings []Setting
	if err := s.db.WithContext(ctx).Order("`key`").Find(&settings).Error; err != nil {
		return nil, err
	}
	return settings, nil
}

func parseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "on", "enabled", "yes":
		return true
	case "0", "false", "off", "disabled", "no":
		return false
	}
	return def
}

type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) ListSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settings, err := h.service.List(c.Request.Context())
		response.Handle(c, settings, err)
	}
}

// SetSettingHandler handles PUT requests updating one flag
func (h *GinHandlers) SetSettingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Value string `json:"value" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		key := c.Param("key")
		if err := h.service.Set(c.Request.Context(), key, req.Value); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, Setting{Key: key, Value: req.Value})
	}
}
