package adminapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"chat-relay/internal/admin"
	"chat-relay/internal/analytics"
	"chat-relay/internal/audit"
	"chat-relay/internal/conversation"
	"chat-relay/internal/llm"
)

const defaultTurnsLimit = 50

type handlers struct {
	admin  *admin.Service
	store  conversation.Store
	audit  audit.Recorder
	models ModelLister
	log    zerolog.Logger
}

func (h *handlers) register(r *gin.RouterGroup) {
	r.GET("/config", h.getConfig)
	r.GET("/llm-config", h.getLLM)
	r.PUT("/llm-config", h.putLLM)
	r.GET("/llm-models", h.listModels)
	r.GET("/bot-config", h.getBot)
	r.PUT("/bot-config", h.putBot)

	r.GET("/channels", h.listChannels)
	r.POST("/channels", h.addChannel)
	r.DELETE("/channels/:channel_id", h.removeChannel)
	r.GET("/channels/check/:channel_id", h.checkChannel)

	r.GET("/blacklist", h.listBans)
	r.POST("/blacklist", h.ban)
	r.DELETE("/blacklist/:user_id", h.unban)

	r.GET("/sensitive-words", h.listWords)
	r.POST("/sensitive-words", h.addWord)
	r.DELETE("/sensitive-words/:word", h.removeWord)

	r.GET("/conversations/:key", h.getConversation)
	r.DELETE("/conversations/:key", h.resetConversation)
	r.GET("/stats", h.stats)
}

func maskedLLM(s admin.LLMSettings) admin.LLMSettings {
	s.APIKey = admin.MaskKey(s.APIKey)
	return s
}

func (h *handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, admin.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, admin.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, admin.ErrExists):
		status = http.StatusConflict
	case errors.Is(err, conversation.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		h.log.Error().Err(err).Str("route", c.FullPath()).Msg("admin request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (h *handlers) getConfig(c *gin.Context) {
	snap := h.admin.Snapshot()
	s := snap.Settings()
	c.JSON(http.StatusOK, gin.H{
		"version":         snap.Version(),
		"loaded_at":       snap.LoadedAt(),
		"llm":             maskedLLM(s.LLM),
		"bot":             s.Bot,
		"channels":        s.Channels,
		"blacklist":       s.Blacklist,
		"sensitive_words": s.SensitiveWords,
	})
}

func (h *handlers) getLLM(c *gin.Context) {
	c.JSON(http.StatusOK, maskedLLM(h.admin.Snapshot().LLM()))
}

// putLLM replaces the LLM settings. An omitted api_key keeps the stored one.
func (h *handlers) putLLM(c *gin.Context) {
	var req admin.LLMSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := h.admin.SetLLM(req)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info().Str("provider", req.Provider).Str("model", req.Model).Msg("llm settings updated")
	c.JSON(http.StatusOK, maskedLLM(snap.LLM()))
}

func (h *handlers) listModels(c *gin.Context) {
	if h.models == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "model listing not available"})
		return
	}
	cfg := llm.ConfigFromSettings(h.admin.Snapshot().LLM())
	models, err := h.models.ListModels(c.Request.Context(), cfg)
	if err != nil {
		h.log.Warn().Err(err).Str("provider", cfg.Provider).Msg("list models failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider did not return a model list"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": cfg.Provider, "models": models})
}

func (h *handlers) getBot(c *gin.Context) {
	c.JSON(http.StatusOK, h.admin.Snapshot().Bot())
}

func (h *handlers) putBot(c *gin.Context) {
	var req admin.BotSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := h.admin.SetBot(req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap.Bot())
}

func (h *handlers) listChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": h.admin.Snapshot().Channels()})
}

func (h *handlers) addChannel(c *gin.Context) {
	var req admin.Channel
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := h.admin.AddChannel(req)
	if err != nil {
		h.fail(c, err)
		return
	}
	ch, _ := snap.Channel(req.ChannelID)
	c.JSON(http.StatusCreated, ch)
}

func (h *handlers) removeChannel(c *gin.Context) {
	if _, err := h.admin.RemoveChannel(c.Param("channel_id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// checkChannel reports whether messages from a channel would pass the
// whitelist under the current settings.
func (h *handlers) checkChannel(c *gin.Context) {
	snap := h.admin.Snapshot()
	id := c.Param("channel_id")
	_, whitelisted := snap.Channel(id)
	allowed := whitelisted || (snap.WhitelistEmpty() && snap.Bot().OpenWhenEmpty)
	c.JSON(http.StatusOK, gin.H{
		"channel_id":  id,
		"whitelisted": whitelisted,
		"allowed":     allowed,
	})
}

type banRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Reason   string `json:"reason"`
	BannedBy string `json:"banned_by"`
	// DurationMinutes <= 0 bans permanently.
	DurationMinutes int `json:"duration_minutes"`
}

func (h *handlers) listBans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"blacklist": h.admin.Snapshot().Bans()})
}

func (h *handlers) ban(c *gin.Context) {
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := h.admin.BanUser(admin.Ban{
		UserID:   req.UserID,
		Username: req.Username,
		Reason:   req.Reason,
		BannedBy: req.BannedBy,
	}, time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		h.fail(c, err)
		return
	}
	ban, _ := snap.Ban(req.UserID)
	c.JSON(http.StatusCreated, ban)
}

func (h *handlers) unban(c *gin.Context) {
	if _, err := h.admin.UnbanUser(c.Param("user_id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) listWords(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sensitive_words": h.admin.Snapshot().Words()})
}

func (h *handlers) addWord(c *gin.Context) {
	var req struct {
		Word string `json:"word"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := h.admin.AddWord(req.Word)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sensitive_words": snap.Words()})
}

func (h *handlers) removeWord(c *gin.Context) {
	if _, err := h.admin.RemoveWord(c.Param("word")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) getConversation(c *gin.Context) {
	limit := defaultTurnsLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive number"})
			return
		}
		limit = n
	}
	key := conversation.ParseKey(c.Param("key"))
	turns, err := h.store.ReadRecent(c.Request.Context(), key, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if turns == nil {
		turns = []conversation.Turn{}
	}
	c.JSON(http.StatusOK, gin.H{"key": key.String(), "turns": turns})
}

func (h *handlers) resetConversation(c *gin.Context) {
	key := conversation.ParseKey(c.Param("key"))
	if err := h.store.Reset(c.Request.Context(), key); err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info().Str("conversation", key.String()).Msg("conversation reset")
	c.Status(http.StatusNoContent)
}

func (h *handlers) stats(c *gin.Context) {
	day := time.Now().UTC()
	if v := c.Query("date"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		day = parsed
	}
	events, err := h.audit.Load()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, analytics.AnalyzeDailyLogs(events, day))
}
