package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/adrewards/pkg/reward"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const adminSecretHeader = "X-Admin-Secret"

// Run boots the HTTP facade around the reward service.
func Run(ctx context.Context, cfg Config, service *reward.Service, logger *zap.Logger) error {
	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}

	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rewardd listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", adminSecretHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/session", handler.handleIssueSession)
	api.POST("/credit", handler.handleCredit)
	api.GET("/callback", handler.handleCreditCallback)
	api.GET("/balance", handler.handleBalance)
	api.GET("/stats", handler.handleStats)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *reward.Service
	cfg     Config
}

type issueSessionRequest struct {
	DeviceID string `json:"device_id"`
}

type creditRequest struct {
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
}

func (handler *httpHandler) handleIssueSession(ctx *gin.Context) {
	var request issueSessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	deviceID, err := reward.NewDeviceID(request.DeviceID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("missing_device_id", "device_id is required"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	issued, err := handler.service.IssueSession(requestCtx, deviceID)
	if err != nil {
		handler.logger.Error("session issue failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "session issue failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"session_id":  issued.Token.String(),
		"ttl_seconds": issued.TTLSeconds,
	})
}

func (handler *httpHandler) handleCredit(ctx *gin.Context) {
	var request creditRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	deviceID, err := reward.NewDeviceID(request.DeviceID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("missing_device_id", "device_id is required"))
		return
	}
	token, err := reward.NewSessionToken(request.SessionID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("missing_session_id", "session_id is required"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	result, err := handler.service.Credit(requestCtx, deviceID, token, reward.SourceClient, creditMetadata(ctx))
	if err != nil {
		handler.respondCreditError(ctx, err)
		return
	}
	handler.respondCreditResult(ctx, result)
}

// handleCreditCallback serves the ad network's server-side verification ping.
// The response is an unconditional acknowledgment no matter what happens
// internally; anything else triggers the network's retry storm. Outcomes are
// only logged. The callback signature is not verified beyond parameter
// matching.
func (handler *httpHandler) handleCreditCallback(ctx *gin.Context) {
	defer ctx.String(http.StatusOK, "OK")

	deviceID, deviceErr := reward.NewDeviceID(ctx.Query("device_id"))
	token, tokenErr := reward.NewSessionToken(ctx.Query("session_id"))
	if deviceErr != nil || tokenErr != nil {
		handler.logger.Warn("callback with missing parameters",
			zap.String("device_id", ctx.Query("device_id")),
			zap.String("session_id", ctx.Query("session_id")))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	result, err := handler.service.Credit(requestCtx, deviceID, token, reward.SourceNetwork, creditMetadata(ctx))
	if err != nil {
		handler.logger.Warn("callback credit denied", zap.String("device_id", deviceID.String()), zap.Error(err))
		return
	}
	handler.logger.Info("callback credit processed",
		zap.String("device_id", deviceID.String()),
		zap.Int64("added", result.GrantedSats.Int64()),
		zap.Bool("duplicate", result.Duplicate))
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	deviceID, err := reward.NewDeviceID(ctx.Query("device_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("missing_device_id", "device_id is required"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	balance, err := handler.service.Balance(requestCtx, deviceID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"sats":            balance.Sats.Int64(),
		"today_rewards":   balance.TodayRewards,
		"daily_max":       balance.DailyCap,
		"sats_per_reward": balance.SatsPerReward.Int64(),
		"min_withdraw":    balance.MinWithdrawSats.Int64(),
	})
}

func (handler *httpHandler) handleStats(ctx *gin.Context) {
	if ctx.GetHeader(adminSecretHeader) != handler.cfg.AdminSecret {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing or invalid admin secret"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	stats, err := handler.service.Stats(requestCtx)
	if err != nil {
		handler.logger.Error("stats fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "stats unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"day":               stats.Day.String(),
		"users_total":       stats.UsersTotal,
		"rewards_today":     stats.RewardsToday,
		"sats_issued_today": stats.SatsIssuedToday.Int64(),
		"rewards_total":     stats.RewardsTotal,
		"sats_issued_total": stats.SatsIssuedTotal.Int64(),
	})
}

func (handler *httpHandler) respondCreditResult(ctx *gin.Context, result reward.CreditResult) {
	response := gin.H{
		"ok":    true,
		"added": result.GrantedSats.Int64(),
	}
	if result.Duplicate {
		response["duplicate"] = true
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) respondCreditError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, reward.ErrUnknownSession), errors.Is(err, reward.ErrSessionExpired):
		ctx.JSON(http.StatusForbidden, errorResponse("invalid_or_expired_session", "session is invalid or expired"))
	case errors.Is(err, reward.ErrDeviceMismatch):
		ctx.JSON(http.StatusForbidden, errorResponse("device_mismatch", "session belongs to another device"))
	case errors.Is(err, reward.ErrDailyCapReached):
		ctx.JSON(http.StatusTooManyRequests, errorResponse("quota_reached", "daily reward limit reached"))
	default:
		handler.logger.Error("credit failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "credit failed"))
	}
}

func creditMetadata(ctx *gin.Context) string {
	return marshalMetadata(map[string]string{
		"remote_addr": ctx.ClientIP(),
	})
}

func marshalMetadata(metadata any) string {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
