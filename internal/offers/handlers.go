package offers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/midswap/midswap/internal/escrow"
	"github.com/midswap/midswap/internal/logging"
	"github.com/midswap/midswap/internal/offerlock"
	"github.com/midswap/midswap/internal/sigauth"
	"github.com/midswap/midswap/internal/store"
	"github.com/midswap/midswap/internal/validation"
)

// Handler exposes the offer lifecycle over HTTP. Every mutating route
// demands a fresh wallet signature; the signature is burned only after
// the operation succeeds, so a failed attempt can be resubmitted.
type Handler struct {
	svc   *Service
	guard *sigauth.Guard
}

func NewHandler(svc *Service, guard *sigauth.Guard) *Handler {
	return &Handler{svc: svc, guard: guard}
}

// RegisterRoutes mounts the offer endpoints on g.
func (h *Handler) RegisterRoutes(g *gin.RouterGroup) {
	g.POST("/offers", h.create)
	g.GET("/offers", h.list)

	withID := g.Group("/offers/:id", validation.OfferIDParamMiddleware())
	withID.GET("", h.get)
	withID.POST("/accept", h.accept)
	withID.POST("/cancel", h.cancel)
	withID.POST("/decline", h.decline)
	withID.POST("/retry-release", h.retryRelease)
}

type createOfferRequest struct {
	Initiator         string   `json:"initiator" binding:"required"`
	Receiver          string   `json:"receiver" binding:"required"`
	InitiatorAssets   []string `json:"initiatorAssets"`
	ReceiverAssets    []string `json:"receiverAssets"`
	InitiatorLamports uint64   `json:"initiatorLamports"`
	ReceiverLamports  uint64   `json:"receiverLamports"`
	DepositSignature  string   `json:"depositSignature" binding:"required"`
	Signature         string   `json:"signature" binding:"required"`
	Timestamp         int64    `json:"timestamp" binding:"required"`
}

// signedRequest is the shared body for accept/cancel/decline/retry.
type signedRequest struct {
	Wallet           string `json:"wallet" binding:"required"`
	DepositSignature string `json:"depositSignature"`
	Signature        string `json:"signature" binding:"required"`
	Timestamp        int64  `json:"timestamp" binding:"required"`
}

func (h *Handler) create(c *gin.Context) {
	var req createOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("initiator", req.Initiator),
		validation.ValidAddress("receiver", req.Receiver),
		validation.ValidSignature("depositSignature", req.DepositSignature),
	); len(errs) > 0 {
		badRequest(c, errs.Error())
		return
	}
	for _, mint := range append(append([]string{}, req.InitiatorAssets...), req.ReceiverAssets...) {
		if !validation.IsValidAddress(mint) {
			badRequest(c, "invalid asset mint: "+mint)
			return
		}
	}

	msg := sigauth.CreateOfferMessage(req.Initiator, req.Receiver, req.Timestamp)
	if err := h.guard.Verify(c.Request.Context(), req.Initiator, req.Signature, msg, req.Timestamp); err != nil {
		h.writeError(c, err)
		return
	}

	offer, err := h.svc.Create(c.Request.Context(), CreateRequest{
		Initiator:         req.Initiator,
		Receiver:          req.Receiver,
		InitiatorAssets:   toAssets(req.InitiatorAssets),
		ReceiverAssets:    toAssets(req.ReceiverAssets),
		InitiatorLamports: req.InitiatorLamports,
		ReceiverLamports:  req.ReceiverLamports,
		DepositSignature:  req.DepositSignature,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.burn(c.Request.Context(), req.Signature)
	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

func (h *Handler) get(c *gin.Context) {
	offer, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

func (h *Handler) list(c *gin.Context) {
	wallet := c.Query("wallet")
	if !validation.IsValidAddress(wallet) {
		badRequest(c, "wallet query parameter must be a valid address")
		return
	}
	offers, err := h.svc.ListByWallet(c.Request.Context(), wallet, 50)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

func (h *Handler) accept(c *gin.Context) {
	req, ok := h.bindSigned(c, sigauth.AcceptOfferMessage)
	if !ok {
		return
	}
	if !validation.IsValidSignature(req.DepositSignature) {
		badRequest(c, "depositSignature must be a valid transaction signature")
		return
	}

	offer, err := h.svc.Accept(c.Request.Context(), c.Param("id"), req.Wallet, req.DepositSignature)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.burn(c.Request.Context(), req.Signature)
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

func (h *Handler) cancel(c *gin.Context) {
	h.finalize(c, sigauth.CancelOfferMessage, false)
}

func (h *Handler) decline(c *gin.Context) {
	h.finalize(c, sigauth.DeclineOfferMessage, true)
}

func (h *Handler) finalize(c *gin.Context, message func(string, int64) string, decline bool) {
	req, ok := h.bindSigned(c, message)
	if !ok {
		return
	}
	offer, err := h.svc.Cancel(c.Request.Context(), c.Param("id"), req.Wallet, decline)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.burn(c.Request.Context(), req.Signature)
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

func (h *Handler) retryRelease(c *gin.Context) {
	req, ok := h.bindSigned(c, sigauth.RetryReleaseMessage)
	if !ok {
		return
	}
	offer, err := h.svc.RetryRelease(c.Request.Context(), c.Param("id"), req.Wallet)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.burn(c.Request.Context(), req.Signature)
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// bindSigned parses the shared signed body and verifies the wallet
// signature over the per-operation message.
func (h *Handler) bindSigned(c *gin.Context, message func(offerID string, timestampMs int64) string) (*signedRequest, bool) {
	var req signedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return nil, false
	}
	if !validation.IsValidAddress(req.Wallet) {
		badRequest(c, "wallet must be a valid address")
		return nil, false
	}

	msg := message(c.Param("id"), req.Timestamp)
	if err := h.guard.Verify(c.Request.Context(), req.Wallet, req.Signature, msg, req.Timestamp); err != nil {
		h.writeError(c, err)
		return nil, false
	}
	return &req, true
}

// burn marks a wallet signature consumed after the operation it
// authorized succeeded.
func (h *Handler) burn(ctx context.Context, signature string) {
	if err := h.guard.MarkUsed(ctx, signature); err != nil {
		logging.L(ctx).Warn("failed to mark signature used", "error", err)
	}
}

func toAssets(mints []string) []store.Asset {
	assets := make([]store.Asset, 0, len(mints))
	for _, m := range mints {
		assets = append(assets, store.Asset{Mint: m})
	}
	return assets
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrOfferNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sigauth.ErrBadSignature),
		errors.Is(err, sigauth.ErrBadWallet),
		errors.Is(err, sigauth.ErrStaleMessage),
		errors.Is(err, sigauth.ErrFutureMessage),
		errors.Is(err, sigauth.ErrReplayed):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrNotReceiver),
		errors.Is(err, ErrNotInitiator),
		errors.Is(err, ErrNotParticipant):
		status = http.StatusForbidden
	case errors.Is(err, offerlock.ErrLockHeld),
		errors.Is(err, escrow.ErrTxClaimed),
		errors.Is(err, ErrNotPending),
		errors.Is(err, ErrNotEscrowed),
		errors.Is(err, ErrOfferExpired):
		status = http.StatusConflict
	case errors.Is(err, ErrSelfTrade),
		errors.Is(err, ErrEmptyTrade),
		errors.Is(err, ErrTooManyAssets),
		errors.Is(err, ErrTooMuchSol),
		errors.Is(err, ErrTooManyActive),
		errors.Is(err, escrow.ErrDepositNotFound),
		errors.Is(err, escrow.ErrDepositFailed),
		errors.Is(err, escrow.ErrDepositMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, escrow.ErrConfirmTimeout):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
