package transfer

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/fortressbank/transfers/internal/challenge"
	"github.com/fortressbank/transfers/internal/ledgerclient"
	"github.com/fortressbank/transfers/internal/logging"
	"github.com/fortressbank/transfers/internal/stripeclient"
)

// Handlers exposes the transfer saga over HTTP.
type Handlers struct {
	svc *Service
}

// NewHandlers creates the transfer handlers.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// userID returns the authenticated user set by the auth middleware.
func userID(c *gin.Context) string {
	return c.GetString("userID")
}

type createBody struct {
	Type              string `json:"type"`
	FromAccount       string `json:"fromAccount" binding:"required"`
	ToAccount         string `json:"toAccount" binding:"required"`
	Amount            string `json:"amount" binding:"required"`
	Description       string `json:"description"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

// Create handles POST /v1/transfers.
func (h *Handlers) Create(c *gin.Context) {
	var body createBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive decimal"})
		return
	}
	typ, ok := ParseType(body.Type)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown transaction type"})
		return
	}

	tx, err := h.svc.Create(c.Request.Context(), userID(c), CreateRequest{
		Type:              typ,
		FromAccount:       body.FromAccount,
		ToAccount:         body.ToAccount,
		Amount:            amount,
		Description:       body.Description,
		DeviceFingerprint: body.DeviceFingerprint,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

type verifyBody struct {
	Method      string `json:"method" binding:"required"` // SMS_OTP or DEVICE_BIO
	Code        string `json:"code"`
	Fingerprint string `json:"deviceFingerprint"`
	Attestation string `json:"attestation"`
}

// Verify handles POST /v1/transfers/:id/verify.
func (h *Handlers) Verify(c *gin.Context) {
	var body verifyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var (
		res *VerifyResult
		err error
	)
	switch challenge.Type(body.Method) {
	case challenge.TypeSMSOTP:
		if body.Code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
			return
		}
		res, err = h.svc.VerifySMSOTP(c.Request.Context(), c.Param("id"), userID(c), body.Code)
	case challenge.TypeDeviceBio:
		res, err = h.svc.VerifyDeviceSignature(c.Request.Context(), c.Param("id"), userID(c),
			body.Fingerprint, body.Attestation)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown verification method"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if res.Outcome == challenge.ResultInvalid {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, res)
}

// FaceConfirm handles POST /v1/transfers/:id/face-confirm, the callback
// from the face verification provider.
func (h *Handlers) FaceConfirm(c *gin.Context) {
	var body struct {
		Approved bool `json:"approved"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.svc.ConfirmFaceVerification(c.Request.Context(), c.Param("id"), body.Approved)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Resend handles POST /v1/transfers/:id/resend.
func (h *Handlers) Resend(c *gin.Context) {
	tx, err := h.svc.Resend(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// Cancel handles POST /v1/transfers/:id/cancel.
func (h *Handlers) Cancel(c *gin.Context) {
	tx, err := h.svc.Cancel(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// Get handles GET /v1/transfers/:id.
func (h *Handlers) Get(c *gin.Context) {
	tx, err := h.svc.Get(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// History handles GET /v1/transfers.
func (h *Handlers) History(c *gin.Context) {
	f := HistoryFilter{
		UserID:  userID(c),
		Account: c.Query("account"),
		Cursor:  c.Query("cursor"),
	}
	if raw := c.Query("status"); raw != "" {
		status, ok := ParseStatus(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter"})
			return
		}
		f.Status = status
	}
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			f.Limit = n
		}
	}

	page, err := h.svc.History(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type depositBody struct {
	Reference     string `json:"reference" binding:"required"`
	AccountNumber string `json:"accountNumber" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	Description   string `json:"description"`
}

// DepositWebhook handles POST /v1/webhooks/deposits from the external
// payment gateway.
func (h *Handlers) DepositWebhook(c *gin.Context) {
	var body depositBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive decimal"})
		return
	}

	tx, err := h.svc.HandleDeposit(c.Request.Context(), DepositEvent{
		Reference:     body.Reference,
		AccountNumber: body.AccountNumber,
		Amount:        amount,
		Description:   body.Description,
	})
	if err != nil {
		logging.L(c.Request.Context()).Warn("deposit webhook rejected",
			"reference", body.Reference, "error", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// respondError maps service errors to HTTP status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTransactionNotFound),
		errors.Is(err, challenge.ErrNotFound),
		errors.Is(err, ledgerclient.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrSameAccount),
		errors.Is(err, ErrChallengeRequired),
		errors.Is(err, ledgerclient.ErrAccountInactive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrLimitExceeded),
		errors.Is(err, ledgerclient.ErrInsufficientFunds),
		errors.Is(err, stripeclient.ErrDestinationInvalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, challenge.ErrResendCooldown):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, ledgerclient.ErrTimeout),
		errors.Is(err, ledgerclient.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
