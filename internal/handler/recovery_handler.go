package handler

import (
	"net/http"
	"strings"

	"mfa-service/internal/service"
)

type recoveryRequest struct {
	PhoneNumber       string `json:"phoneNumber"`
	Action            string `json:"action"`
	Code              string `json:"code"`
	PIN               string `json:"pin"`
	VerificationToken string `json:"verificationToken"`
}

// Recovery runs one step of the SMS recovery flow.
func (h *Handler) Recovery(w http.ResponseWriter, r *http.Request) {
	var req recoveryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid request body"})
		return
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		respondWithJSON(w, http.StatusBadRequest, Response{Success: false, Error: "شماره موبایل الزامی است"})
		return
	}

	ctx := r.Context()
	in := service.RecoveryInput{
		PhoneNumber:       req.PhoneNumber,
		Code:              req.Code,
		VerificationToken: req.VerificationToken,
		PIN:               req.PIN,
		Client:            clientInfo(r),
	}

	var err error
	switch strings.ToUpper(strings.TrimSpace(req.Action)) {
	case service.RecoveryRequestOTP:
		var code string
		if code, err = h.recovery.RequestOTP(ctx, in); err == nil {
			respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "SMS Sent", Code: code})
			return
		}
	case service.RecoveryVerifyOTPOnly:
		var token string
		if token, err = h.recovery.VerifyOTPOnly(ctx, in); err == nil {
			respondWithJSON(w, http.StatusOK, Response{Success: true, VerificationToken: token, Message: "کد تایید شد"})
			return
		}
	case service.RecoveryCreateUserWithPIN:
		var account *service.AccountSummary
		if account, err = h.recovery.CreateUserWithPIN(ctx, in); err == nil {
			respondWithJSON(w, http.StatusOK, successResponse(account, "حساب کاربری با موفقیت ایجاد شد"))
			return
		}
	case service.RecoveryVerifyAndSync:
		var tokens []service.RecoveredToken
		if tokens, err = h.recovery.VerifyAndSync(ctx, in); err == nil {
			respondWithJSON(w, http.StatusOK, Response{Success: true, Tokens: tokens, Message: "خوش آمدید"})
			return
		}
	default:
		respondWithJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid action"})
		return
	}
	h.respondWithError(w, r, err, false)
}
