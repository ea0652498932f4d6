package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"mfa-service/internal/service"
)

type pinRequest struct {
	Action      string `json:"action"`
	PhoneNumber string `json:"phoneNumber"`
	PIN         string `json:"pin"`
	OldPIN      string `json:"oldPin"`
	NewPIN      string `json:"newPin"`
}

type biometricRequest struct {
	Action         string `json:"action"`
	PhoneNumber    string `json:"phoneNumber"`
	BiometricToken string `json:"biometricToken"`
	DeviceID       string `json:"deviceId"`
	DeviceType     string `json:"deviceType"`
	DeviceName     string `json:"deviceName"`
}

type loginRequest struct {
	Method         string `json:"method"`
	PhoneNumber    string `json:"phoneNumber"`
	PIN            string `json:"pin"`
	Token          string `json:"token"`
	APIKey         string `json:"apiKey"`
	BiometricToken string `json:"biometricToken"`
	DeviceID       string `json:"deviceId"`
}

// actionOf prefers the {action} path segment over the body field.
func actionOf(r *http.Request, body string) string {
	if a := chi.URLParam(r, "action"); a != "" {
		return strings.ToLower(a)
	}
	return strings.ToLower(strings.TrimSpace(body))
}

// PIN handles set, change, disable, verify and check-status.
func (h *Handler) PIN(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid request body"})
		return
	}

	ctx := r.Context()
	in := service.PINInput{
		PhoneNumber: req.PhoneNumber,
		PIN:         req.PIN,
		OldPIN:      req.OldPIN,
		NewPIN:      req.NewPIN,
		Client:      clientInfo(r),
	}

	action := actionOf(r, req.Action)
	var err error
	switch action {
	case service.PINActionSet:
		if err = h.pin.Set(ctx, in); err == nil {
			respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "PIN set successfully"})
			return
		}
	case service.PINActionChange:
		if err = h.pin.Change(ctx, in); err == nil {
			respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "PIN changed successfully"})
			return
		}
	case service.PINActionDisable:
		if err = h.pin.Disable(ctx, in); err == nil {
			respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "PIN disabled successfully"})
			return
		}
	case service.PINActionVerify:
		var user *service.UserSummary
		if user, err = h.pin.Verify(ctx, in); err == nil {
			resp := successResponse(user, "PIN verified successfully")
			resp.Authenticated = boolPtr(true)
			respondWithJSON(w, http.StatusOK, resp)
			return
		}
	case service.PINActionCheckStatus, "status":
		var status *service.PINStatus
		if status, err = h.pin.Status(ctx, in); err == nil {
			respondWithJSON(w, http.StatusOK, successResponse(status, ""))
			return
		}
	default:
		respondWithJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid action"})
		return
	}
	h.respondWithError(w, r, err, action == service.PINActionVerify)
}

// PINStatus is the GET form of check-status.
func (h *Handler) PINStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.pin.Status(r.Context(), service.PINInput{PhoneNumber: chi.URLParam(r, "phoneNumber")})
	if err != nil {
		h.respondWithError(w, r, err, false)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(status, ""))
}

// Biometric handles register, verify, check-status and disable.
func (h *Handler) Biometric(w http.ResponseWriter, r *http.Request) {
	var req biometricRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid request body"})
		return
	}

	ctx := r.Context()
	in := service.BiometricInput{
		PhoneNumber:    req.PhoneNumber,
		BiometricToken: req.BiometricToken,
		DeviceID:       req.DeviceID,
		DeviceType:     req.DeviceType,
		DeviceName:     req.DeviceName,
		Client:         clientInfo(r),
	}

	action := actionOf(r, req.Action)
	var err error
	switch action {
	case service.BiometricActionRegister:
		var res *service.RegisterResult
		if res, err = h.biometric.Register(ctx, in); err == nil {
			respondWithJSON(w, http.StatusOK, successResponse(res, "Biometric authentication registered successfully"))
			return
		}
	case service.BiometricActionVerify:
		var login *service.BiometricLogin
		if login, err = h.biometric.Verify(ctx, in); err == nil {
			resp := successResponse(login.User, "Biometric authentication successful")
			resp.Authenticated = boolPtr(true)
			resp.Token = login.SessionToken
			respondWithJSON(w, http.StatusOK, resp)
			return
		}
	case service.BiometricActionCheckStatus, "status":
		var status *service.BiometricStatus
		if status, err = h.biometric.Status(ctx, in); err == nil {
			respondWithJSON(w, http.StatusOK, successResponse(status, ""))
			return
		}
	case service.BiometricActionDisable:
		if _, err = h.biometric.Disable(ctx, in); err == nil {
			msg := "All biometric credentials disabled successfully"
			if strings.TrimSpace(req.DeviceID) != "" {
				msg = "Biometric credential disabled successfully"
			}
			respondWithJSON(w, http.StatusOK, Response{Success: true, Message: msg})
			return
		}
	default:
		respondWithJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid action"})
		return
	}
	h.respondWithError(w, r, err, action == service.BiometricActionVerify)
}

// Login dispatches to PIN, biometric or OTP verification.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid request body"})
		return
	}

	res, err := h.login.Login(r.Context(), service.LoginInput{
		Method:         req.Method,
		PhoneNumber:    req.PhoneNumber,
		PIN:            req.PIN,
		Token:          req.Token,
		APIKey:         req.APIKey,
		BiometricToken: req.BiometricToken,
		DeviceID:       req.DeviceID,
		Client:         clientInfo(r),
	})
	if err != nil {
		h.respondWithError(w, r, err, true)
		return
	}

	resp := Response{Success: true, Authenticated: boolPtr(true), Method: res.Method}
	switch {
	case res.OTP != nil:
		resp.Data = res.OTP
		resp.Message = "خوش آمدید، ورود به " + res.OTP.AppName + " تایید شد."
	case res.Session != "":
		resp.Data = res.User
		resp.Token = res.Session
		resp.Message = "Biometric authentication successful"
	default:
		resp.Data = res.User
		resp.Message = "PIN verified successfully"
	}
	respondWithJSON(w, http.StatusOK, resp)
}
