package handler

import (
	"fmt"
	"html/template"
	"net/http"

	"mfa-service/internal/qrcode"
	"mfa-service/internal/service"
	"mfa-service/internal/util"
)

type authenticateRequest struct {
	APIKey      string `json:"apiKey"`
	PhoneNumber string `json:"phoneNumber"`
	Token       string `json:"token"`
}

type verifyOTPRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Secret      string `json:"secret"`
	Token       string `json:"token"`
}

type removeOTPRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	APIKey      string `json:"apiKey"`
}

type syncRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Action      string `json:"action"`
	AppID       string `json:"appId"`
	AccountID   string `json:"accountId"`
}

// ServerTime lets clients correct their clock before generating codes and signatures.
func (h *Handler) ServerTime(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]int64{"serverTime": h.now().UnixMilli()})
}

// Authenticate checks a TOTP code on behalf of a relying application.
func (h *Handler) Authenticate(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid request body"})
		return
	}

	res, err := h.otp.Authenticate(r.Context(), service.AuthenticateInput{
		APIKey:      req.APIKey,
		PhoneNumber: req.PhoneNumber,
		Token:       req.Token,
		Client:      clientInfo(r),
	})
	if err != nil {
		h.respondWithError(w, r, err, true)
		return
	}

	resp := successResponse(res, fmt.Sprintf("خوش آمدید، ورود به %s تایید شد.", res.AppName))
	resp.Authenticated = boolPtr(true)
	respondWithJSON(w, http.StatusOK, resp)
}

// VerifyOTP confirms a scanned secret (signed) or checks a code.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid request body"})
		return
	}

	res, err := h.otp.VerifyOTP(r.Context(), service.VerifyOTPInput{
		PhoneNumber: req.PhoneNumber,
		Secret:      req.Secret,
		Token:       req.Token,
		Client:      clientInfo(r),
	})
	if err != nil {
		h.respondWithError(w, r, err, false)
		return
	}

	if res.SecretConfirmed {
		respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "اتصال با موفقیت تایید شد"})
		return
	}
	respondWithJSON(w, http.StatusOK, Response{Success: res.Valid})
}

// RemoveOTP deletes the caller's token for an app. Requires a signature.
func (h *Handler) RemoveOTP(w http.ResponseWriter, r *http.Request) {
	var req removeOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid request body"})
		return
	}

	err := h.otp.RemoveOTP(r.Context(), service.RemoveOTPInput{
		PhoneNumber: req.PhoneNumber,
		APIKey:      req.APIKey,
		Client:      clientInfo(r),
	})
	if err != nil {
		h.respondWithError(w, r, err, false)
		return
	}
	respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "Token successfully deleted and stored in history"})
}

// Sync creates, deletes or lists the caller's tokens. Requires a signature.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid request body"})
		return
	}

	res, err := h.otp.Sync(r.Context(), service.SyncInput{
		PhoneNumber: req.PhoneNumber,
		Action:      req.Action,
		AppID:       req.AppID,
		AccountID:   req.AccountID,
		Client:      clientInfo(r),
	})
	if err != nil {
		h.respondWithError(w, r, err, false)
		return
	}

	if res.NewToken != nil {
		respondWithJSON(w, http.StatusOK, Response{Success: true, NewToken: res.NewToken})
		return
	}
	respondWithJSON(w, http.StatusOK, Response{Success: true, Tokens: res.Tokens})
}

var qrPage = template.Must(template.New("qr").Parse(`<!DOCTYPE html>
<html lang="fa" dir="rtl">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.AppName}}</title>
<style>
body{font-family:Tahoma,sans-serif;display:flex;flex-direction:column;align-items:center;justify-content:center;min-height:100vh;margin:0;background:#f4f6f8}
.card{background:#fff;border-radius:12px;padding:24px;box-shadow:0 2px 12px rgba(0,0,0,.08);text-align:center}
code{direction:ltr;display:block;margin-top:12px;font-size:14px;word-break:break-all}
</style>
</head>
<body>
<div class="card">
<h2>{{.AppName}}</h2>
<p>این کد را با اپلیکیشن قفلی اسکن کنید</p>
<img src="{{.Image}}" alt="QR" width="{{.Size}}" height="{{.Size}}">
{{if .Secret}}<code>{{.Secret}}</code>{{end}}
</div>
</body>
</html>
`))

type qrPageData struct {
	AppName string
	Image   template.URL
	Size    int
	Secret  string
}

// GenerateQR provisions a token and renders its otpauth URI as a QR page.
func (h *Handler) GenerateQR(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.otp.GenerateQR(r.Context(), service.GenerateQRInput{
		PhoneNumber: q.Get("phoneNumber"),
		AppID:       q.Get("appId"),
	})
	if err != nil {
		h.respondWithError(w, r, err, false)
		return
	}

	image, err := qrcode.DataURL(res.URI, qrcode.DefaultSize)
	if err != nil {
		h.respondWithError(w, r, err, false)
		return
	}

	data := qrPageData{
		AppName: res.AppName,
		// the data URL is produced here, never taken from the request
		Image: template.URL(image),
		Size:  qrcode.DefaultSize,
	}
	if h.showSecret {
		data.Secret = res.Secret
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := qrPage.Execute(w, data); err != nil {
		util.Error("Failed to render QR page", util.ErrorField(err))
	}
}
