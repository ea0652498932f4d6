package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mfa-service/internal/config"
	"mfa-service/internal/util"
)

// GatewaySender posts pattern messages to an SMS panel. The panel fills the
// pattern's verification-code variable with the code.
type GatewaySender struct {
	url         string
	username    string
	password    string
	from        string
	patternCode string
	client      *http.Client
}

type patternRequest struct {
	Op          string              `json:"op"`
	User        string              `json:"user"`
	Pass        string              `json:"pass"`
	FromNum     string              `json:"fromNum"`
	ToNum       string              `json:"toNum"`
	PatternCode string              `json:"patternCode"`
	InputData   []map[string]string `json:"inputData"`
}

func NewGatewaySender(cfg config.SMSConfig, client *http.Client) *GatewaySender {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &GatewaySender{
		url:         cfg.GatewayURL,
		username:    cfg.Username,
		password:    cfg.Password,
		from:        cfg.From,
		patternCode: cfg.PatternCode,
		client:      client,
	}
}

func (g *GatewaySender) SendCode(ctx context.Context, phoneNumber, code string) error {
	start := time.Now()

	body, err := json.Marshal(patternRequest{
		Op:          "pattern",
		User:        g.username,
		Pass:        g.password,
		FromNum:     g.from,
		ToNum:       phoneNumber,
		PatternCode: g.patternCode,
		InputData:   []map[string]string{{"verification-code": code}},
	})
	if err != nil {
		return fmt.Errorf("failed to encode sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		util.Error("SMS gateway request failed", util.Phone(phoneNumber), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		util.Error("SMS gateway rejected message",
			util.Phone(phoneNumber),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("response", respBody))
		return fmt.Errorf("%w: gateway status %d", ErrDeliveryFailed, resp.StatusCode)
	}

	util.Info("Recovery code sent",
		util.Phone(phoneNumber),
		zap.Duration("duration", time.Since(start)))
	return nil
}
