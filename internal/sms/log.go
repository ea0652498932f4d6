package sms

import (
	"context"

	"mfa-service/internal/util"
)

// LogSender only logs that a code was issued. The code itself is never logged.
type LogSender struct{}

func NewLogSender() *LogSender {
	return &LogSender{}
}

func (LogSender) SendCode(_ context.Context, phoneNumber, _ string) error {
	util.Info("Recovery code issued (log driver, not delivered)", util.Phone(phoneNumber))
	return nil
}
