package sms

import (
	"context"
	"errors"
)

var ErrDeliveryFailed = errors.New("sms delivery failed")

// Sender delivers a recovery code to a phone number.
type Sender interface {
	SendCode(ctx context.Context, phoneNumber, code string) error
}
