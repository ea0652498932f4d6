package service

import (
	"context"
	"strings"
)

// Login methods.
const (
	LoginMethodPIN       = "pin"
	LoginMethodBiometric = "biometric"
	LoginMethodOTP       = "otp"
)

// LoginService routes a unified login request to the matching verifier.
type LoginService struct {
	pin       *PINService
	biometric *BiometricService
	otp       *OTPService
}

func NewLoginService(pin *PINService, biometric *BiometricService, otp *OTPService) *LoginService {
	return &LoginService{pin: pin, biometric: biometric, otp: otp}
}

type LoginInput struct {
	Method         string
	PhoneNumber    string
	PIN            string
	Token          string
	APIKey         string
	BiometricToken string
	DeviceID       string
	Client         ClientInfo
}

// LoginResult holds the outcome of whichever method ran.
type LoginResult struct {
	Method  string
	User    *UserSummary
	Session string
	OTP     *AuthenticateResult
}

// DetectMethod picks the login method. An explicit method wins; otherwise
// the supplied credentials decide.
func DetectMethod(in LoginInput) string {
	if m := strings.ToLower(strings.TrimSpace(in.Method)); m != "" {
		return m
	}
	switch {
	case in.PIN != "":
		return LoginMethodPIN
	case in.Token != "" && in.APIKey != "":
		return LoginMethodOTP
	case in.BiometricToken != "":
		return LoginMethodBiometric
	}
	return ""
}

func (s *LoginService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	method := DetectMethod(in)
	switch method {
	case LoginMethodPIN:
		user, err := s.pin.Verify(ctx, PINInput{PhoneNumber: in.PhoneNumber, PIN: in.PIN, Client: in.Client})
		if err != nil {
			return nil, err
		}
		return &LoginResult{Method: method, User: user}, nil

	case LoginMethodBiometric:
		token := in.BiometricToken
		if token == "" {
			token = in.Token
		}
		login, err := s.biometric.Verify(ctx, BiometricInput{
			PhoneNumber:    in.PhoneNumber,
			BiometricToken: token,
			DeviceID:       in.DeviceID,
			Client:         in.Client,
		})
		if err != nil {
			return nil, err
		}
		return &LoginResult{Method: method, User: &login.User, Session: login.SessionToken}, nil

	case LoginMethodOTP:
		res, err := s.otp.Authenticate(ctx, AuthenticateInput{
			APIKey:      in.APIKey,
			PhoneNumber: in.PhoneNumber,
			Token:       in.Token,
			Client:      in.Client,
		})
		if err != nil {
			return nil, err
		}
		return &LoginResult{Method: method, OTP: res}, nil
	}

	return nil, validation("Invalid login method. Specify 'method' field or provide appropriate credentials.")
}
