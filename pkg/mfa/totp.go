package mfa

import (
	"github.com/pquerna/otp/totp"
)

const totpIssuer = "FinCollab"

// GenerateTOTPSecret enrolls a new TOTP key for the principal and returns
// the base32 secret plus the otpauth provisioning URL.
func GenerateTOTPSecret(accountName string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// ValidateTOTP checks a 6-digit code against the secret for the current
// 30-second step (with the library's default +-1 step skew).
func ValidateTOTP(code, secret string) bool {
	return totp.Validate(code, secret)
}
