package auth

import (
	"errors"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// dummyHash keeps unknown-account logins as slow as real ones.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("banyan-timing-equaliser"), bcrypt.DefaultCost)

func burnPasswordCheck(password string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// ValidateTOTP checks a six-digit code against secret at t, allowing one step of skew.
func ValidateTOTP(code, secret string, t time.Time) bool {
	if code == "" || secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, t, totpOpts)
	return err == nil && ok
}

// GenerateTOTPSecret enrolls identifier and returns the base32 secret and otpauth URL.
func GenerateTOTPSecret(identifier string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "Banyan Admin", AccountName: identifier})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}
