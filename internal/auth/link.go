package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	linkCodeTTL = 15 * time.Minute
	linkSigLen  = 16
)

// LinkCode returns a short signed code that binds a Telegram chat to userID.
// It fits the 64 character deep link payload: "<userID>_<expiry hex>_<signature>".
func (s *TokenService) LinkCode(userID string) string {
	exp := strconv.FormatInt(s.now().Add(linkCodeTTL).Unix(), 16)
	return userID + "_" + exp + "_" + s.linkSig(userID, exp)
}

// VerifyLinkCode checks the signature and expiry of a code made by LinkCode.
func (s *TokenService) VerifyLinkCode(code string) (string, error) {
	parts := strings.Split(code, "_")
	if len(parts) != 3 || parts[0] == "" {
		return "", ErrInvalidToken
	}
	userID, exp, sig := parts[0], parts[1], parts[2]
	if !hmac.Equal([]byte(sig), []byte(s.linkSig(userID, exp))) {
		return "", ErrInvalidToken
	}
	unix, err := strconv.ParseInt(exp, 16, 64)
	if err != nil || !s.now().Before(time.Unix(unix, 0)) {
		return "", ErrInvalidToken
	}
	return userID, nil
}

func (s *TokenService) linkSig(userID, exp string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte("tg-link:" + userID + ":" + exp))
	return hex.EncodeToString(mac.Sum(nil))[:linkSigLen]
}
