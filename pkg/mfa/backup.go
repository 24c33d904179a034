package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const backupCodeCount = 10

// GenerateBackupCodes produces a fresh set of single-use codes. The raw
// codes are returned once for display; only hashes are stored.
func GenerateBackupCodes() ([]string, []BackupCode, error) {
	raw := make([]string, backupCodeCount)
	hashed := make([]BackupCode, backupCodeCount)
	for i := range raw {
		b := make([]byte, 5)
		if _, err := rand.Read(b); err != nil {
			return nil, nil, fmt.Errorf("generate backup code: %w", err)
		}
		code := strings.ToUpper(hex.EncodeToString(b))
		raw[i] = code
		hashed[i] = BackupCode{Hash: HashBackupCode(code)}
	}
	return raw, hashed, nil
}

// HashBackupCode normalizes and hashes a code for storage and lookup.
func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(strings.TrimSpace(code))))
	return hex.EncodeToString(sum[:])
}
