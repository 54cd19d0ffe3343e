package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/pulseforge/workspace-pipeline/internal/models"
	"github.com/stretchr/testify/assert"
)

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature_DevModeWhenNoSecretConfigured(t *testing.T) {
	h := &Handler{secret: nil}

	verified, devMode := h.verifySignature("", []byte(`{}`))

	assert.False(t, verified)
	assert.True(t, devMode, "an unconfigured secret must be treated as dev mode, not a rejection")
}

func TestVerifySignature_ValidSignature(t *testing.T) {
	secret := []byte("super-secret")
	body := []byte(`{"ref":"refs/heads/main"}`)
	h := &Handler{secret: secret}

	verified, devMode := h.verifySignature(sign(secret, body), body)

	assert.True(t, verified)
	assert.False(t, devMode)
}

func TestVerifySignature_InvalidSignature(t *testing.T) {
	secret := []byte("super-secret")
	body := []byte(`{"ref":"refs/heads/main"}`)
	h := &Handler{secret: secret}

	verified, devMode := h.verifySignature(sign([]byte("wrong-secret"), body), body)

	assert.False(t, verified)
	assert.False(t, devMode)
}

func TestVerifySignature_MissingPrefix(t *testing.T) {
	secret := []byte("super-secret")
	h := &Handler{secret: secret}

	verified, devMode := h.verifySignature("deadbeef", []byte(`{}`))

	assert.False(t, verified)
	assert.False(t, devMode)
}

func TestExtractModifiedFiles_DedupsAcrossCommits(t *testing.T) {
	payload := models.PushPayload{
		Commits: []models.PushCommit{
			{Added: []string{"a.go"}, Modified: []string{"b.go"}},
			{Modified: []string{"a.go"}, Removed: []string{"c.go"}},
		},
	}

	files := extractModifiedFiles(payload, false)

	assert.ElementsMatch(t, []string{"a.go", "b.go", "c.go"}, files)
}

func TestExtractModifiedFiles_ForcePushUsesHeadCommit(t *testing.T) {
	payload := models.PushPayload{
		Commits: nil,
		HeadCommit: &models.PushCommit{
			Added:    []string{"x.go"},
			Modified: []string{"y.go"},
		},
	}

	files := extractModifiedFiles(payload, true)

	assert.ElementsMatch(t, []string{"x.go", "y.go"}, files)
}

func TestExtractModifiedFiles_ForcePushWithNilHeadCommit(t *testing.T) {
	payload := models.PushPayload{Commits: nil, HeadCommit: nil}

	files := extractModifiedFiles(payload, true)

	assert.Empty(t, files)
}

func TestSourceKey_StripsPort(t *testing.T) {
	r := &http.Request{RemoteAddr: "203.0.113.5:54321"}

	assert.Equal(t, "203.0.113.5", sourceKey(r))
}

func TestSourceKey_FallsBackToRawAddrWithoutPort(t *testing.T) {
	r := &http.Request{RemoteAddr: "not-a-host-port"}

	assert.Equal(t, "not-a-host-port", sourceKey(r))
}
