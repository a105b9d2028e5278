package chainadapter_test

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"mediator/internal/chainadapter"
)

func randomKeyHex(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	return hex.EncodeToString(raw)
}

func TestRequestSignerRejectsMalformedKey(t *testing.T) {
	_, err := chainadapter.NewRequestSigner("mediator-1", "not-hex", "secret")
	require.Error(t, err)

	_, err = chainadapter.NewRequestSigner("mediator-1", hex.EncodeToString([]byte("too-short")), "secret")
	require.Error(t, err)
}

func TestRequestSignerMintsVerifiableToken(t *testing.T) {
	signer, err := chainadapter.NewRequestSigner("mediator-1", randomKeyHex(t), "shared-secret")
	require.NoError(t, err)

	token, err := signer.MintToken()
	require.NoError(t, err)

	parsed, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) {
		return []byte("shared-secret"), nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	require.Equal(t, "mediator-1", claims["sub"])
}

func TestRequestSignerSignIsDeterministicPerPayload(t *testing.T) {
	signer, err := chainadapter.NewRequestSigner("mediator-1", randomKeyHex(t), "shared-secret")
	require.NoError(t, err)

	sigA := signer.Sign([]byte("payload-a"))
	sigAAgain := signer.Sign([]byte("payload-a"))
	sigB := signer.Sign([]byte("payload-b"))

	require.Equal(t, sigA, sigAAgain)
	require.NotEqual(t, sigA, sigB)
}

func TestAdapterAttachesSignatureAndBearerTokenOnWrites(t *testing.T) {
	signer, err := chainadapter.NewRequestSigner("mediator-1", randomKeyHex(t), "shared-secret")
	require.NoError(t, err)

	var gotSignature, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Mediator-Signature")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter, err := chainadapter.New(server.URL, chainadapter.WithSigner(signer))
	require.NoError(t, err)

	err = adapter.SubmitEntry(t.Context(), "token-1", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.NotEmpty(t, gotSignature)
	require.True(t, strings.HasPrefix(gotAuth, "Bearer "))
}
