package oraclehandler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/threshold-key-manager/api"
	"github.com/ruteri/threshold-key-manager/interfaces"
)

type mockNode struct {
	mock.Mock
}

func (m *mockNode) IssueShare(ctx context.Context, req *api.ShareRequest) (*api.ShareResponse, error) {
	args := m.Called(ctx, req)
	if resp := args.Get(0); resp != nil {
		return resp.(*api.ShareResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockNode) PublicKey(ctx context.Context, verifier, verifierID string) (*api.PublicKeyResponse, error) {
	args := m.Called(ctx, verifier, verifierID)
	if resp := args.Get(0); resp != nil {
		return resp.(*api.PublicKeyResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func setupTestServer(t *testing.T) (*httptest.Server, *mockNode) {
	node := new(mockNode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mux := chi.NewRouter()
	NewHandler(node, logger).RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, node
}

func TestClient_RequestShare(t *testing.T) {
	server, node := setupTestServer(t)
	client := NewClient(server.URL, 5*time.Second)
	ctx := context.Background()

	req := &api.ShareRequest{
		VerifierParams:   interfaces.VerifierParams{Verifier: "google", VerifierID: "alice"},
		Type:             api.ProofIDToken,
		IDToken:          "token",
		SessionPublicKey: "02ab",
	}
	want := &api.ShareResponse{Index: "1", EncryptedShare: "beef", PublicKey: "03cd", UserType: interfaces.UserTypeV1, Signature: "00"}
	node.On("IssueShare", mock.Anything, mock.MatchedBy(func(r *api.ShareRequest) bool {
		return r.VerifierID == "alice" && r.IDToken == "token"
	})).Return(want, nil).Once()

	got, err := client.RequestShare(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	node.On("IssueShare", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: bad token", interfaces.ErrAuthenticationFailed)).Once()
	_, err = client.RequestShare(ctx, req)
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed, "Sentinels survive the round trip")

	node.On("IssueShare", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: unknown verifier", interfaces.ErrConfiguration)).Once()
	_, err = client.RequestShare(ctx, req)
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)

	node.AssertExpectations(t)
}

func TestHandleShare_BadRequests(t *testing.T) {
	server, node := setupTestServer(t)

	for _, body := range []string{"not json", `{"verifier":"google"}`} {
		resp, err := http.Post(server.URL+"/api/oracle/shares", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "Body %q", body)
	}
	node.AssertNotCalled(t, "IssueShare", mock.Anything, mock.Anything)
}

func TestClient_GetPublicKey(t *testing.T) {
	server, node := setupTestServer(t)
	client := NewClient(server.URL, 5*time.Second)

	node.On("PublicKey", mock.Anything, "passkey", "abcdef").
		Return(&api.PublicKeyResponse{PublicKey: "02ff", UserType: interfaces.UserTypeV2, Nonce: "05"}, nil)

	got, err := client.GetPublicKey(context.Background(), "passkey", "abcdef")
	require.NoError(t, err)
	assert.Equal(t, "02ff", got.PublicKey)
	assert.Equal(t, "05", got.Nonce)

	closed := NewClient("http://127.0.0.1:1", time.Second)
	_, err = closed.GetPublicKey(context.Background(), "passkey", "abcdef")
	assert.ErrorIs(t, err, interfaces.ErrNetwork)
}
