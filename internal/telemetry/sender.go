package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/agoralabs/agora/internal/ledger"
	"github.com/agoralabs/agora/internal/models"
	apierrors "github.com/agoralabs/agora/internal/pkg/errors"
)

// Sender delivers one signed attestation and returns a submission
// reference (transaction hash or API-assigned id).
type Sender interface {
	Send(ctx context.Context, att *models.Attestation, signature []byte) (string, error)
}

// contractSender submits through the oracle contract's verify method.
type contractSender struct {
	conn *ledger.OracleConnection
}

// NewContractSender creates a sender bound to the oracle connection.
func NewContractSender(conn *ledger.OracleConnection) Sender {
	return &contractSender{conn: conn}
}

func (s *contractSender) Send(ctx context.Context, att *models.Attestation, signature []byte) (string, error) {
	tx, err := s.conn.Verify(ctx, att, signature)
	if err != nil {
		if ledger.IsNetworkError(err) {
			return "", apierrors.ErrLedgerUnavailable.Wrap(err)
		}
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// apiSender posts attestations to the oracle's HTTP endpoint. Any non-2xx
// response is retriable.
type apiSender struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewAPISender creates a sender for the HTTP submission path.
func NewAPISender(endpoint, token string, timeout time.Duration) Sender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &apiSender{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

type apiSubmission struct {
	Attestation map[string]string `json:"attestation"`
	Signature   string            `json:"signature"`
}

type apiReceipt struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
}

func (s *apiSender) Send(ctx context.Context, att *models.Attestation, signature []byte) (string, error) {
	body, err := json.Marshal(apiSubmission{
		Attestation: map[string]string{
			"jobId":      att.JobID.String(),
			"user":       att.User.Hex(),
			"energy":     att.Energy.String(),
			"degeneracy": att.Degeneracy.String(),
			"epochId":    att.EpochID.String(),
			"role":       fmt.Sprintf("%d", att.Role),
			"nonce":      att.Nonce.String(),
			"deadline":   att.Deadline.String(),
			"uPre":       att.UPre.String(),
			"uPost":      att.UPost.String(),
			"value":      att.Value.String(),
		},
		Signature: hexutil.Encode(signature),
	})
	if err != nil {
		return "", fmt.Errorf("marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", apierrors.ErrAPIUnavailable.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apierrors.ErrAPIUnavailable.WithMessage(fmt.Sprintf("oracle api returned %d", resp.StatusCode))
	}

	var receipt apiReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err == nil {
		if receipt.ID != "" {
			return receipt.ID, nil
		}
		if receipt.Reference != "" {
			return receipt.Reference, nil
		}
	}
	return "", nil
}
