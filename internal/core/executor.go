package core

import (
	"context"
	"encoding/json"

	"github.com/lumenwallet/lumen-core/internal/api"
	"github.com/lumenwallet/lumen-core/internal/identity"
	"github.com/lumenwallet/lumen-core/internal/offline"
	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
)

// QueuedRequest is the payload shape of offline operations: the HTTP call
// to replay once connectivity returns.
type QueuedRequest struct {
	Method   string          `json:"method"`
	Endpoint string          `json:"endpoint"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// EncodeQueuedRequest builds an offline queue payload for later replay.
func EncodeQueuedRequest(method, endpoint string, body json.RawMessage) ([]byte, error) {
	payload, err := json.Marshal(QueuedRequest{Method: method, Endpoint: endpoint, Body: body})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDecodingFailure, "encode queued request", err)
	}
	return payload, nil
}

// queueExecutor replays queued operations through the same authenticated
// network boundary the fetch engine uses.
type queueExecutor struct {
	client *api.Client
}

func (e *queueExecutor) Execute(ctx context.Context, op offline.Operation) error {
	var req QueuedRequest
	if err := json.Unmarshal(op.Payload, &req); err != nil {
		return apperrors.Wrap(apperrors.CodeDecodingFailure, "decode queued request", err)
	}
	if req.Method == "" || req.Endpoint == "" {
		return apperrors.New(apperrors.CodeValidation, "queued request is missing method or endpoint")
	}

	var body any
	if len(req.Body) > 0 {
		body = req.Body
	}
	return e.client.Do(ctx, req.Method, req.Endpoint, body, nil, true)
}

var _ offline.Executor = (*queueExecutor)(nil)

// identityFromSubject builds the minimal identity an offline restore can
// assert: the id from the token subject, nothing else.
func identityFromSubject(subject string) identity.Identity {
	return identity.Identity{ID: subject, Kind: identity.KindEmail}
}
