package hub

import (
	"encoding/json"
	"time"

	"github.com/nevindra/pipeworks/core"
)

// Wire ops, mirrored by the client and server.
const (
	opSubmit       = "submit"
	opGetSteps     = "get_steps"
	opBulkGetStep  = "bulk_get_step"
	opBulkGetData  = "bulk_get_data"
	opDones        = "dones"
	opPendings     = "pendings"
	opResets       = "resets"
	opCancels      = "cancels"
	opError        = "error"
	opReapExpired  = "reap_expired"
)

// request/response payloads, JSON-encoded as the second field of a
// Join(op, payload) frame. Length prefixing is the end-token framing
// itself; there is no separate length header.

type submitRequest struct {
	Steps []core.Step `json:"steps"`
}

type getStepsRequest struct {
	Scopes         []string      `json:"scopes"`
	Reverse        bool          `json:"reverse"`
	WorkerID       string        `json:"worker_id"`
	BatchSize      int           `json:"batch_size"`
	DefaultTimeout time.Duration `json:"default_timeout_ns"`
}

type getStepsResponse struct {
	IDs []string `json:"ids"`
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

type bulkStepResponse struct {
	Steps map[string]core.Step `json:"steps"`
}

type bulkDataResponse struct {
	Data map[string][]byte `json:"data"`
}

type pendingsRequest struct {
	IDs       []string      `json:"ids"`
	DelaySecs time.Duration `json:"delay_secs"`
}

type batchResponse struct {
	Applied []string          `json:"applied"`
	Failed  map[string]string `json:"failed,omitempty"`
}

type errorRequest struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Trace   string `json:"trace"`
}

// envelope wraps every response: Err is the zero value on success.
type envelope struct {
	Err     core.WireError  `json:"err"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeEnvelope(err error, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, encErr := json.Marshal(payload)
		if encErr != nil {
			return nil, encErr
		}
		raw = b
	}
	return json.Marshal(envelope{Err: core.EncodeError(err), Payload: raw})
}

func decodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func decodeEnvelope(data []byte, payload any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if err := core.DecodeError(env.Err); err != nil {
		return err
	}
	if payload == nil || len(env.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(env.Payload, payload)
}
