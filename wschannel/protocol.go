package wschannel

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anonsoc/callcore/signaling"
)

// Operation names carried in request frames.
const (
	opCreateCall      = "createCall"
	opUpdateCall      = "updateCall"
	opGetCall         = "getCall"
	opAppendCandidate = "appendCandidate"
	opClearCandidates = "clearCandidates"
	opWatchCall       = "watchCall"
	opWatchCandidates = "watchCandidates"
	opWatchIncoming   = "watchIncoming"
	opUnwatch         = "unwatch"
	opJoinQueue       = "joinQueue"
	opLeaveQueue      = "leaveQueue"
	opTryMatch        = "tryMatch"
	opGetSyncCall     = "getSyncCall"
	opEndSyncCall     = "endSyncCall"
	opAppendMessage   = "appendMessage"
	opWatchSyncCalls  = "watchSyncCalls"
	opWatchMessages   = "watchMessages"
)

// Event names carried in event frames.
const (
	eventRecord    = "record"
	eventCandidate = "candidate"
	eventSyncCall  = "syncCall"
	eventMessage   = "message"
)

// frame is the single wire message shape. A frame with Op set is a
// request; with OK or Error set it is a response; with Event set it is
// a subscription event.
type frame struct {
	ID     uint64          `json:"id,omitempty"`
	Op     string          `json:"op,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	OK     bool            `json:"ok,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	Sub   uint64          `json:"sub,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type createCallParams struct {
	Record *signaling.CallRecord `json:"record"`
}

type updateCallParams struct {
	CallID string               `json:"callId"`
	Update signaling.CallUpdate `json:"update"`
}

type callParams struct {
	CallID string `json:"callId"`
}

type candidateParams struct {
	CallID    string                  `json:"callId"`
	Side      signaling.CandidateSide `json:"side"`
	Candidate signaling.Candidate     `json:"candidate,omitempty"`
}

type incomingParams struct {
	UserID string             `json:"userId"`
	Kind   signaling.CallKind `json:"kind"`
}

type queueParams struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type messageParams struct {
	CallID  string                `json:"callId"`
	Message signaling.ChatMessage `json:"message"`
}

type userParams struct {
	UserID string `json:"userId"`
}

type unwatchParams struct {
	Sub uint64 `json:"sub"`
}

type subResult struct {
	Sub uint64 `json:"sub"`
}

// Wire error codes for the protocol's sentinel errors.
const (
	codeWriteConflict = "write_conflict"
	codeNotFound      = "not_found"
	codeNoPeerWaiting = "no_peer_waiting"
	codeChannelClosed = "channel_closed"
)

// encodeErr maps a store error onto its wire code, falling back to the
// error text for non-sentinel failures.
func encodeErr(err error) string {
	switch {
	case errors.Is(err, signaling.ErrWriteConflict):
		return codeWriteConflict
	case errors.Is(err, signaling.ErrNotFound):
		return codeNotFound
	case errors.Is(err, signaling.ErrNoPeerWaiting):
		return codeNoPeerWaiting
	case errors.Is(err, signaling.ErrChannelClosed):
		return codeChannelClosed
	default:
		return err.Error()
	}
}

// decodeErr maps a wire code back onto the package sentinel so callers
// can use errors.Is across the connection.
func decodeErr(code string) error {
	switch code {
	case codeWriteConflict:
		return signaling.ErrWriteConflict
	case codeNotFound:
		return signaling.ErrNotFound
	case codeNoPeerWaiting:
		return signaling.ErrNoPeerWaiting
	case codeChannelClosed:
		return signaling.ErrChannelClosed
	default:
		return fmt.Errorf("remote error: %s", code)
	}
}

func marshalParams(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}
