package pbx

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/callways/trunkline/pkg/types"
)

// Inbound event names. Everything else is logged and ignored.
const (
	eventConnected        = "connected"
	eventStart            = "start"
	eventMedia            = "media"
	eventStop             = "stop"
	eventDTMF             = "dtmf"
	eventMark             = "mark"
	eventClear            = "clear"
	eventAnswer           = "answer"
	eventTransferResponse = "transfer-call-response"
	eventHangupResponse   = "hangup-call-response"
)

// Outbound event names.
const (
	eventReverseMedia = "reverse-media"
	eventError        = "error"
)

// Error codes sent to the PBX. Only pre-start failures are ever surfaced;
// mid-call errors are absorbed by the pipeline.
const (
	errCodeNoAgent             = "no_agent"
	errCodeInsufficientCredits = "insufficient_credits"
	errCodeInternal            = "internal_error"
)

// wireMediaFormat is the audio framing block the PBX sends on start.
type wireMediaFormat struct {
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// event is the JSON envelope shared by every PBX message, in and out. The
// Event field discriminates; all others are optional and event-specific.
type event struct {
	Event     string `json:"event"`
	StreamID  string `json:"streamId,omitempty"`
	CallID    string `json:"callId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`

	// start
	MediaFormat *wireMediaFormat `json:"mediaFormat,omitempty"`
	From        string           `json:"from,omitempty"`
	To          string           `json:"to,omitempty"`
	ExtraParams map[string]any   `json:"extraParams,omitempty"`

	// connected hints
	CallerID      string `json:"callerId,omitempty"`
	CallDirection string `json:"callDirection,omitempty"`
	DID           string `json:"did,omitempty"`

	// media / reverse-media
	Payload string `json:"payload,omitempty"`

	// dtmf
	Digit string `json:"digit,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// extraStrings flattens the PBX's extraParams into the string map CallInfo
// carries. Scalar values are rendered without scientific notation so ids
// like uniqueid survive the JSON number round trip; nested values are
// dropped.
func extraStrings(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		case nil:
		default:
			// Arrays and objects have no single-string rendering.
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ----------------------------------------------------------------------------

// sender serializes every write to the PBX socket. The egress dispatcher and
// the event paths share one critical section, so reverse-media frames and
// error events never interleave mid-message.
type sender struct {
	ws      *websocket.Conn
	timeout time.Duration

	mu sync.Mutex
}

func newSender(ws *websocket.Conn, timeout time.Duration) *sender {
	return &sender{ws: ws, timeout: timeout}
}

func (s *sender) send(ev event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("pbx: marshal %s event: %w", ev.Event, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("pbx: write %s event: %w", ev.Event, err)
	}
	return nil
}

// sendFrame ships one wire frame of synthesized audio back to the PBX.
func (s *sender) sendFrame(info types.CallInfo, frame []byte) error {
	return s.send(event{
		Event:     eventReverseMedia,
		StreamID:  info.StreamID,
		CallID:    info.CallID,
		ChannelID: info.ChannelID,
		Payload:   base64.StdEncoding.EncodeToString(frame),
	})
}

// sendError reports a pre-start failure to the PBX before the socket closes.
func (s *sender) sendError(code, message string) error {
	return s.send(event{Event: eventError, Code: code, Message: message})
}
