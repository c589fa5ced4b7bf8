package ws

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pborman/uuid"

	"github.com/mqy/minichat/wire"
)

const (
	// EventDMError is sent back to a client whose dm:send was rejected.
	EventDMError = "dm:error"

	ErrorCodeInvalidArguments = 3
	ErrorCodeInternal         = 13
)

// Error is the payload of dm:error.
type Error struct {
	Code   int      `json:"code"`
	Params []string `json:"params,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, strings.Join(e.Params, "; "))
}

// DMApi validates direct messages sent by clients.
type DMApi struct {
	conf *Conf
	now  func() time.Time
}

func NewApi(conf *Conf) *DMApi {
	return &DMApi{conf: conf, now: time.Now}
}

// Send builds the message `from` asked to send with payload, a dm:send body.
func (a *DMApi) Send(from string, payload json.RawMessage) (*wire.ChatMessage, *Error) {
	var req struct {
		To   *string `json:"to"`
		Body *string `json:"body"`
	}
	if len(payload) == 0 {
		return nil, newInvalidArgumentError("payload: missing")
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, newInvalidArgumentError(fmt.Sprintf("payload: %v", err))
	}

	var errs []string
	if req.To == nil || wire.NormalizeAddress(*req.To) == "" {
		errs = append(errs, "to: should be non-empty string")
	}
	if req.Body == nil || strings.TrimSpace(*req.Body) == "" {
		errs = append(errs, "body: should be non-empty string")
	} else if len(*req.Body) > a.conf.MaxBodyBytes {
		errs = append(errs, fmt.Sprintf("body: exceeds limit: %d bytes", a.conf.MaxBodyBytes))
	} else if !utf8.ValidString(*req.Body) {
		errs = append(errs, "body: invalid utf-8")
	}
	if len(errs) > 0 {
		return nil, newInvalidArgumentError(errs...)
	}

	return &wire.ChatMessage{
		ID:        uuid.New(),
		From:      from,
		To:        wire.NormalizeAddress(*req.To),
		Body:      *req.Body,
		Timestamp: a.now().Truncate(time.Millisecond),
	}, nil
}

func newInvalidArgumentError(errs ...string) *Error {
	return &Error{
		Code:   ErrorCodeInvalidArguments,
		Params: errs,
	}
}

func newInternalError(err string) *Error {
	return &Error{
		Code:   ErrorCodeInternal,
		Params: []string{err},
	}
}

func interceptError(err *Error) {
	if err.Code == ErrorCodeInternal {
		err.Params = []string{"temp storage error"}
	}
}
