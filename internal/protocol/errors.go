package protocol

import (
	"encoding/json"
	"errors"

	"github.com/loanchat/chat-app/internal/chaterr"
)

// NewErrorMsg maps err onto the wire error shape. Unclassified errors are
// reported as internal_error without their text.
func NewErrorMsg(err error, loanID, clientRef string) ErrorMsg {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ErrorMsg{
			Code:      chaterr.KindValidation.String(),
			Message:   ve.Error(),
			LoanID:    loanID,
			ClientRef: clientRef,
		}
	}

	kind := chaterr.KindOf(err)
	return ErrorMsg{
		Code:      kind.String(),
		Message:   chaterr.MessageOf(err),
		LoanID:    loanID,
		ClientRef: clientRef,
		Retryable: kind.Retryable(),
	}
}

// Err converts a received ErrorMsg back into a classified error.
func (m ErrorMsg) Err() error {
	kind := chaterr.KindInternal
	for _, k := range []chaterr.Kind{
		chaterr.KindUnauthenticated,
		chaterr.KindForbidden,
		chaterr.KindValidation,
		chaterr.KindTimeout,
		chaterr.KindTransport,
	} {
		if k.String() == m.Code {
			kind = k
			break
		}
	}
	return chaterr.New(kind, m.Message)
}

// Correlate extracts loan_id and client_ref from a raw command that failed
// to parse, so the rejection can be matched to the request that caused it.
// Fields that are missing or not strings come back empty.
func Correlate(data []byte) (loanID, clientRef string) {
	var ids struct {
		LoanID    string `json:"loan_id"`
		ClientRef string `json:"client_ref"`
	}
	_ = json.Unmarshal(data, &ids)
	return ids.LoanID, ids.ClientRef
}
