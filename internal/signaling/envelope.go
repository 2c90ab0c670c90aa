package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/relay"
)

// Wire error texts. Existing browser clients match on these strings.
const (
	errTextNoKey        = "No recognizable query key"
	errTextNoJSON       = "No posted data in JSON format!"
	errTextNoMessage    = "No message received"
	errTextNoIDOnSend   = "No id received with message"
	errTextNoIDOnGet    = "No id received on get"
	errTextRateLimited  = "Rate limited"
	errTextTooManyPairs = "Too many pairs"
	errTextMailboxFull  = "Mailbox full"
	errTextTooLarge     = "Message too large"
	errTextInternal     = "Internal error"
)

// limitText maps a refusal caused by a configured bound to its wire text.
func limitText(err error) (string, bool) {
	switch {
	case errors.Is(err, relay.ErrRateLimited):
		return errTextRateLimited, true
	case errors.Is(err, relay.ErrTooManyPairs):
		return errTextTooManyPairs, true
	case errors.Is(err, relay.ErrMailboxFull):
		return errTextMailboxFull, true
	}
	return "", false
}

type errorResponse struct {
	Err string `json:"err"`
}

type pairResponse struct {
	ID     relay.ParticipantID `json:"id"`
	Status relay.Status        `json:"status"`
}

type receiveResponse struct {
	Msgs []json.RawMessage `json:"msgs"`
}

// sendRequest and receiveRequest keep fields raw so that "absent" and "null"
// can be told apart.
type sendRequest struct {
	ID      json.RawMessage `json:"id"`
	Message json.RawMessage `json:"message"`
}

type receiveRequest struct {
	ID json.RawMessage `json:"id"`
}

var errBadID = errors.New("id is not an integer")

// decodeBody parses a JSON object body. A body of null is rejected like a
// missing one.
func decodeBody(body []byte, v any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return relay.ErrMalformedPayload
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %v", relay.ErrMalformedPayload, err)
	}
	return nil
}

// parseID accepts a JSON integer or a string of decimal digits.
func parseID(raw json.RawMessage) (relay.ParticipantID, error) {
	s := string(bytes.TrimSpace(raw))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var unq string
		if err := json.Unmarshal([]byte(s), &unq); err != nil {
			return 0, errBadID
		}
		s = unq
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errBadID
	}
	return relay.ParticipantID(n), nil
}

// displayID renders a client-supplied id for an error message.
func displayID(raw json.RawMessage) string {
	s := string(bytes.TrimSpace(raw))
	var unq string
	if json.Unmarshal(raw, &unq) == nil {
		return unq
	}
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}

func invalidIDText(id string) string { return "Invalid id " + id }

func unreachableText(id string) string { return "Partner unreachable for id " + id }

func queuedText(partner relay.ParticipantID) string {
	return "Message queued for delivery to id " + partner.String()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, text string) {
	writeJSON(w, errorResponse{Err: text})
}
