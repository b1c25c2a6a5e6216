package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-errors/errors"
	"github.com/lijl44/stdOpneBMCWeb/messages"
	"github.com/lijl44/stdOpneBMCWeb/updater"
)

func (a *Api) jsonResponse(w http.ResponseWriter, v interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		a.log.Errorf("Could not respond with JSON: %v", err)
	}
}

// jsonError reports msgs in the Redfish error envelope with the most severe
// status among them.
func (a *Api) jsonError(w http.ResponseWriter, msgs ...messages.Message) {
	a.jsonResponse(w, messages.NewErrorBody(msgs...), messages.Status(msgs...))
}

// updateError reports an error of the updater. Busy clients are told when
// to come back.
func (a *Api) updateError(w http.ResponseWriter, err error) {
	if errors.Is(err, updater.ErrBusy) {
		w.Header().Set("Retry-After", updater.RetryAfter)
	}

	a.jsonError(w, updater.Messages(err)...)
}

type extendedInfo struct {
	Messages []messages.Message `json:"@Message.ExtendedInfo"`
}

func (a *Api) success(w http.ResponseWriter) {
	a.jsonResponse(w, &extendedInfo{Messages: []messages.Message{messages.Success()}}, http.StatusOK)
}

type odataID struct {
	ID string `json:"@odata.id"`
}
