package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Extra detail codes carried alongside the generic error body.
const (
	extraInvalidModelID = "InvalidModelId"
	extraInvalidZipFile = "InvalidZipFile"
	extraInvalidRunID   = "InvalidRunId"
)

// errorBody is the JSON error envelope. Detail stays generic and
// non-sensitive; full diagnostics go to the operational log only.
type errorBody struct {
	Code         string `json:"code"`
	Detail       string `json:"detail"`
	Status       int    `json:"status"`
	Title        string `json:"title"`
	ExtraDetails string `json:"extra_details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, title, detail, extra string) {
	writeJSON(w, status, errorBody{
		Code:         http.StatusText(status),
		Detail:       detail,
		Status:       status,
		Title:        title,
		ExtraDetails: extra,
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "NoAuthenticationInformation",
		"Server failed to authenticate the request. "+
			"Make sure the value of the "+AuthHeader+" header is populated and correct.", "")
}

func writeBadRequest(w http.ResponseWriter, extra string) {
	writeError(w, http.StatusBadRequest, "InvalidInput",
		"Input file is not in correct format.", extra)
}

func writeNotFound(w http.ResponseWriter, extra string) {
	writeError(w, http.StatusNotFound, "ResourceNotFound",
		"The specified resource does not exist.", extra)
}

func writeInternalError(w http.ResponseWriter, extra string) {
	writeError(w, http.StatusInternalServerError, "InternalError",
		"The server encountered an internal error. Please retry the request.", extra)
}
