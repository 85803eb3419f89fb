package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"torrent-layout/internal/dispatcher"
	"torrent-layout/internal/layout"
	"torrent-layout/internal/metainfo"
	"torrent-layout/internal/selection"
	"torrent-layout/internal/session"

	"github.com/sirupsen/logrus"
)

// errBadRequest marks malformed requests caught before reaching the dispatcher
var errBadRequest = errors.New("bad request")

func CheckError(err error) {
	if err != nil {
		logrus.Fatal(err)
	}
}

// statusOf maps a command error onto an HTTP status
func statusOf(err error) int {
	switch {
	case errors.Is(err, dispatcher.ErrUnknownTorrent):
		return http.StatusNotFound
	case errors.Is(err, dispatcher.ErrAlreadyAdded),
		errors.Is(err, dispatcher.ErrState),
		errors.Is(err, session.ErrNotVerified):
		return http.StatusConflict
	case errors.Is(err, metainfo.ErrDecode),
		errors.Is(err, metainfo.ErrValidation),
		errors.Is(err, selection.ErrSelection),
		errors.Is(err, layout.ErrPieceIndex),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, dispatcher.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// HandleHTTPError writes err as a JSON body and reports whether there was one
func HandleHTTPError(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, err error) bool {
	if err == nil {
		return false
	}
	status := statusOf(err)
	entry := log.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
