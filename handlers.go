package main

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"torrent-layout/internal/dispatcher"
	"torrent-layout/internal/metainfo"
	message "torrent-layout/internal/peerMessage"
	"torrent-layout/internal/selection"

	"github.com/sirupsen/logrus"
)

// maxTorrentSize bounds the body of an add request
const maxTorrentSize = 16 << 20

type handler struct {
	d   *dispatcher.Dispatcher
	log logrus.FieldLogger
}

func newHandler(d *dispatcher.Dispatcher, log logrus.FieldLogger) http.Handler {
	h := &handler{d: d, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /torrents", h.add)
	mux.HandleFunc("GET /torrents", h.list)
	mux.HandleFunc("GET /torrents/{hash}", h.snapshot)
	mux.HandleFunc("DELETE /torrents/{hash}", h.remove)
	mux.HandleFunc("POST /torrents/{hash}/select", h.selectFiles)
	mux.HandleFunc("POST /torrents/{hash}/pause", h.pause)
	mux.HandleFunc("POST /torrents/{hash}/resume", h.resume)
	mux.HandleFunc("GET /torrents/{hash}/progress", h.progress)
	mux.HandleFunc("GET /torrents/{hash}/pieces/{piece}", h.pieceRanges)
	mux.HandleFunc("GET /torrents/{hash}/bitfield", h.bitfield)
	mux.HandleFunc("GET /torrents/{hash}/have/{piece}", h.have)
	return mux
}

func hashParam(r *http.Request) (metainfo.Hash, error) {
	h, err := metainfo.ParseHash(r.PathValue("hash"))
	if err != nil {
		return h, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return h, nil
}

func (h *handler) add(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTorrentSize))
	if err != nil {
		HandleHTTPError(w, r, h.log, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	hash, err := h.d.Add(r.Context(), raw, r.URL.Query().Get("dir"))
	if HandleHTTPError(w, r, h.log, err) {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]metainfo.Hash{"info_hash": hash})
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	list, err := h.d.List(r.Context())
	if HandleHTTPError(w, r, h.log, err) {
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	hash, err := hashParam(r)
	if HandleHTTPError(w, r, h.log, err) {
		return
	}
	snap, err := h.d.Snapshot(r.Context(), hash)
	if HandleHTTPError(w, r, h.log, err) {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) remove(w http.ResponseWriter, r *http.Request) {
	hash, err := hashParam(r)
	if HandleHTTPError(w, r, h.log, err) {
		return
	}
	if HandleHTTPError(w, r, h.log, h.d.Remove(r.Context(), hash)) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readPaths takes one relative path per line, blank lines ignored
func readPaths(body io.Reader) ([]string, error) {
	var paths []string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, scanner.Err()
}

func (h *handler) selectFiles(w http.ResponseWriter, r *http.Request) {
	hash, err := hashParam(r)
	if HandleHTTPError(w, r, h.log, err) {
		return
	}
	mode, err := selection.ParseMode(r.URL.Query().Get("mode"))
	if HandleHTTPError(w, r, h.log, err) {
		return
	}
	paths, err := readPaths(http.MaxBytesReader(w, r.Body, maxTorrentSize))
	if err != nil {
		HandleHTTPError(w, r, h.log, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if HandleHTTPError(w, r, h.log, h.d.SelectFiles(r.Context(), hash, mode, paths)) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) pause(w http.ResponseWriter, r *http.Request) {
	hash, err := hashParam(r)
	if HandleHTTPError(w, r, h.log, err) {
		return
	}
	if HandleHTTPError(w, r, h.log, h.d.Pause(r.Context(), hash)) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) resume(w http.ResponseWriter, r *http.Request) {
	hash, err := hashParam(r)
	if HandleHTTPError(w, r, h.log, err) {
		return
	}
	if HandleHTTPError(w, r, h.log, h.d.Resume(r.Context(), hash)) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) progress(w http.ResponseWriter, r *http.Request) {
	hash, err := hashParam(r)
	if HandleHTTPError(w, r, h.log, err) {
		return
	}
	pr, err := h.d.Progress(r.Context(), hash)
	if HandleHTTPError(w, r, h.log, err) {
		return
	}
	writeJSON(w, http.StatusOK, pr)
}

func (h *handler) pieceRanges(w http.ResponseWriter, r *http.Request) {
	hash, err := hashParam(r)
	if HandleHTTPError(w, r, h.log, err) {
		return
	}
	piece, err := strconv.Atoi(r.PathValue("piece"))
	if err != nil {
		HandleHTTPError(w, r, h.log, fmt.Errorf("%w: piece %q", errBadRequest, r.PathValue("piece")))
		return
	}
	ranges, err := h.d.PieceToFileRanges(r.Context(), hash, piece)
	if HandleHTTPError(w, r, h.log, err) {
		return
	}
	writeJSON(w, http.StatusOK, ranges)
}

// bitfield answers with a ready to send BITFIELD message
func (h *handler) bitfield(w http.ResponseWriter, r *http.Request) {
	hash, err := hashParam(r)
	if HandleHTTPError(w, r, h.log, err) {
		return
	}
	bf, err := h.d.Bitfield(r.Context(), hash)
	if HandleHTTPError(w, r, h.log, err) {
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(message.FormatBitfield(bf).Serialize())
}

// have answers with a ready to send HAVE message for a verified piece
func (h *handler) have(w http.ResponseWriter, r *http.Request) {
	hash, err := hashParam(r)
	if HandleHTTPError(w, r, h.log, err) {
		return
	}
	piece, err := strconv.Atoi(r.PathValue("piece"))
	if err != nil {
		HandleHTTPError(w, r, h.log, fmt.Errorf("%w: piece %q", errBadRequest, r.PathValue("piece")))
		return
	}
	msg, err := h.d.Have(r.Context(), hash, piece)
	if HandleHTTPError(w, r, h.log, err) {
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(msg.Serialize())
}
