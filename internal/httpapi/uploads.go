package httpapi

import (
	"errors"
	"log"
	"net"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/soulchat/chat-server/internal/ratelimit"
	"github.com/soulchat/chat-server/internal/upload"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ok, _ := s.limiter.Allow(r.Context(), host, ratelimit.RuleUpload); !ok {
		s.writeRateLimited(w, r, host, ratelimit.RuleUpload, map[string]string{"error": "Too many uploads, slow down"})
		return
	}

	// Multipart framing adds a little on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.uploads.MaxBytes()+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "File too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No file uploaded"})
		return
	}
	defer file.Close()

	stored, err := s.uploads.Save(file, header.Filename, header.Header.Get("Content-Type"))
	if errors.Is(err, upload.ErrTooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "File too large"})
		return
	}
	if err != nil {
		log.Printf("[httpapi] upload %q: %v", header.Filename, err)
		writeInternal(w)
		return
	}

	log.Printf("[httpapi] stored upload %s (%d bytes, %s)", stored.Filename, stored.Size, stored.Mimetype)
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleServeUpload(w http.ResponseWriter, r *http.Request) {
	path, err := s.uploads.Path(mux.Vars(r)["filename"])
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "File not found"})
		return
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeFile(w, r, path)
}
