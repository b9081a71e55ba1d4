package directory

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"paykit/crypto"
	"paykit/storage"
)

// Server is a small directory homeserver backed by a storage.Database. It
// exists for development and tests; production deployments point the HTTP
// transport at a real key directory.
type Server struct {
	db     storage.Database
	log    *slog.Logger
	now    func() time.Time
	router chi.Router
}

// NewServer wires the routes.
func NewServer(db storage.Database, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{db: db, log: log, now: time.Now}
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Get("/{pubkey}/*", s.handleGet)
	r.Put("/{pubkey}/*", s.handlePut)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) objectKey(owner crypto.Pubkey, path string) []byte {
	return []byte("dir/" + owner.String() + path)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	owner, err := crypto.ParsePubkey(chi.URLParam(r, "pubkey"))
	if err != nil {
		http.Error(w, "invalid pubkey", http.StatusBadRequest)
		return
	}
	path := "/" + chi.URLParam(r, "*")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := s.verifyWrite(r, owner, path, body); err != nil {
		s.log.Warn("directory write rejected", "path", path, "error", err.Error())
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.db.Put(s.objectKey(owner, path), body); err != nil {
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) verifyWrite(r *http.Request, owner crypto.Pubkey, path string, body []byte) error {
	claimed, err := crypto.ParsePubkey(r.Header.Get(headerPubkey))
	if err != nil {
		return err
	}
	if claimed != owner {
		return errors.New("writer is not the namespace owner")
	}
	ts, err := strconv.ParseInt(r.Header.Get(headerTimestamp), 10, 64)
	if err != nil {
		return errors.New("missing write timestamp")
	}
	now := s.now()
	issued := time.Unix(ts, 0)
	if now.Sub(issued) > writeSkewAllowance || issued.Sub(now) > writeSkewAllowance {
		return errors.New("write timestamp skew too large")
	}
	sig, err := crypto.DecodeHex(r.Header.Get(headerSignature))
	if err != nil || len(sig) != crypto.SignatureSize {
		return errors.New("malformed write signature")
	}
	if !ed25519.Verify(ed25519.PublicKey(owner.Bytes()), writeDigest(http.MethodPut, path, body, ts), sig) {
		return errors.New("write signature does not verify")
	}
	return nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	owner, err := crypto.ParsePubkey(chi.URLParam(r, "pubkey"))
	if err != nil {
		http.Error(w, "invalid pubkey", http.StatusBadRequest)
		return
	}
	path := "/" + chi.URLParam(r, "*")

	if r.URL.Query().Get("list") != "" {
		s.handleList(w, owner, path)
		return
	}

	data, err := s.db.Get(s.objectKey(owner, path))
	if errors.Is(err, storage.ErrKeyNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleList(w http.ResponseWriter, owner crypto.Pubkey, prefix string) {
	keyPrefix := s.objectKey(owner, prefix)
	strip := len("dir/" + owner.String())
	var paths []string
	err := s.db.Iterate(keyPrefix, func(key, _ []byte) bool {
		paths = append(paths, string(key[strip:]))
		return true
	})
	if err != nil {
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(paths)
}
