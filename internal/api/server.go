// Package api exposes sessions and commands over HTTP.
//
// Routes (prefix defaults to /api/v1.0):
//
//	GET  {prefix}/{backend}/connect/             start a session, returns authorize_url
//	                                             (and the token with ?bearer=true)
//	GET  {prefix}/{backend}/auth-form/           credential form
//	POST {prefix}/{backend}/auth/                submit credentials (JSON or form)
//	GET  {prefix}/{backend}/login/               200 when authenticated
//	GET  {prefix}/{backend}/logout/              always 200
//	GET  {prefix}/{backend}/account/             {"display_name": ...}
//	*    {prefix}/{backend}/exec/{cmd}/{arg...}  run a command
//
// The session token travels in the unifile_<backend> cookie or an
// Authorization: Bearer header. The cookie is HttpOnly, so the token only
// appears in a response body when the caller asks for it.
package api

import (
	_ "embed"
	"encoding/json"
	"html/template"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/unifile/internal/dispatch"
	"github.com/fruitsalade/unifile/internal/driver"
	"github.com/fruitsalade/unifile/internal/fserr"
	"github.com/fruitsalade/unifile/internal/logging"
	"github.com/fruitsalade/unifile/internal/metrics"
	"github.com/fruitsalade/unifile/internal/session"
	"github.com/fruitsalade/unifile/internal/transfer"
)

// DefaultPrefix is the route prefix when none is configured.
const DefaultPrefix = "/api/v1.0"

// uploadField is the multipart field put reads its file from.
const uploadField = "data"

const maxCredentialBody = 64 << 10

//go:embed authform.html
var authFormHTML string

var authForm = template.Must(template.New("auth").Parse(authFormHTML))

// Config holds HTTP API settings.
type Config struct {
	Prefix       string
	CookieSecure bool
	CookieMaxAge time.Duration
}

// Server serves the session and command routes.
type Server struct {
	cfg        Config
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
}

// NewServer creates the HTTP API server.
func NewServer(cfg Config, sessions *session.Manager, d *dispatch.Dispatcher) *Server {
	cfg.Prefix = "/" + strings.Trim(cfg.Prefix, "/")
	if cfg.Prefix == "/" {
		cfg.Prefix = DefaultPrefix
	}
	return &Server{cfg: cfg, sessions: sessions, dispatcher: d}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	p := s.cfg.Prefix + "/{backend}"

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET "+p+"/connect/", s.handleConnect)
	mux.HandleFunc("GET "+p+"/auth-form/", s.handleAuthForm)
	mux.HandleFunc("POST "+p+"/auth/", s.handleAuth)
	mux.HandleFunc("GET "+p+"/login/", s.handleLogin)
	mux.HandleFunc("GET "+p+"/logout/", s.handleLogout)
	mux.HandleFunc("GET "+p+"/account/", s.handleAccount)

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut} {
		mux.HandleFunc(method+" "+p+"/exec/{cmd}", s.handleExec)
		mux.HandleFunc(method+" "+p+"/exec/{cmd}/{arg...}", s.handleExec)
	}

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func cookieName(backend string) string {
	return "unifile_" + backend
}

// token returns the caller's session token for backend: the Bearer header
// wins over the cookie.
func token(r *http.Request, backend string) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if c, err := r.Cookie(cookieName(backend)); err == nil {
		return c.Value
	}
	return ""
}

func (s *Server) setCookie(w http.ResponseWriter, backend, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName(backend),
		Value:    value,
		Path:     s.cfg.Prefix + "/" + backend,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) authFormURL(backend string) string {
	return s.cfg.Prefix + "/" + backend + "/auth-form/"
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	backend := r.PathValue("backend")
	tok, _, err := s.sessions.Connect(r.Context(), backend, token(r, backend))
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	maxAge := 0
	if s.cfg.CookieMaxAge > 0 {
		maxAge = int(s.cfg.CookieMaxAge.Seconds())
	}
	s.setCookie(w, backend, tok, maxAge)

	body := map[string]string{"authorize_url": s.authFormURL(backend)}
	if bearer, _ := strconv.ParseBool(r.URL.Query().Get("bearer")); bearer {
		body["token"] = tok
	}
	s.sendJSON(w, http.StatusOK, body)
}

type authFormData struct {
	Backend string
	Action  string
	Failed  bool
	Done    bool
}

func (s *Server) handleAuthForm(w http.ResponseWriter, r *http.Request) {
	backend := r.PathValue("backend")
	s.renderForm(w, http.StatusOK, authFormData{
		Backend: backend,
		Action:  s.cfg.Prefix + "/" + backend + "/auth/",
	})
}

func (s *Server) renderForm(w http.ResponseWriter, code int, data authFormData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := authForm.Execute(w, data); err != nil {
		logging.Warn("auth form render failed", zap.Error(err))
	}
}

func isJSON(r *http.Request) bool {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mt == "application/json"
}

func readCredentials(w http.ResponseWriter, r *http.Request) (driver.Credentials, error) {
	var creds driver.Credentials
	if isJSON(r) {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxCredentialBody)).Decode(&creds); err != nil {
			return creds, fserr.Wrap(fserr.KindInvalidArgument, "auth", "", err)
		}
		return creds, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxCredentialBody)
	if err := r.ParseForm(); err != nil {
		return creds, fserr.Wrap(fserr.KindInvalidArgument, "auth", "", err)
	}
	creds.Username = r.PostFormValue("username")
	creds.Password = r.PostFormValue("password")
	creds.Host = r.PostFormValue("host")
	creds.Port = r.PostFormValue("port")
	return creds, nil
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	backend := r.PathValue("backend")
	creds, err := readCredentials(w, r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	form := !isJSON(r)
	_, err = s.sessions.Authenticate(r.Context(), token(r, backend), creds)
	if err != nil {
		if form && fserr.KindOf(err) == fserr.KindAuthentication {
			// put the session back in pending_auth so the form can be resubmitted
			if _, _, cerr := s.sessions.Connect(r.Context(), backend, token(r, backend)); cerr != nil {
				logging.WithContext(r.Context()).Warn("session re-arm failed", zap.Error(cerr))
			}
			s.renderForm(w, http.StatusUnauthorized, authFormData{
				Backend: backend,
				Action:  s.cfg.Prefix + "/" + backend + "/auth/",
				Failed:  true,
			})
			return
		}
		s.sendError(w, r, err)
		return
	}

	if form {
		s.renderForm(w, http.StatusOK, authFormData{Backend: backend, Done: true})
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	backend := r.PathValue("backend")
	if err := s.sessions.Status(r.Context(), token(r, backend), backend); err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	backend := r.PathValue("backend")
	s.sessions.Logout(r.Context(), token(r, backend))
	s.setCookie(w, backend, "", -1)
	s.sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	backend := r.PathValue("backend")
	acc, err := s.sessions.Account(r.Context(), token(r, backend), backend)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, acc)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	backend := r.PathValue("backend")

	sess, err := s.sessions.Resolve(ctx, token(r, backend), backend)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	t, err := s.sessions.Target(sess)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	name := r.PathValue("cmd")
	var payload transfer.Source
	if name == dispatch.Put && r.Method != http.MethodGet {
		switch {
		case transfer.IsMultipart(r):
			payload = transfer.Multipart(r, uploadField)
		case r.ContentLength != 0:
			payload = transfer.Raw(r.Body, r.ContentLength)
		}
	}

	cmd, err := s.dispatcher.Parse(name, r.PathValue("arg"), payload)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	ctx = logging.WithFields(ctx, logging.Session(sess.ID))
	res, err := s.dispatcher.Execute(ctx, t, cmd)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	switch {
	case res.Download != nil:
		s.sendDownload(w, r, res.Download)
	case res.Entries != nil:
		s.sendJSON(w, http.StatusOK, res.Entries)
	default:
		s.sendJSON(w, http.StatusOK, res.Ack)
	}
}

func (s *Server) sendDownload(w http.ResponseWriter, r *http.Request, dl *dispatch.Download) {
	defer dl.Close()

	h := w.Header()
	h.Set("Content-Type", dl.ContentType)
	if dl.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}
	h.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": dl.Name}))
	w.WriteHeader(http.StatusOK)

	if _, err := dl.Stream(r.Context(), w); err != nil {
		// headers are gone; the client sees a short body
		logging.WithContext(r.Context()).Warn("download interrupted", zap.String("file", dl.Name), zap.Error(err))
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("response encode failed", zap.Error(err))
	}
}

// errorResponse is the body of every failed request. Message never carries
// backend error text.
type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	kind := fserr.KindOf(err)
	code := fserr.HTTPStatus(kind)
	if code >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	s.sendJSON(w, code, errorResponse{
		Error:     string(kind),
		Message:   fserr.Public(err),
		RequestID: logging.GetRequestID(r.Context()),
	})
}
