// Package redirect implements the Redirect Frontend (spec §4.7, §6): a
// thin HTTP surface over the current Link Table that answers artifact routes
// with a 302 to the latest artifact URL, a 200 JSON or HTML index, or a 404,
// plus a signed POST /update-links webhook that reloads the table. Grounded directly on pkg/server/server.go's chi router and
// middleware stack, consolidated onto zerolog (see DESIGN.md) and
// instrumented with otelchi instead of the teacher's bare middleware.Logger.
package redirect

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // required by the upstream webhook signature scheme, not used for secrecy
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"

	"github.com/kalbasit/repodata-tools/pkg/htmlindex"
	"github.com/kalbasit/repodata-tools/pkg/linktable"
)

const (
	routeIndex          = "/"
	routeChannelIndex   = "/{channel}/index.html"
	routeLabelIndex     = "/{channel}/label/{label}/index.html"
	routeChannelData    = "/{channel}/channeldata.json"
	routeLabelChanData  = "/{channel}/label/{label}/channeldata.json"
	routeRepodata       = "/{channel}/{subdir}/repodata.json"
	routeRepodataBz2    = "/{channel}/{subdir}/repodata.json.bz2"
	routeFromPkgs       = "/{channel}/{subdir}/repodata_from_packages.json"
	routeFromPkgsBz2    = "/{channel}/{subdir}/repodata_from_packages.json.bz2"
	routeCurrent        = "/{channel}/{subdir}/current_repodata.json"
	routeCurrentBz2     = "/{channel}/{subdir}/current_repodata.json.bz2"
	routePackage        = "/{channel}/{subdir}/{pkg}"
	routeLabelRepodata  = "/{channel}/label/{label}/{subdir}/repodata.json"
	routeLabelRepoBz2   = "/{channel}/label/{label}/{subdir}/repodata.json.bz2"
	routeLabelFromPkgs  = "/{channel}/label/{label}/{subdir}/repodata_from_packages.json"
	routeLabelFromPkBz2 = "/{channel}/label/{label}/{subdir}/repodata_from_packages.json.bz2"
	routeLabelCurrent   = "/{channel}/label/{label}/{subdir}/current_repodata.json"
	routeLabelCurBz2    = "/{channel}/label/{label}/{subdir}/current_repodata.json.bz2"
	routeLabelPackage   = "/{channel}/label/{label}/{subdir}/{pkg}"
	routeUpdateLinks    = "/update-links"

	contentType     = "Content-Type"
	contentTypeJSON = "application/json"

	hmacHeader = "X-Hub-Signature"
	hmacPrefix = "sha1="

	pingEvent = "ping"
)

// Reloader re-reads the Link Table (e.g. by re-downloading links.json.bz2
// from the latest published release), returning the freshly parsed table
// (spec §6 POST /update-links).
type Reloader func() (*linktable.Table, error)

// Server is the Redirect Frontend HTTP handler.
type Server struct {
	links      *linktable.Holder
	reload     Reloader
	webhookKey []byte
	router     *chi.Mux
}

// New builds a Server over links. webhookSecret authenticates POST
// /update-links requests (spec §6); an empty secret disables the endpoint
// (every request is rejected with 403, matching "absent
// credentials disable the corresponding operation" from spec §6
// Environment).
func New(links *linktable.Holder, reload Reloader, webhookSecret string) *Server {
	s := &Server{
		links:      links,
		reload:     reload,
		webhookKey: []byte(webhookSecret),
	}

	s.router = s.createRouter()

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) createRouter() *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(otelchi.Middleware("repodata-tools-redirect", otelchi.WithChiRoutes(router)))
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	router.Get(routeIndex, s.getIndex)
	router.Get(routeChannelIndex, s.getChannelIndex)
	router.Get(routeLabelIndex, s.getLabelIndex)

	router.Get(routeChannelData, s.redirectTo(artifactChannelData))
	router.Get(routeLabelChanData, s.redirectTo(artifactLabelChannelData))

	router.Get(routeRepodata, s.redirectTo(artifactRepodata(false)))
	router.Get(routeRepodataBz2, s.redirectTo(artifactRepodata(true)))
	router.Get(routeFromPkgs, s.redirectTo(artifactFromPackages(false)))
	router.Get(routeFromPkgsBz2, s.redirectTo(artifactFromPackages(true)))
	router.Get(routeCurrent, s.redirectTo(artifactCurrent(false)))
	router.Get(routeCurrentBz2, s.redirectTo(artifactCurrent(true)))
	router.Get(routePackage, s.redirectToPackage)

	router.Get(routeLabelRepodata, s.redirectTo(artifactLabelRepodata(false)))
	router.Get(routeLabelRepoBz2, s.redirectTo(artifactLabelRepodata(true)))
	router.Get(routeLabelFromPkgs, s.redirectTo(artifactLabelFromPackages(false)))
	router.Get(routeLabelFromPkBz2, s.redirectTo(artifactLabelFromPackages(true)))
	router.Get(routeLabelCurrent, s.redirectTo(artifactLabelCurrent(false)))
	router.Get(routeLabelCurBz2, s.redirectTo(artifactLabelCurrent(true)))
	router.Get(routeLabelPackage, s.redirectToLabelPackage)

	router.Post(routeUpdateLinks, s.postUpdateLinks)

	return router
}

func requestLogger(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			zerolog.Ctx(r.Context()).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Str("reqID", middleware.GetReqID(r.Context())).
				Msg("request handled")
		}()

		next.ServeHTTP(ww, r)
	}

	return http.HandlerFunc(fn)
}

// getIndex answers "/" with a 200 JSON index summarizing the current Link
// Table (spec §6 "200 with a JSON index page").
func (s *Server) getIndex(w http.ResponseWriter, r *http.Request) {
	table := s.links.Load()

	body := struct {
		Labels      []string `json:"labels"`
		UpdatedAt   string   `json:"updated_at"`
		PackageCnt  int      `json:"package_count"`
		ArtifactCnt int      `json:"artifact_count"`
	}{
		Labels:      table.Labels,
		UpdatedAt:   table.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		PackageCnt:  len(table.Packages),
		ArtifactCnt: len(table.Serverdata),
	}

	w.Header().Set(contentType, contentTypeJSON)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error writing index response")
	}
}

// getChannelIndex answers "/<channel>/index.html" with a human-browsable
// page listing every label the Link Table has observed, supplementing the
// JSON index at "/" (spec §6, original_source/scripts/make_index_pages.py).
func (s *Server) getChannelIndex(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")

	body, err := htmlindex.Channel(s.links.Load(), channel)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error rendering channel index")
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	w.Header().Set(contentType, "text/html; charset=utf-8")
	_, _ = w.Write([]byte(body))
}

// getLabelIndex answers "/<channel>/label/<L>/index.html" with a
// per-subdir index of the latest repodata.json published for that label.
func (s *Server) getLabelIndex(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	label := chi.URLParam(r, "label")

	body, err := htmlindex.LabelFromTable(s.links.Load(), channel, label)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error rendering label index")
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	w.Header().Set(contentType, "text/html; charset=utf-8")
	_, _ = w.Write([]byte(body))
}

// artifactNamer derives the filename (spec §6 "Published artifacts") for a
// (subdir, label) artifact kind.
type artifactNamer func(*chi.Context) string

func artifactChannelData(*chi.Context) string { return "channeldata_main.json" }

func artifactLabelChannelData(rc *chi.Context) string {
	return fmt.Sprintf("channeldata_%s.json", rc.URLParam("label"))
}

func artifactRepodata(bz2 bool) artifactNamer {
	return func(rc *chi.Context) string {
		return withExt(fmt.Sprintf("repodata_%s_main.json", rc.URLParam("subdir")), bz2)
	}
}

func artifactFromPackages(bz2 bool) artifactNamer {
	return func(rc *chi.Context) string {
		return withExt(fmt.Sprintf("repodata_from_packages_%s_main.json", rc.URLParam("subdir")), bz2)
	}
}

func artifactCurrent(bz2 bool) artifactNamer {
	return func(rc *chi.Context) string {
		return withExt(fmt.Sprintf("current_repodata_%s_main.json", rc.URLParam("subdir")), bz2)
	}
}

func artifactLabelRepodata(bz2 bool) artifactNamer {
	return func(rc *chi.Context) string {
		return withExt(fmt.Sprintf("repodata_%s_%s.json", rc.URLParam("subdir"), rc.URLParam("label")), bz2)
	}
}

func artifactLabelFromPackages(bz2 bool) artifactNamer {
	return func(rc *chi.Context) string {
		return withExt(
			fmt.Sprintf("repodata_from_packages_%s_%s.json", rc.URLParam("subdir"), rc.URLParam("label")), bz2,
		)
	}
}

func artifactLabelCurrent(bz2 bool) artifactNamer {
	return func(rc *chi.Context) string {
		return withExt(fmt.Sprintf("current_repodata_%s_%s.json", rc.URLParam("subdir"), rc.URLParam("label")), bz2)
	}
}

func withExt(name string, bz2 bool) string {
	if bz2 {
		return name + ".bz2"
	}

	return name
}

// redirectTo returns a handler that looks up namer's artifact name in the
// newest serverdata entry and 302s to it, or 404s (spec §6 "302 ... or 404
// when the lookup misses").
func (s *Server) redirectTo(namer artifactNamer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc := chi.RouteContext(r.Context())

		name := namer(rc)

		url, ok := s.latestServerdata(name)
		if !ok {
			http.NotFound(w, r)

			return
		}

		http.Redirect(w, r, url, http.StatusFound)
	}
}

// redirectToPackage answers "/<channel>/<S>/<pkg>" from the packages index
// (spec §6 row `/<channel>/<S>/<pkg>` → `packages["<S>/<pkg>"]`).
func (s *Server) redirectToPackage(w http.ResponseWriter, r *http.Request) {
	subdir := chi.URLParam(r, "subdir")
	pkg := chi.URLParam(r, "pkg")

	url, ok := s.links.Load().Packages[subdir+"/"+pkg]
	if !ok {
		http.NotFound(w, r)

		return
	}

	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) redirectToLabelPackage(w http.ResponseWriter, r *http.Request) {
	s.redirectToPackage(w, r)
}

func (s *Server) latestServerdata(name string) (string, bool) {
	versions := s.links.Load().Serverdata[name]
	if len(versions) == 0 {
		return "", false
	}

	return versions[len(versions)-1], true
}

// postUpdateLinks validates the webhook signature, constant-time, and
// reloads the Link Table (spec §6 POST /update-links).
func (s *Server) postUpdateLinks(w http.ResponseWriter, r *http.Request) {
	body, err := readAll(w, r)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error reading webhook body")
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	if !s.validSignature(r.Header.Get(hmacHeader), body) {
		w.WriteHeader(http.StatusForbidden)

		return
	}

	if r.Header.Get("X-GitHub-Event") == pingEvent {
		// A ping carries no link-table reload, so it is not the same
		// "success, no body" case as a real update; answer with a body so
		// GitHub's ping UI has something to show, rather than forcing it
		// through the empty 204 used for an actual reload.
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))

		return
	}

	table, err := s.reload()
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error reloading link table")
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	s.links.Store(table)
	w.WriteHeader(http.StatusNoContent)
}

// validSignature verifies header against an HMAC-SHA1 of body using a
// constant-time comparison that does not short-circuit on first mismatch
// (spec §8 "Constant-time HMAC comparison").
func (s *Server) validSignature(header string, body []byte) bool {
	if len(s.webhookKey) == 0 {
		return false
	}

	sig, ok := strings.CutPrefix(header, hmacPrefix)
	if !ok {
		return false
	}

	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha1.New, s.webhookKey) //nolint:gosec // scheme-mandated algorithm
	mac.Write(body)
	got := mac.Sum(nil)

	return hmac.Equal(got, want)
}

func readAll(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()

	const maxWebhookBody = 10 << 20

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		return nil, fmt.Errorf("redirect: reading webhook body: %w", err)
	}

	return body, nil
}
