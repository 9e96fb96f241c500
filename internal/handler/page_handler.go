package handler

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"sort"

	"github.com/hitoshi/relaydash/internal/middleware"
	"github.com/hitoshi/relaydash/internal/model"
	"github.com/hitoshi/relaydash/internal/search"
	"github.com/hitoshi/relaydash/internal/submission"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// defaultAvatarPath はプロフィール画像がないユーザーに表示する画像。
const defaultAvatarPath = "/static/default-avatar.png"

// signInErrorMessages はサインインページに表示するエラー種別ごとの文言。
var signInErrorMessages = map[string]string{
	"AccessDenied":  "Access was denied. Please contact your administrator.",
	"OAuthCallback": "Sign in failed. Please try again.",
}

// pageNames はテンプレートとして読み込むページ名。
var pageNames = []string{"signin", "home", "dashboard", "search"}

// searchResultView は検索結果1件分の表示内容。
type searchResultView struct {
	Label   string
	Success bool
	Data    string
	Error   string
}

// pageData はページテンプレートに渡す値。
type pageData struct {
	Title             string
	User              *model.SessionUser
	Nav               []NavLink
	CSRFToken         string
	AvatarURL         string
	DisplayName       string
	WebAuthnAvailable bool

	// サインイン
	Error string

	// ダッシュボード
	Form       model.SubmissionPayload
	Errors     model.FieldErrors
	ResultJSON string

	// 検索
	SearchTerm    string
	SearchError   string
	SearchResults []searchResultView
}

// PageHandler はサーバー描画ページのHTTPハンドラー。
type PageHandler struct {
	submissions       SubmissionServiceInterface
	search            SearchServiceInterface
	webAuthnAvailable bool
	templates         map[string]*template.Template
}

// NewPageHandler はテンプレートを読み込んでPageHandlerを生成する。
func NewPageHandler(submissions SubmissionServiceInterface, searchService SearchServiceInterface, webAuthnAvailable bool) (*PageHandler, error) {
	templates := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		tmpl, err := template.ParseFS(templateFS, "templates/base.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		templates[name] = tmpl
	}

	return &PageHandler{
		submissions:       submissions,
		search:            searchService,
		webAuthnAvailable: webAuthnAvailable,
		templates:         templates,
	}, nil
}

// StaticHandler は埋め込み静的ファイルを配信するハンドラーを返す。
// /static/ 配下にマウントする。
func StaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		// embedのパスはコンパイル時に確定しているため到達しない
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServerFS(sub))
}

// SignIn はサインインページを表示する。
// GET /auth/signin
func (h *PageHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	data := h.newPageData(r, "Sign in")
	if kind := r.URL.Query().Get("error"); kind != "" {
		msg, ok := signInErrorMessages[kind]
		if !ok {
			msg = "An error occurred during sign in."
		}
		data.Error = msg
	}
	h.render(w, http.StatusOK, "signin", data)
}

// Home は保護されたホームページを表示する。
// GET /
func (h *PageHandler) Home(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "home", h.newPageData(r, "Home"))
}

// Dashboard はフォームページを表示する。
// GET /dashboard
func (h *PageHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	data := h.newPageData(r, "Dashboard")
	data.Form = model.DefaultSubmissionPayload()
	h.render(w, http.StatusOK, "dashboard", data)
}

// SubmitDashboard はフォーム送信を検証し、結果を同じページに表示する。
// POST /dashboard
func (h *PageHandler) SubmitDashboard(w http.ResponseWriter, r *http.Request) {
	data := h.newPageData(r, "Dashboard")

	if err := r.ParseForm(); err != nil {
		data.Form = model.DefaultSubmissionPayload()
		data.Errors = model.FieldErrors{"form": submission.InvalidMessage}
		h.render(w, http.StatusBadRequest, "dashboard", data)
		return
	}

	payload := submission.PayloadFromForm(r.PostForm)
	result, fieldErrs := h.submissions.Submit(r.Context(), payload)
	if fieldErrs != nil {
		data.Form = payload
		data.Errors = fieldErrs
		h.render(w, http.StatusBadRequest, "dashboard", data)
		return
	}

	pretty, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		slog.Error("failed to encode submission result", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	data.Form = model.DefaultSubmissionPayload()
	data.ResultJSON = string(pretty)
	h.render(w, http.StatusOK, "dashboard", data)
}

// Search は11文字検索のページを表示する。
// GET /dashboard/search
func (h *PageHandler) Search(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "search", h.newPageData(r, "Search"))
}

// SubmitSearch はファンアウト検索を実行し、API別の結果を表示する。
// POST /dashboard/search
func (h *PageHandler) SubmitSearch(w http.ResponseWriter, r *http.Request) {
	data := h.newPageData(r, "Search")
	data.SearchTerm = r.PostFormValue("searchTerm")

	results, err := h.search.Search(r.Context(), data.SearchTerm)
	if err != nil {
		status := http.StatusInternalServerError
		data.SearchError = "Failed to process request"
		if errors.Is(err, search.ErrInvalidSearchTerm) {
			status = http.StatusBadRequest
			data.SearchError = search.ErrInvalidSearchTerm.Error()
		} else {
			slog.Error("search page request failed", slog.String("error", err.Error()))
		}
		h.render(w, status, "search", data)
		return
	}

	data.SearchResults = searchResultViews(results, h.search.Endpoints())
	h.render(w, http.StatusOK, "search", data)
}

// newPageData はセッションとCSRFトークンから共通の表示内容を組み立てる。
func (h *PageHandler) newPageData(r *http.Request, title string) *pageData {
	user := middleware.SessionUserFromContext(r.Context())
	data := &pageData{
		Title:             title,
		User:              user,
		Nav:               sidebarLinks(user, r.URL.Path),
		CSRFToken:         middleware.CSRFTokenFromContext(r.Context()),
		AvatarURL:         defaultAvatarPath,
		DisplayName:       "Guest",
		WebAuthnAvailable: h.webAuthnAvailable,
	}
	if user != nil {
		if user.Image != "" {
			data.AvatarURL = user.Image
		}
		if user.Name != "" {
			data.DisplayName = user.Name
		}
	}
	return data
}

// render はテンプレートをバッファに描画してからレスポンスに書き込む。
func (h *PageHandler) render(w http.ResponseWriter, status int, name string, data *pageData) {
	tmpl, ok := h.templates[name]
	if !ok {
		slog.Error("template not found", slog.String("template", name))
		middleware.WriteInternalServerError(w)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base", data); err != nil {
		slog.Error("failed to render template",
			slog.String("template", name),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// searchResultViews は検索結果をエンドポイントの設定順に並べた表示用データに変換する。
// 設定にないラベルは末尾にラベル順で続ける。
func searchResultViews(results model.SearchResults, endpoints []model.SearchEndpoint) []searchResultView {
	labels := make([]string, 0, len(results))
	seen := make(map[string]bool, len(results))
	for _, ep := range endpoints {
		if _, ok := results[ep.Label]; ok && !seen[ep.Label] {
			labels = append(labels, ep.Label)
			seen[ep.Label] = true
		}
	}
	var rest []string
	for label := range results {
		if !seen[label] {
			rest = append(rest, label)
		}
	}
	sort.Strings(rest)
	labels = append(labels, rest...)

	views := make([]searchResultView, 0, len(labels))
	for _, label := range labels {
		res := results[label]
		view := searchResultView{Label: label, Success: res.Success, Error: res.Error}
		if res.Success {
			view.Data = prettyJSON(res.Data)
		}
		views = append(views, view)
	}
	return views
}

func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
