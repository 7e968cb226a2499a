package api

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/opennotebook/internal/chatexec"
	"github.com/rakunlabs/opennotebook/internal/config"
	"github.com/rakunlabs/opennotebook/internal/queue"
	"github.com/rakunlabs/opennotebook/internal/store"
	"github.com/rakunlabs/opennotebook/internal/vault"
)

// Server is C9's HTTP surface: ingestion, status polling, chat streaming,
// and provider-secret CRUD. Auth/CORS enforcement is the external
// collaborator's job (spec §1); this package only trusts the caller-id
// header that collaborator populates.
type Server struct {
	server *ada.Server

	store store.Store
	queue *queue.Queue
	chat  *chatexec.Executor
	vault *vault.Vault

	uploadsDir  string
	userHeader  string
	adminHeader string
}

func New(cfg config.Server, st store.Store, q *queue.Queue, chat *chatexec.Executor, v *vault.Vault, uploadsDir string) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		server:      mux,
		store:       st,
		queue:       q,
		chat:        chat,
		vault:       v,
		uploadsDir:  uploadsDir,
		userHeader:  cfg.UserHeader,
		adminHeader: cfg.AdminHeader,
	}

	group := mux.Group("")
	group.POST("/sources/upload", s.IngestUpload)
	group.POST("/sources/link", s.IngestLink)
	group.POST("/sources/text", s.IngestText)
	group.GET("/sources/*", s.GetSource)

	group.POST("/chat/execute/stream", s.ChatExecuteStream)

	group.GET("/secrets", s.ListProviderSecrets)
	group.PUT("/secrets", s.UpsertProviderSecret)
	group.DELETE("/secrets/*", s.DeleteProviderSecret)

	group.GET("/health", s.Health)

	return s
}

func (s *Server) Start(ctx context.Context, host, port string) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(host, port))
}

// pathID extracts the trailing path segment after prefix, the same
// convention the teacher's extractSecretID uses for "/api/v1/secrets/{id}".
func pathID(r *http.Request, prefix string) string {
	path := r.URL.Path
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	id := strings.TrimPrefix(path, prefix)
	return strings.TrimSuffix(id, "/")
}
