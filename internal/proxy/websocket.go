package proxy

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/devpool-mini/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SessionResolver looks up the live session for a project.
type SessionResolver interface {
	GetSession(ctx context.Context, projectID string) (*models.Session, error)
}

// Server proxies WebSocket connections from clients to the preview
// process on a project's instance, so callers never need direct
// network reach to instances.
type Server struct {
	sessions SessionResolver
	logger   *zap.Logger
}

func NewServer(sessions SessionResolver, logger *zap.Logger) *Server {
	return &Server{sessions: sessions, logger: logger}
}

// HandlePreviewConnection upgrades the client connection and pumps
// frames both ways between it and the instance's preview socket.
func (s *Server) HandlePreviewConnection(w http.ResponseWriter, r *http.Request, projectID string) {
	sess, err := s.sessions.GetSession(r.Context(), projectID)
	if err != nil {
		http.Error(w, "no live session for project", http.StatusNotFound)
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer clientConn.Close()

	target := wsURL(sess.Endpoint) + "/preview"
	header := http.Header{"X-Instance-Id": []string{sess.InstanceID}}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	instanceConn, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		s.logger.Warn("preview dial failed",
			zap.String("project", projectID),
			zap.String("target", target),
			zap.Error(err))
		clientConn.WriteMessage(websocket.TextMessage, []byte("preview unavailable"))
		return
	}
	defer instanceConn.Close()

	errChan := make(chan error, 2)
	go func() { errChan <- s.pump(clientConn, instanceConn) }()
	go func() { errChan <- s.pump(instanceConn, clientConn) }()

	if err := <-errChan; err != nil && err != io.EOF {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			s.logger.Debug("preview proxy closed", zap.String("project", projectID), zap.Error(err))
		}
	}
}

func (s *Server) pump(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}

func wsURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "https://") {
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	}
	return "ws://" + strings.TrimPrefix(endpoint, "http://")
}
