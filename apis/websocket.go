package apis

import (
	"context"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/presencehub/common"
	"github.com/alwitt/presencehub/gateway"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// APIRestWebsocketHandler REST handler for attaching client websockets
type APIRestWebsocketHandler struct {
	goutils.RestAPIHandler
	control     gateway.Gateway
	gwConfig    common.GatewayConfig
	upgrader    websocket.Upgrader
	baseContext context.Context
}

// GetAPIRestWebsocketHandler define APIRestWebsocketHandler
func GetAPIRestWebsocketHandler(
	baseContext context.Context,
	control gateway.Gateway,
	httpConfig *common.HTTPConfig,
	gwConfig common.GatewayConfig,
) (APIRestWebsocketHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "websocket",
	}
	return APIRestWebsocketHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		control:  control,
		gwConfig: gwConfig,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin screening is left to the fronting proxy
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseContext: baseContext,
	}, nil
}

// Attach upgrade the request to a websocket and run it as a client connection.
//
// This is a long lived call. It returns when the client disconnects or the
// server shuts down.
func (h APIRestWebsocketHandler) Attach(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	conn, err := gateway.GetWebsocketConnection(ws, r.UserAgent(), h.gwConfig)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to wrap websocket")
		_ = ws.Close()
		return
	}

	// The request context dies with this handler; the connection runs
	// against the server lifetime instead
	h.control.RunConnection(h.baseContext, conn)
}

// AttachHandler Wrapper around Attach
func (h APIRestWebsocketHandler) AttachHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Attach(w, r)
	}
}
