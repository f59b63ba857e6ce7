package router

import (
	"net/http"

	"booth-agent/backend/app/controllers"
	"booth-agent/backend/app/middleware"
	"booth-agent/backend/app/socket"
	"booth-agent/protocol"
)

func NewRouter(hub *socket.Hub, cmdCtrl *controllers.CommandController, mw *middleware.Auth) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(protocol.Path, mw.RequireAgent(hub))

	mux.HandleFunc("/admin/command", cmdCtrl.Post)
	mux.HandleFunc("/admin/online", cmdCtrl.Online)
	mux.HandleFunc("/admin/results", cmdCtrl.Results)
	return mux
}
