package initialize

import (
	"net/http"

	"booth-agent/backend/app/controllers"
	jwtutil "booth-agent/backend/app/jwt"
	"booth-agent/backend/app/middleware"
	"booth-agent/backend/app/socket"
	"booth-agent/backend/config"
	"booth-agent/backend/global"
	"booth-agent/backend/router"
)

type App struct {
	Cfg      config.Config
	Hub      *socket.Hub
	Router   http.Handler
	Commands *controllers.CommandController
}

// Build wires the simulator from cfg.
func Build(cfg config.Config) *App {
	global.Config = cfg

	hub := socket.NewHub()
	hub.SetOptions(socket.Options{RejectReason: cfg.RejectReason, HoldResultAcks: cfg.HoldAcks})

	mw := &middleware.Auth{}
	if cfg.JWT.Secret != "" {
		mw.Verifier = &jwtutil.Verifier{Secret: []byte(cfg.JWT.Secret), Issuer: cfg.JWT.Issuer}
	}
	cmdCtrl := controllers.NewCommandController(hub)

	h := router.NewRouter(hub, cmdCtrl, mw)
	h = middleware.Logging(h)
	return &App{Cfg: cfg, Hub: hub, Router: h, Commands: cmdCtrl}
}
