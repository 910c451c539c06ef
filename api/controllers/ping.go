package controllers

import (
	"net/http"

	"github.com/angelmondragon/mate-payments/api/middleware"
	"github.com/angelmondragon/mate-payments/api/responses"
)

type pong struct {
	Scope  string `json:"scope"`
	Status string `json:"status"`
	UserID int64  `json:"user_id,omitempty"`
}

func ping(scope string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, pong{Scope: scope, Status: "ok", UserID: middleware.UserIDFromContext(r.Context())})
	}
}

// PublicPing, PrivatePing and AdminPing let clients check each auth tier.
func PublicPing() http.HandlerFunc  { return ping("public") }
func PrivatePing() http.HandlerFunc { return ping("private") }
func AdminPing() http.HandlerFunc   { return ping("admin") }
