package pbhooks

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// RegisterRoutes adds the superuser-only backfill endpoints:
//
//	POST /api/lifehub/backfill          seal plaintext fields in place
//	POST /api/lifehub/backfill/dry-run  report what would be sealed
func (h *Hooks) RegisterRoutes(app core.App) {
	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		group := se.Router.Group("/api/lifehub")
		group.Bind(apis.RequireSuperuserAuth())

		group.POST("/backfill", func(re *core.RequestEvent) error {
			return h.handleBackfill(re, false)
		})
		group.POST("/backfill/dry-run", func(re *core.RequestEvent) error {
			return h.handleBackfill(re, true)
		})
		return se.Next()
	})
}

func (h *Hooks) handleBackfill(re *core.RequestEvent, dryRun bool) error {
	var req BackfillRequest
	if err := re.BindBody(&req); err != nil {
		return re.BadRequestError("invalid request body", err)
	}
	if req.Collection == "" {
		return re.BadRequestError("collection is required", nil)
	}
	if _, ok := h.Collection(req.Collection); !ok {
		return re.NotFoundError("collection is not configured for encryption", nil)
	}
	if dryRun {
		req.DryRun = true
	}

	result, err := h.Backfill(re.Request.Context(), re.App, req)
	if err != nil {
		return re.InternalServerError("backfill failed", err)
	}
	return re.JSON(http.StatusOK, result)
}
