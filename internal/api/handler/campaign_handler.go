package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/api/middleware"
	"github.com/open-apime/disparador/internal/pkg/response"
	"github.com/open-apime/disparador/internal/service/campaign"
	"github.com/open-apime/disparador/internal/storage/model"
)

const maxImportSize = 5 << 20

type CampaignService interface {
	Create(ctx context.Context, actor campaign.Actor, in campaign.CreateInput) (model.Campaign, error)
	GetWithRecipients(ctx context.Context, actor campaign.Actor, id string) (model.Campaign, error)
	List(ctx context.Context, actor campaign.Actor) ([]model.Campaign, error)
	Update(ctx context.Context, actor campaign.Actor, id string, in campaign.UpdateInput) (model.Campaign, error)
	Delete(ctx context.Context, actor campaign.Actor, id string) error
	Clone(ctx context.Context, actor campaign.Actor, id string) (model.Campaign, error)
	Start(ctx context.Context, actor campaign.Actor, id string) (model.Campaign, error)
	Resume(ctx context.Context, actor campaign.Actor, id string) (model.Campaign, error)
	Pause(ctx context.Context, actor campaign.Actor, id string) (model.Campaign, error)
	Cancel(ctx context.Context, actor campaign.Actor, id string) (model.Campaign, error)
	RetryRecipient(ctx context.Context, actor campaign.Actor, id, number string) (model.Campaign, error)
	RetryFailed(ctx context.Context, actor campaign.Actor, id string) (model.Campaign, error)
	ExportResults(ctx context.Context, actor campaign.Actor, id string, w io.Writer) error
}

type SchedulerStatus interface {
	Last() (campaign.Result, bool)
}

type CampaignHandler struct {
	service   CampaignService
	scheduler SchedulerStatus
	log       *zap.Logger
}

func NewCampaignHandler(service CampaignService, scheduler SchedulerStatus, log *zap.Logger) *CampaignHandler {
	return &CampaignHandler{service: service, scheduler: scheduler, log: log}
}

func (h *CampaignHandler) Register(r *gin.RouterGroup) {
	g := r.Group("/campaigns", middleware.RequireUser())
	g.GET("", h.list)
	g.POST("", h.create)
	g.POST("/import", h.importCSV)
	g.GET("/scheduler", middleware.RequireAdmin(), h.schedulerStatus)
	g.GET("/:id", h.get)
	g.PUT("/:id", h.update)
	g.DELETE("/:id", h.delete)
	g.POST("/:id/start", h.action(CampaignService.Start))
	g.POST("/:id/pause", h.action(CampaignService.Pause))
	g.POST("/:id/resume", h.action(CampaignService.Resume))
	g.POST("/:id/cancel", h.action(CampaignService.Cancel))
	g.POST("/:id/clone", h.clone)
	g.POST("/:id/retry", h.action(CampaignService.RetryFailed))
	g.POST("/:id/recipients/:number/retry", h.retryRecipient)
	g.GET("/:id/export", h.export)
}

func actorFrom(c *gin.Context) campaign.Actor {
	return campaign.Actor{
		UserID: c.GetString(middleware.CtxUserID),
		Admin:  middleware.IsAdmin(c),
	}
}

func (h *CampaignHandler) list(c *gin.Context) {
	out, err := h.service.List(c.Request.Context(), actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, out)
}

func (h *CampaignHandler) create(c *gin.Context) {
	var in campaign.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.Error(c, http.StatusBadRequest, err)
		return
	}
	out, err := h.service.Create(c.Request.Context(), actorFrom(c), in)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, out)
}

func (h *CampaignHandler) get(c *gin.Context) {
	out, err := h.service.GetWithRecipients(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, out)
}

func (h *CampaignHandler) update(c *gin.Context) {
	var in campaign.UpdateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.Error(c, http.StatusBadRequest, err)
		return
	}
	out, err := h.service.Update(c.Request.Context(), actorFrom(c), c.Param("id"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, out)
}

func (h *CampaignHandler) delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.Delete(c.Request.Context(), actorFrom(c), id); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"id": id, "deleted": true})
}

func (h *CampaignHandler) clone(c *gin.Context) {
	out, err := h.service.Clone(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, out)
}

func (h *CampaignHandler) action(fn func(CampaignService, context.Context, campaign.Actor, string) (model.Campaign, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := fn(h.service, c.Request.Context(), actorFrom(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, http.StatusOK, out)
	}
}

func (h *CampaignHandler) retryRecipient(c *gin.Context) {
	out, err := h.service.RetryRecipient(c.Request.Context(), actorFrom(c), c.Param("id"), c.Param("number"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, out)
}

func (h *CampaignHandler) export(c *gin.Context) {
	id := c.Param("id")
	// valida acesso antes de escrever cabeçalhos de anexo
	if _, err := h.service.GetWithRecipients(c.Request.Context(), actorFrom(c), id); err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="campaign-%s.csv"`, id))
	c.Status(http.StatusOK)
	if err := h.service.ExportResults(c.Request.Context(), actorFrom(c), id, c.Writer); err != nil {
		h.log.Error("erro ao exportar resultados", zap.String("campaign_id", id), zap.Error(err))
	}
}

func (h *CampaignHandler) importCSV(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		response.ErrorWithMessage(c, http.StatusBadRequest, "arquivo CSV é obrigatório no campo file")
		return
	}
	if fh.Size > maxImportSize {
		response.ErrorWithMessage(c, http.StatusRequestEntityTooLarge, "arquivo excede 5MB")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.Error(c, http.StatusBadRequest, err)
		return
	}
	defer f.Close()

	res, err := campaign.ParseRecipientsCSV(f)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

func (h *CampaignHandler) schedulerStatus(c *gin.Context) {
	res, ok := h.scheduler.Last()
	if !ok {
		response.Success(c, http.StatusOK, gin.H{"ran": false})
		return
	}
	response.Success(c, http.StatusOK, res)
}
