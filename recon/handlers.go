package recon

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/channelsync_backend/config"
	"bitbucket.org/mmdatafocus/channelsync_backend/models"
	"bitbucket.org/mmdatafocus/channelsync_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
)

const statusCacheKey = "channelsync:recon:status"

// Handlers exposes the engine over HTTP. Route wiring happens in main.
type Handlers struct {
	Engine *Engine
}

func NewHandlers(engine *Engine) *Handlers {
	return &Handlers{Engine: engine}
}

// GetStatus serves a short-lived Redis cache when the engine is idle; a live
// cycle always reports fresh state.
func (h *Handlers) GetStatus(c *gin.Context) {
	if !h.Engine.Running() {
		var cached StatusResponse
		if ok, err := config.GetRedisObject(statusCacheKey, &cached); err == nil && ok {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	status, err := h.Engine.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !h.Engine.Running() {
		_ = config.SetRedisObject(statusCacheKey, status, 10*time.Second)
	}
	c.JSON(http.StatusOK, status)
}

// RunNow triggers one cycle synchronously. An overlapping call returns 409
// rather than queuing.
func (h *Handlers) RunNow(c *gin.Context) {
	res, err := h.Engine.RunCycle(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": res})
		return
	}
	if res.RunId == "" && res.Message == "cycle already running" {
		c.JSON(http.StatusConflict, res)
		return
	}
	_ = config.RemoveRedisKey(statusCacheKey)
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) StartScheduler(c *gin.Context) {
	var req StartSchedulerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
		return
	}
	if err := h.Engine.StartScheduler(c.Request.Context(), req.IntervalMinutes); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	_ = config.RemoveRedisKey(statusCacheKey)
	c.JSON(http.StatusOK, gin.H{"active": true, "intervalMinutes": req.IntervalMinutes})
}

func (h *Handlers) StopScheduler(c *gin.Context) {
	if err := h.Engine.StopScheduler(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	_ = config.RemoveRedisKey(statusCacheKey)
	c.JSON(http.StatusOK, gin.H{"active": false})
}

func auditFilterFromQuery(c *gin.Context) models.AuditFilter {
	filter := models.AuditFilter{
		RunId:       c.Query("runId"),
		EntryType:   c.Query("entryType"),
		OrderLineId: c.Query("orderLineId"),
		Status:      c.Query("status"),
		Limit:       200,
	}
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			filter.Limit = n
		}
	}
	return filter
}

func (h *Handlers) ListAudits(c *gin.Context) {
	entries, err := h.Engine.store.QueryAudit(c.Request.Context(), auditFilterFromQuery(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": entries, "count": len(entries)})
}

var auditExportHeader = []string{
	"ID", "Run", "Type", "Source", "Dest", "Order Line", "Product Id",
	"Product", "Option", "Qty", "Status", "Message", "Created At",
}

// ExportAudits streams the filtered ledger as XLSX. With upload=true the file
// is written to the report bucket instead and the object path returned.
func (h *Handlers) ExportAudits(c *gin.Context) {
	filter := auditFilterFromQuery(c)
	if filter.Limit == 200 {
		filter.Limit = 10000
	}
	entries, err := h.Engine.store.QueryAudit(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for col, title := range auditExportHeader {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(sheet, cell, title)
	}
	for i, e := range entries {
		row := i + 2
		values := []interface{}{
			e.ID, e.RunId, e.EntryType, e.SourceChannel, e.DestChannel,
			e.OrderLineId, e.ChannelProductId, e.ProductName, e.ProductOption,
			e.Quantity, e.Status, e.Message, e.CreatedAt.Format(time.RFC3339),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			f.SetCellValue(sheet, cell, v)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	fileName := fmt.Sprintf("sync-audits-%s.xlsx", time.Now().Format("20060102-150405"))
	const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	if c.Query("upload") == "true" {
		objectPath, err := utils.SaveReportToGCS(c.Request.Context(), "reports/"+fileName, buf.Bytes(), xlsxContentType)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"object": objectPath, "rows": len(entries)})
		return
	}

	c.Header("Content-Disposition", "attachment; filename="+fileName)
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}
