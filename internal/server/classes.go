package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/apierr"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/objects"
)

type findResponsePayload struct {
	Results []map[string]any `json:"results"`
	Count   *int             `json:"count,omitempty"`
}

func (h *httpHandler) handleFind(c *gin.Context) {
	options, where, err := parseFindParameters(c)
	if err != nil {
		writeError(c, err)
		return
	}
	options.ACL = callerACL(c)

	result, err := h.objects.Find(c.Request.Context(), c.Param("className"), where, options)
	if err != nil {
		h.logError("find failed", c, err)
		writeError(c, err)
		return
	}
	response := findResponsePayload{Results: result.Results}
	if options.Count {
		count := result.Count
		response.Count = &count
		response.Results = []map[string]any{}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGet(c *gin.Context) {
	object, err := h.objects.Get(c.Request.Context(), c.Param("className"), c.Param("objectId"), callerACL(c))
	if err != nil {
		h.logError("get failed", c, err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, object)
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	body, err := bindObject(c)
	if err != nil {
		writeError(c, err)
		return
	}
	created, err := h.objects.Create(c.Request.Context(), c.Param("className"), body, objects.WriteOptions{ACL: callerACL(c)})
	if err != nil {
		h.logError("create failed", c, err)
		writeError(c, err)
		return
	}
	c.Header("Location", "/classes/"+c.Param("className")+"/"+stringField(created, "objectId"))
	c.JSON(http.StatusCreated, gin.H{
		"objectId":  created["objectId"],
		"createdAt": created["createdAt"],
	})
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	body, err := bindObject(c)
	if err != nil {
		writeError(c, err)
		return
	}
	updated, err := h.objects.Update(c.Request.Context(), c.Param("className"), c.Param("objectId"), body, objects.WriteOptions{ACL: callerACL(c)})
	if err != nil {
		h.logError("update failed", c, err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updatedAt": updated["updatedAt"]})
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	err := h.objects.Delete(c.Request.Context(), c.Param("className"), c.Param("objectId"), objects.WriteOptions{ACL: callerACL(c)})
	if err != nil {
		h.logError("delete failed", c, err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) logError(message string, c *gin.Context, err error) {
	fields := []zap.Field{zap.String("class_name", c.Param("className")), zap.Error(err)}
	if apierr.CodeOf(err) == apierr.InternalServerError {
		h.logger.Error(message, fields...)
		return
	}
	h.logger.Debug(message, fields...)
}

func bindObject(c *gin.Context) (map[string]any, error) {
	var body map[string]any
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil || body == nil {
		return nil, apierr.New(apierr.InvalidJSON, "invalid JSON")
	}
	return body, nil
}

func parseFindParameters(c *gin.Context) (objects.FindOptions, map[string]any, error) {
	var options objects.FindOptions
	where := map[string]any{}
	if raw := c.Query("where"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &where); err != nil {
			return options, nil, apierr.New(apierr.InvalidJSON, "where must be a JSON object")
		}
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return options, nil, apierr.New(apierr.InvalidQuery, "limit must be a non-negative integer")
		}
		options.Limit = limit
	}
	if raw := c.Query("skip"); raw != "" {
		skip, err := strconv.Atoi(raw)
		if err != nil || skip < 0 {
			return options, nil, apierr.New(apierr.InvalidQuery, "skip must be a non-negative integer")
		}
		options.Skip = skip
	}
	if raw := c.Query("order"); raw != "" {
		options.Order = splitList(raw)
	}
	if raw := c.Query("keys"); raw != "" {
		options.Keys = splitList(raw)
	}
	if raw := c.Query("readPreference"); raw != "" {
		preference, ok := objects.ParseReadPreference(raw)
		if !ok {
			return options, nil, apierr.New(apierr.InvalidQuery, "readPreference %q is not supported", raw)
		}
		options.ReadPreference = preference
	}
	switch c.Query("count") {
	case "", "0", "false":
	default:
		options.Count = true
	}
	return options, where, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func stringField(object map[string]any, field string) string {
	value, _ := object[field].(string)
	return value
}
