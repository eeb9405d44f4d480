package histories

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/courierd/courier/internal/history"
	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type (
	PruneRequest struct {
		OlderThanDays int `json:"older_than_days" validate:"required,min=1"`
	}

	// EntryDto is the response used by endpoints that return history
	// entries (e.g., list, get).
	EntryDto struct {
		Id          uuid.UUID         `json:"id"`
		Kind        string            `json:"kind"`
		Label       string            `json:"label"`
		Params      map[string]string `json:"params"`
		Outcome     string            `json:"outcome"`
		Trouble     string            `json:"trouble,omitempty"`
		BytesTotal  int64             `json:"bytes_total"`
		Size        string            `json:"size"`
		ConcludedAt time.Time         `json:"concluded_at"`
	}

	HistoryService interface {
		ListHistory(kind history.Kind, limit int) ([]*history.Entry, error)
		GetHistory(uuid.UUID) (*history.Entry, error)
		DeleteHistory(uuid.UUID) error
		PruneHistory(olderThan time.Time) (int64, error)
	}

	Controller struct {
		validate *validator.Validate
		service  HistoryService
	}
)

func New(validate *validator.Validate, serv HistoryService) *Controller {
	return &Controller{validate: validate, service: serv}
}

// SetRoutes accepts the Echo group for the history endpoints and sets the
// routes on them.
func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.GET("/:id/", controller.get)
	eg.DELETE("/:id/", controller.delete)
	eg.POST("/prune/", controller.prune)
}

// list returns history entries most-recent-first. Optional query params:
// 'kind' restricts the listing to one kind, 'limit' caps the entry count.
func (controller *Controller) list(ec echo.Context) error {
	limit := 0
	if rawLimit := ec.QueryParam("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "'limit' must be a non-negative integer")
		}
		limit = parsed
	}

	entries, err := controller.service.ListHistory(history.Kind(ec.QueryParam("kind")), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	dtos := make([]*EntryDto, len(entries))
	for k, v := range entries {
		dtos[k] = NewDto(v)
	}

	return ec.JSON(http.StatusOK, dtos)
}

func (controller *Controller) get(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "History entry ID is not a valid UUID")
	}

	entry, err := controller.service.GetHistory(id)
	if err != nil {
		if errors.Is(err, history.ErrEntryNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}

		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.JSON(http.StatusOK, NewDto(entry))
}

func (controller *Controller) delete(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "History entry ID is not a valid UUID")
	}

	if err := controller.service.DeleteHistory(id); err != nil {
		if errors.Is(err, history.ErrEntryNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}

		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}

// prune deletes every entry older than the requested number of days,
// returning how many entries were removed.
func (controller *Controller) prune(ec echo.Context) error {
	var request PruneRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	cutoff := time.Now().AddDate(0, 0, -request.OlderThanDays)
	pruned, err := controller.service.PruneHistory(cutoff)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.JSON(http.StatusOK, map[string]any{"pruned": pruned})
}

// NewDto creates an EntryDto using the history entry model.
func NewDto(entry *history.Entry) *EntryDto {
	return &EntryDto{
		Id:          entry.ID,
		Kind:        string(entry.Kind),
		Label:       entry.Label,
		Params:      entry.Params,
		Outcome:     string(entry.Outcome),
		Trouble:     entry.Trouble,
		BytesTotal:  entry.BytesTotal,
		Size:        humanize.Bytes(uint64(entry.BytesTotal)),
		ConcludedAt: entry.ConcludedAt,
	}
}
