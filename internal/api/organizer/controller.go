package organizer

import (
	"fmt"
	"net/http"

	"github.com/courierd/courier/internal/organize"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type (
	SweepRequest struct {
		Dir string `json:"dir" validate:"required"`
	}

	// ItemDto is the response used by endpoints that return organizer
	// items (e.g., list, get).
	ItemDto struct {
		Id       uuid.UUID    `json:"id"`
		Path     string       `json:"source_path"`
		State    ItemStateDto `json:"state"`
		Category string       `json:"category,omitempty"`
		DestPath string       `json:"dest_path,omitempty"`
		Trouble  string       `json:"trouble,omitempty"`
	}

	ItemStateDto string

	OrganizeService interface {
		AllItems() []*organize.Item
		Item(uuid.UUID) *organize.Item
		RemoveItem(uuid.UUID) error
		OrganizeDir(dir string) ([]uuid.UUID, error)
		DiscoverNewFiles()
		Categories() []string
	}

	Controller struct {
		validate *validator.Validate
		service  OrganizeService
	}
)

const (
	SETTLE_HOLD ItemStateDto = "SETTLE_HOLD"
	IDLE        ItemStateDto = "IDLE"
	ORGANIZING  ItemStateDto = "ORGANIZING"
	TROUBLED    ItemStateDto = "TROUBLED"
	COMPLETE    ItemStateDto = "COMPLETE"
)

func New(validate *validator.Validate, serv OrganizeService) *Controller {
	return &Controller{validate: validate, service: serv}
}

// SetRoutes accepts the Echo group for the organizer endpoints and sets
// the routes on them.
func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/items/", controller.list)
	eg.GET("/items/:id/", controller.get)
	eg.DELETE("/items/:id/", controller.delete)
	eg.GET("/categories/", controller.categories)
	eg.POST("/sweep/", controller.sweep)
	eg.POST("/poll/", controller.performPoll)
}

func (controller *Controller) list(ec echo.Context) error {
	items := controller.service.AllItems()
	dtos := make([]*ItemDto, len(items))
	for k, v := range items {
		dtos[k] = NewDto(v)
	}

	return ec.JSON(http.StatusOK, dtos)
}

func (controller *Controller) get(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Item ID is not a valid UUID")
	}

	item := controller.service.Item(id)
	if item == nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}

	return ec.JSON(http.StatusOK, NewDto(item))
}

func (controller *Controller) delete(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Item ID is not a valid UUID")
	}

	if err := controller.service.RemoveItem(id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}

func (controller *Controller) categories(ec echo.Context) error {
	return ec.JSON(http.StatusOK, controller.service.Categories())
}

// sweep performs a one-shot organize of the directory in the request body,
// returning the IDs of the queued items so the caller can track per-file
// results.
func (controller *Controller) sweep(ec echo.Context) error {
	var request SweepRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ids, err := controller.service.OrganizeDir(request.Dir)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.JSON(http.StatusAccepted, map[string]any{"ids": ids})
}

func (controller *Controller) performPoll(ec echo.Context) error {
	controller.service.DiscoverNewFiles()

	return ec.NoContent(http.StatusOK)
}

// NewDto creates an ItemDto using the organizer item model.
func NewDto(item *organize.Item) *ItemDto {
	return &ItemDto{
		Id:       item.ID,
		Path:     item.Path,
		State:    StateModelToDto(item.State),
		Category: item.Category,
		DestPath: item.DestPath,
		Trouble:  item.Trouble,
	}
}

func StateModelToDto(state organize.ItemState) ItemStateDto {
	switch state {
	case organize.SETTLE_HOLD:
		return SETTLE_HOLD
	case organize.IDLE:
		return IDLE
	case organize.ORGANIZING:
		return ORGANIZING
	case organize.TROUBLED:
		return TROUBLED
	case organize.COMPLETE:
		return COMPLETE
	}

	panic(fmt.Sprintf("organizer item state %s is not recognized by API layer, DTO cannot be created. Please report this error.", state))
}
