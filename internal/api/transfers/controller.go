package transfers

import (
	"fmt"
	"net/http"

	"github.com/courierd/courier/internal/transfer"
	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type (
	SendRequest struct {
		Paths []string `json:"paths" validate:"required,min=1,dive,required"`
	}

	ReceiveRequest struct {
		Code    string `json:"code" validate:"required"`
		DestDir string `json:"dest_dir"`
	}

	// TransferDto is the response used by endpoints that return transfer
	// tasks (e.g., list, get).
	TransferDto struct {
		Id        uuid.UUID        `json:"id"`
		Direction DirectionDto     `json:"direction"`
		Paths     []string         `json:"paths,omitempty"`
		Code      string           `json:"code,omitempty"`
		DestDir   string           `json:"dest_dir,omitempty"`
		State     TransferStateDto `json:"state"`
		Trouble   string           `json:"trouble,omitempty"`
		Progress  *ProgressDto     `json:"progress"`
	}

	ProgressDto struct {
		Percent     float64 `json:"percent"`
		BytesDone   uint64  `json:"bytes_done"`
		BytesTotal  uint64  `json:"bytes_total"`
		Size        string  `json:"size"`
		Speed       string  `json:"speed"`
		EtaSeconds  int     `json:"eta_seconds"`
		CurrentFile string  `json:"current_file,omitempty"`
	}

	DirectionDto     string
	TransferStateDto string

	TransferService interface {
		NewSend(paths []string) (uuid.UUID, error)
		NewReceive(code string, destDir string) (uuid.UUID, error)
		AllTasks() []*transfer.Task
		Task(uuid.UUID) *transfer.Task
		CancelTask(uuid.UUID) error
		PauseTask(uuid.UUID) error
		ResumeTask(uuid.UUID) error
		RestartTask(uuid.UUID) (uuid.UUID, error)
	}

	// Controller is the struct which is responsible for defining the
	// routes for this controller. Additionally, it holds the reference to
	// the transfer service used to fulfil the requests.
	Controller struct {
		validate *validator.Validate
		service  TransferService
	}
)

const (
	SEND    DirectionDto = "send"
	RECEIVE DirectionDto = "receive"

	WAITING   TransferStateDto = "WAITING"
	WORKING   TransferStateDto = "WORKING"
	SUSPENDED TransferStateDto = "SUSPENDED"
	TROUBLED  TransferStateDto = "TROUBLED"
	CANCELLED TransferStateDto = "CANCELLED"
	COMPLETE  TransferStateDto = "COMPLETE"
)

func New(validate *validator.Validate, serv TransferService) *Controller {
	return &Controller{validate: validate, service: serv}
}

// SetRoutes accepts the Echo group for the transfer endpoints and sets the
// routes on them.
func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.POST("/send/", controller.createSend)
	eg.POST("/receive/", controller.createReceive)
	eg.GET("/:id/", controller.get)
	eg.DELETE("/:id/", controller.cancel)
	eg.POST("/:id/pause/", controller.pause)
	eg.POST("/:id/resume/", controller.resume)
	eg.POST("/:id/restart/", controller.restart)
}

// list returns all the transfers - represented as DTOs - known to the
// underlying service.
func (controller *Controller) list(ec echo.Context) error {
	tasks := controller.service.AllTasks()
	dtos := make([]*TransferDto, len(tasks))
	for k, v := range tasks {
		dtos[k] = NewDto(v)
	}

	return ec.JSON(http.StatusOK, dtos)
}

// createSend queues a new croc send of the paths provided in the request
// body. The ID of the queued transfer is returned; the code phrase becomes
// available via subsequent polling (or the activity socket) once croc
// prints it.
func (controller *Controller) createSend(ec echo.Context) error {
	var request SendRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id, err := controller.service.NewSend(request.Paths)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.JSON(http.StatusCreated, map[string]any{"id": id})
}

// createReceive queues a new croc receive using the code phrase provided.
func (controller *Controller) createReceive(ec echo.Context) error {
	var request ReceiveRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id, err := controller.service.NewReceive(request.Code, request.DestDir)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.JSON(http.StatusCreated, map[string]any{"id": id})
}

func (controller *Controller) get(ec echo.Context) error {
	task, httpErr := controller.taskFromPath(ec)
	if httpErr != nil {
		return httpErr
	}

	return ec.JSON(http.StatusOK, NewDto(task))
}

func (controller *Controller) cancel(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Transfer ID is not a valid UUID")
	}

	if err := controller.service.CancelTask(id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}

func (controller *Controller) pause(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Transfer ID is not a valid UUID")
	}

	if err := controller.service.PauseTask(id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}

func (controller *Controller) resume(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Transfer ID is not a valid UUID")
	}

	if err := controller.service.ResumeTask(id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}

// restart cancels the transfer (if running) and queues a fresh one with
// the same parameters, returning the replacement ID.
func (controller *Controller) restart(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Transfer ID is not a valid UUID")
	}

	replacementID, err := controller.service.RestartTask(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.JSON(http.StatusCreated, map[string]any{"id": replacementID})
}

func (controller *Controller) taskFromPath(ec echo.Context) (*transfer.Task, *echo.HTTPError) {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Transfer ID is not a valid UUID")
	}

	task := controller.service.Task(id)
	if task == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound)
	}

	return task, nil
}

// NewDto creates a TransferDto using the transfer task model.
func NewDto(task *transfer.Task) *TransferDto {
	return &TransferDto{
		Id:        task.ID(),
		Direction: DirectionModelToDto(task.Direction()),
		Paths:     task.Paths(),
		Code:      task.Code(),
		DestDir:   task.DestDir(),
		State:     StateModelToDto(task.Status()),
		Trouble:   task.Trouble(),
		Progress:  NewProgressDto(task.LastProgress()),
	}
}

func NewProgressDto(snapshot *transfer.Snapshot) *ProgressDto {
	if snapshot == nil {
		return nil
	}

	return &ProgressDto{
		Percent:     snapshot.Percent,
		BytesDone:   snapshot.BytesDone,
		BytesTotal:  snapshot.BytesTotal,
		Size:        humanize.Bytes(snapshot.BytesTotal),
		Speed:       humanize.Bytes(snapshot.SpeedBps) + "/s",
		EtaSeconds:  snapshot.EtaSeconds,
		CurrentFile: snapshot.CurrentFile,
	}
}

func DirectionModelToDto(direction transfer.Direction) DirectionDto {
	if direction == transfer.SEND {
		return SEND
	}

	return RECEIVE
}

func StateModelToDto(state transfer.TaskStatus) TransferStateDto {
	switch state {
	case transfer.WAITING:
		return WAITING
	case transfer.WORKING:
		return WORKING
	case transfer.SUSPENDED:
		return SUSPENDED
	case transfer.TROUBLED:
		return TROUBLED
	case transfer.CANCELLED:
		return CANCELLED
	case transfer.COMPLETE:
		return COMPLETE
	}

	panic(fmt.Sprintf("transfer state %s is not recognized by API layer, DTO cannot be created. Please report this error.", state))
}
