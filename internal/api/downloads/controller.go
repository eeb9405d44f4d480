package downloads

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/courierd/courier/internal/download"
	"github.com/courierd/courier/internal/ytdlp"
	"github.com/dustin/go-humanize"
	"github.com/floostack/transcoder"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type (
	DownloadRequest struct {
		Url       string `json:"url" validate:"required,url"`
		Format    string `json:"format"`
		DestDir   string `json:"dest_dir"`
		ConvertTo string `json:"convert_to"`
	}

	ConvertRequest struct {
		InputPath    string `json:"input_path" validate:"required"`
		TargetFormat string `json:"target_format" validate:"required"`
	}

	ProbeRequest struct {
		Url string `json:"url" validate:"required,url"`
	}

	ProbeFileRequest struct {
		Path string `json:"path" validate:"required"`
	}

	// DownloadDto is the response used by endpoints that return download
	// tasks (e.g., list, get).
	DownloadDto struct {
		Id         uuid.UUID        `json:"id"`
		Kind       KindDto          `json:"kind"`
		Url        string           `json:"url,omitempty"`
		Format     string           `json:"format,omitempty"`
		DestDir    string           `json:"dest_dir,omitempty"`
		ConvertTo  string           `json:"convert_to,omitempty"`
		InputPath  string           `json:"input_path,omitempty"`
		OutputPath string           `json:"output_path,omitempty"`
		State      DownloadStateDto `json:"state"`
		Trouble    string           `json:"trouble,omitempty"`
		Progress   *ProgressDto     `json:"progress"`
	}

	ProgressDto struct {
		Percent     float64 `json:"percent"`
		Stage       string  `json:"stage"`
		BytesTotal  uint64  `json:"bytes_total"`
		Size        string  `json:"size"`
		Speed       string  `json:"speed"`
		EtaSeconds  int     `json:"eta_seconds"`
		Destination string  `json:"destination,omitempty"`
		ItemIndex   int     `json:"item_index"`
		ItemCount   int     `json:"item_count"`
	}

	MetadataDto struct {
		Id         string      `json:"id"`
		Title      string      `json:"title"`
		Uploader   string      `json:"uploader,omitempty"`
		Duration   float64     `json:"duration_seconds,omitempty"`
		Extractor  string      `json:"extractor,omitempty"`
		WebpageURL string      `json:"webpage_url,omitempty"`
		Thumbnail  string      `json:"thumbnail,omitempty"`
		Formats    []FormatDto `json:"formats,omitempty"`
		IsPlaylist bool        `json:"is_playlist"`
		EntryCount int         `json:"entry_count,omitempty"`
	}

	// FormatDto describes one downloadable format; Id is what a client
	// passes back as the download request's format string.
	FormatDto struct {
		Id         string `json:"id"`
		Ext        string `json:"ext"`
		Resolution string `json:"resolution,omitempty"`
		Note       string `json:"note,omitempty"`
	}

	// FileMetadataDto summarizes what ffprobe reports about a local media
	// file. Width/Height/Codec come from the first stream and are omitted
	// for audio-only files with no stream information.
	FileMetadataDto struct {
		Container       string  `json:"container"`
		DurationSeconds float64 `json:"duration_seconds"`
		Size            string  `json:"size,omitempty"`
		BitRate         string  `json:"bit_rate,omitempty"`
		Codec           string  `json:"codec,omitempty"`
		Width           int     `json:"width,omitempty"`
		Height          int     `json:"height,omitempty"`
	}

	KindDto          string
	DownloadStateDto string

	DownloadService interface {
		NewDownload(url string, format string, destDir string, convertTo string) (uuid.UUID, error)
		NewConversion(inputPath string, targetFormat string) (uuid.UUID, error)
		Probe(ctx context.Context, url string) (*ytdlp.Metadata, error)
		ProbeFile(path string) (transcoder.Metadata, error)
		AllTasks() []*download.Task
		Task(uuid.UUID) *download.Task
		CancelTask(uuid.UUID) error
		PauseTask(uuid.UUID) error
		ResumeTask(uuid.UUID) error
		RestartTask(uuid.UUID) (uuid.UUID, error)
	}

	Controller struct {
		validate *validator.Validate
		service  DownloadService
	}
)

const (
	DOWNLOAD KindDto = "download"
	CONVERT  KindDto = "convert"

	WAITING   DownloadStateDto = "WAITING"
	WORKING   DownloadStateDto = "WORKING"
	SUSPENDED DownloadStateDto = "SUSPENDED"
	TROUBLED  DownloadStateDto = "TROUBLED"
	CANCELLED DownloadStateDto = "CANCELLED"
	COMPLETE  DownloadStateDto = "COMPLETE"
)

func New(validate *validator.Validate, serv DownloadService) *Controller {
	return &Controller{validate: validate, service: serv}
}

// SetRoutes accepts the Echo group for the download endpoints and sets the
// routes on them.
func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.POST("/", controller.create)
	eg.POST("/convert/", controller.createConversion)
	eg.POST("/probe/", controller.probe)
	eg.POST("/probe-file/", controller.probeFile)
	eg.GET("/:id/", controller.get)
	eg.DELETE("/:id/", controller.cancel)
	eg.POST("/:id/pause/", controller.pause)
	eg.POST("/:id/resume/", controller.resume)
	eg.POST("/:id/restart/", controller.restart)
}

func (controller *Controller) list(ec echo.Context) error {
	tasks := controller.service.AllTasks()
	dtos := make([]*DownloadDto, len(tasks))
	for k, v := range tasks {
		dtos[k] = NewDto(v)
	}

	return ec.JSON(http.StatusOK, dtos)
}

// create queues a new yt-dlp download of the URL in the request body. A
// non-empty 'convert_to' extension adds a conversion stage which runs once
// the download completes.
func (controller *Controller) create(ec echo.Context) error {
	var request DownloadRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id, err := controller.service.NewDownload(request.Url, request.Format, request.DestDir, request.ConvertTo)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.JSON(http.StatusCreated, map[string]any{"id": id})
}

// createConversion queues a standalone conversion of a local file.
func (controller *Controller) createConversion(ec echo.Context) error {
	var request ConvertRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id, err := controller.service.NewConversion(request.InputPath, request.TargetFormat)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.JSON(http.StatusCreated, map[string]any{"id": id})
}

// probe fetches metadata for a URL without downloading anything, allowing
// a client to present title/duration/playlist information before the user
// commits to a download.
func (controller *Controller) probe(ec echo.Context) error {
	var request ProbeRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	metadata, err := controller.service.Probe(ec.Request().Context(), request.Url)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	return ec.JSON(http.StatusOK, NewMetadataDto(metadata))
}

// probeFile runs ffprobe against a local file, typically ahead of queueing
// a conversion of it.
func (controller *Controller) probeFile(ec echo.Context) error {
	var request ProbeFileRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	metadata, err := controller.service.ProbeFile(request.Path)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.JSON(http.StatusOK, NewFileMetadataDto(metadata))
}

func (controller *Controller) get(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Download ID is not a valid UUID")
	}

	task := controller.service.Task(id)
	if task == nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}

	return ec.JSON(http.StatusOK, NewDto(task))
}

func (controller *Controller) cancel(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Download ID is not a valid UUID")
	}

	if err := controller.service.CancelTask(id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}

func (controller *Controller) pause(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Download ID is not a valid UUID")
	}

	if err := controller.service.PauseTask(id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}

func (controller *Controller) resume(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Download ID is not a valid UUID")
	}

	if err := controller.service.ResumeTask(id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}

func (controller *Controller) restart(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Download ID is not a valid UUID")
	}

	replacementID, err := controller.service.RestartTask(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.JSON(http.StatusCreated, map[string]any{"id": replacementID})
}

// NewDto creates a DownloadDto using the download task model.
func NewDto(task *download.Task) *DownloadDto {
	return &DownloadDto{
		Id:         task.ID(),
		Kind:       KindModelToDto(task.Kind()),
		Url:        task.URL(),
		Format:     task.Format(),
		DestDir:    task.DestDir(),
		ConvertTo:  task.ConvertTo(),
		InputPath:  task.InputPath(),
		OutputPath: task.OutputPath(),
		State:      StateModelToDto(task.Status()),
		Trouble:    task.Trouble(),
		Progress:   NewProgressDto(task.LastProgress()),
	}
}

func NewProgressDto(snapshot *download.Snapshot) *ProgressDto {
	if snapshot == nil {
		return nil
	}

	return &ProgressDto{
		Percent:     snapshot.Percent,
		Stage:       snapshot.Stage.String(),
		BytesTotal:  snapshot.BytesTotal,
		Size:        humanize.Bytes(snapshot.BytesTotal),
		Speed:       humanize.Bytes(snapshot.SpeedBps) + "/s",
		EtaSeconds:  snapshot.EtaSeconds,
		Destination: snapshot.Destination,
		ItemIndex:   snapshot.ItemIndex,
		ItemCount:   snapshot.ItemCount,
	}
}

func NewMetadataDto(metadata *ytdlp.Metadata) *MetadataDto {
	formats := make([]FormatDto, len(metadata.Formats))
	for k, v := range metadata.Formats {
		formats[k] = FormatDto{Id: v.ID, Ext: v.Ext, Resolution: v.Resolution, Note: v.Note}
	}

	return &MetadataDto{
		Id:         metadata.ID,
		Title:      metadata.Title,
		Uploader:   metadata.Uploader,
		Duration:   metadata.Duration,
		Extractor:  metadata.Extractor,
		WebpageURL: metadata.WebpageURL,
		Thumbnail:  metadata.Thumbnail,
		Formats:    formats,
		IsPlaylist: metadata.IsPlaylist,
		EntryCount: metadata.EntryCount,
	}
}

func NewFileMetadataDto(metadata transcoder.Metadata) *FileMetadataDto {
	format := metadata.GetFormat()
	duration, _ := strconv.ParseFloat(format.GetDuration(), 64)

	dto := &FileMetadataDto{
		Container:       format.GetFormatName(),
		DurationSeconds: duration,
		Size:            format.GetSize(),
		BitRate:         format.GetBitRate(),
	}

	if streams := metadata.GetStreams(); len(streams) > 0 {
		dto.Codec = streams[0].GetCodecName()
		dto.Width = streams[0].GetWidth()
		dto.Height = streams[0].GetHeight()
	}

	return dto
}

func KindModelToDto(kind download.Kind) KindDto {
	if kind == download.DOWNLOAD {
		return DOWNLOAD
	}

	return CONVERT
}

func StateModelToDto(state download.TaskStatus) DownloadStateDto {
	switch state {
	case download.WAITING:
		return WAITING
	case download.WORKING:
		return WORKING
	case download.SUSPENDED:
		return SUSPENDED
	case download.TROUBLED:
		return TROUBLED
	case download.CANCELLED:
		return CANCELLED
	case download.COMPLETE:
		return COMPLETE
	}

	panic(fmt.Sprintf("download state %s is not recognized by API layer, DTO cannot be created. Please report this error.", state))
}
