package api

import (
	"github.com/courierd/courier/internal/api/downloads"
	"github.com/courierd/courier/internal/api/organizer"
	"github.com/courierd/courier/internal/api/transfers"
	"github.com/courierd/courier/internal/http/websocket"
	"github.com/google/uuid"
)

const (
	TitleTransferUpdate   = "TRANSFER_UPDATE"
	TitleTransferProgress = "TRANSFER_PROGRESS_UPDATE"
	TitleDownloadUpdate   = "DOWNLOAD_UPDATE"
	TitleDownloadProgress = "DOWNLOAD_PROGRESS_UPDATE"
	TitleOrganizerUpdate  = "ORGANIZER_UPDATE"
)

type (
	TransferUpdate struct {
		TransferID uuid.UUID              `json:"transfer_id"`
		Transfer   *transfers.TransferDto `json:"transfer"`
	}

	DownloadUpdate struct {
		DownloadID uuid.UUID              `json:"download_id"`
		Download   *downloads.DownloadDto `json:"download"`
	}

	OrganizerUpdate struct {
		ItemID uuid.UUID          `json:"item_id"`
		Item   *organizer.ItemDto `json:"item"`
	}

	// broadcaster pushes state snapshots on to the activity socket when a
	// resource changes. A nil DTO in an update indicates the resource has
	// concluded and left it's queue.
	broadcaster struct {
		socketHub       *websocket.SocketHub
		transferService transfers.TransferService
		downloadService downloads.DownloadService
		organizeService organizer.OrganizeService
	}
)

func newBroadcaster(
	socketHub *websocket.SocketHub,
	transferService transfers.TransferService,
	downloadService downloads.DownloadService,
	organizeService organizer.OrganizeService,
) *broadcaster {
	return &broadcaster{socketHub, transferService, downloadService, organizeService}
}

func (hub *broadcaster) BroadcastTransferUpdate(id uuid.UUID) error {
	return hub.broadcastTransfer(TitleTransferUpdate, id)
}

func (hub *broadcaster) BroadcastTransferProgressUpdate(id uuid.UUID) error {
	return hub.broadcastTransfer(TitleTransferProgress, id)
}

func (hub *broadcaster) BroadcastDownloadUpdate(id uuid.UUID) error {
	return hub.broadcastDownload(TitleDownloadUpdate, id)
}

func (hub *broadcaster) BroadcastDownloadProgressUpdate(id uuid.UUID) error {
	return hub.broadcastDownload(TitleDownloadProgress, id)
}

func (hub *broadcaster) BroadcastOrganizerUpdate(id uuid.UUID) error {
	var dto *organizer.ItemDto
	if item := hub.organizeService.Item(id); item != nil {
		dto = organizer.NewDto(item)
	}

	hub.broadcast(TitleOrganizerUpdate, OrganizerUpdate{ItemID: id, Item: dto})
	return nil
}

func (hub *broadcaster) broadcastTransfer(title string, id uuid.UUID) error {
	var dto *transfers.TransferDto
	if task := hub.transferService.Task(id); task != nil {
		dto = transfers.NewDto(task)
	}

	hub.broadcast(title, TransferUpdate{TransferID: id, Transfer: dto})
	return nil
}

func (hub *broadcaster) broadcastDownload(title string, id uuid.UUID) error {
	var dto *downloads.DownloadDto
	if task := hub.downloadService.Task(id); task != nil {
		dto = downloads.NewDto(task)
	}

	hub.broadcast(title, DownloadUpdate{DownloadID: id, Download: dto})
	return nil
}

func (hub *broadcaster) broadcast(title string, update any) {
	hub.socketHub.Send(&websocket.SocketMessage{
		Title: title,
		Body:  map[string]interface{}{"arguments": update},
		Type:  websocket.Update,
	})
}

// ConnectionPayload composes the welcome payload for new socket clients:
// the full current state of each queue so the client can render without
// waiting for update packets.
func (hub *broadcaster) ConnectionPayload() map[string]interface{} {
	transferTasks := hub.transferService.AllTasks()
	transferDtos := make([]*transfers.TransferDto, len(transferTasks))
	for k, v := range transferTasks {
		transferDtos[k] = transfers.NewDto(v)
	}

	downloadTasks := hub.downloadService.AllTasks()
	downloadDtos := make([]*downloads.DownloadDto, len(downloadTasks))
	for k, v := range downloadTasks {
		downloadDtos[k] = downloads.NewDto(v)
	}

	items := hub.organizeService.AllItems()
	itemDtos := make([]*organizer.ItemDto, len(items))
	for k, v := range items {
		itemDtos[k] = organizer.NewDto(v)
	}

	return map[string]interface{}{
		"transfers": transferDtos,
		"downloads": downloadDtos,
		"organizer": itemDtos,
	}
}
