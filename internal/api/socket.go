package api

import (
	"fmt"

	"github.com/courierd/courier/internal/api/downloads"
	"github.com/courierd/courier/internal/api/organizer"
	"github.com/courierd/courier/internal/api/transfers"
	"github.com/courierd/courier/internal/http/websocket"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// bindSocketCommands registers the command handlers that socket clients may
// invoke. Each command mirrors one of the REST operations so a client which
// lives entirely on the activity socket never needs to fall back to HTTP.
// Command arguments are decoded in to the same request structs the REST
// endpoints consume, and are held to the same validation rules.
func (gateway *RestGateway) bindSocketCommands(
	transferService transfers.TransferService,
	downloadService downloads.DownloadService,
	organizeService organizer.OrganizeService,
) {
	gateway.socket.
		BindCommand("TRANSFER_INDEX", func(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
			tasks := transferService.AllTasks()
			dtos := make([]*transfers.TransferDto, len(tasks))
			for k, v := range tasks {
				dtos[k] = transfers.NewDto(v)
			}

			hub.Send(message.FormReply("COMMAND_SUCCESS", map[string]interface{}{"payload": dtos}, websocket.Response))
			return nil
		}).
		BindCommand("TRANSFER_SEND", func(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
			var request transfers.SendRequest
			if err := gateway.decodeArguments(message, &request); err != nil {
				return err
			}

			id, err := transferService.NewSend(request.Paths)
			if err != nil {
				return err
			}

			hub.Send(message.FormReply("COMMAND_SUCCESS", map[string]interface{}{"payload": id}, websocket.Response))
			return nil
		}).
		BindCommand("TRANSFER_RECEIVE", func(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
			var request transfers.ReceiveRequest
			if err := gateway.decodeArguments(message, &request); err != nil {
				return err
			}

			id, err := transferService.NewReceive(request.Code, request.DestDir)
			if err != nil {
				return err
			}

			hub.Send(message.FormReply("COMMAND_SUCCESS", map[string]interface{}{"payload": id}, websocket.Response))
			return nil
		}).
		BindCommand("TRANSFER_CANCEL", idCommand(transferService.CancelTask)).
		BindCommand("TRANSFER_PAUSE", idCommand(transferService.PauseTask)).
		BindCommand("TRANSFER_RESUME", idCommand(transferService.ResumeTask)).
		BindCommand("TRANSFER_RESTART", restartCommand(transferService.RestartTask)).
		BindCommand("DOWNLOAD_INDEX", func(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
			tasks := downloadService.AllTasks()
			dtos := make([]*downloads.DownloadDto, len(tasks))
			for k, v := range tasks {
				dtos[k] = downloads.NewDto(v)
			}

			hub.Send(message.FormReply("COMMAND_SUCCESS", map[string]interface{}{"payload": dtos}, websocket.Response))
			return nil
		}).
		BindCommand("DOWNLOAD_CREATE", func(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
			var request downloads.DownloadRequest
			if err := gateway.decodeArguments(message, &request); err != nil {
				return err
			}

			id, err := downloadService.NewDownload(request.Url, request.Format, request.DestDir, request.ConvertTo)
			if err != nil {
				return err
			}

			hub.Send(message.FormReply("COMMAND_SUCCESS", map[string]interface{}{"payload": id}, websocket.Response))
			return nil
		}).
		BindCommand("DOWNLOAD_CONVERT", func(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
			var request downloads.ConvertRequest
			if err := gateway.decodeArguments(message, &request); err != nil {
				return err
			}

			id, err := downloadService.NewConversion(request.InputPath, request.TargetFormat)
			if err != nil {
				return err
			}

			hub.Send(message.FormReply("COMMAND_SUCCESS", map[string]interface{}{"payload": id}, websocket.Response))
			return nil
		}).
		BindCommand("DOWNLOAD_CANCEL", idCommand(downloadService.CancelTask)).
		BindCommand("DOWNLOAD_PAUSE", idCommand(downloadService.PauseTask)).
		BindCommand("DOWNLOAD_RESUME", idCommand(downloadService.ResumeTask)).
		BindCommand("DOWNLOAD_RESTART", restartCommand(downloadService.RestartTask)).
		BindCommand("ORGANIZER_INDEX", func(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
			items := organizeService.AllItems()
			dtos := make([]*organizer.ItemDto, len(items))
			for k, v := range items {
				dtos[k] = organizer.NewDto(v)
			}

			hub.Send(message.FormReply("COMMAND_SUCCESS", map[string]interface{}{"payload": dtos}, websocket.Response))
			return nil
		}).
		BindCommand("ORGANIZER_SWEEP", func(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
			var request organizer.SweepRequest
			if err := gateway.decodeArguments(message, &request); err != nil {
				return err
			}

			ids, err := organizeService.OrganizeDir(request.Dir)
			if err != nil {
				return err
			}

			hub.Send(message.FormReply("COMMAND_SUCCESS", map[string]interface{}{"payload": ids}, websocket.Response))
			return nil
		}).
		BindCommand("ORGANIZER_POLL", func(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
			organizeService.DiscoverNewFiles()
			hub.Send(message.FormReply("COMMAND_SUCCESS", nil, websocket.Response))
			return nil
		}).
		BindCommand("ORGANIZER_REMOVE", idCommand(organizeService.RemoveItem))
}

// decodeArguments maps the loosely-typed message body on to the given
// request struct (honouring it's json tags) before applying the structs
// validation rules.
func (gateway *RestGateway) decodeArguments(message *websocket.SocketMessage, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: target})
	if err != nil {
		return err
	}

	if err := decoder.Decode(message.Body); err != nil {
		return fmt.Errorf("command arguments are malformed: %w", err)
	}

	if err := gateway.validate.Struct(target); err != nil {
		return fmt.Errorf("command arguments are invalid: %w", err)
	}

	return nil
}

// idCommand wraps the common case of a command that accepts nothing but
// the uuid of the resource it operates on.
func idCommand(action func(uuid.UUID) error) websocket.SocketHandler {
	return func(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
		id, err := idArg(message)
		if err != nil {
			return err
		}

		if err := action(id); err != nil {
			return err
		}

		hub.Send(message.FormReply("COMMAND_SUCCESS", map[string]interface{}{"payload": id}, websocket.Response))
		return nil
	}
}

// restartCommand is idCommand for actions which mint a replacement
// resource; the new uuid is returned in the reply payload.
func restartCommand(action func(uuid.UUID) (uuid.UUID, error)) websocket.SocketHandler {
	return func(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
		id, err := idArg(message)
		if err != nil {
			return err
		}

		newID, err := action(id)
		if err != nil {
			return err
		}

		hub.Send(message.FormReply("COMMAND_SUCCESS", map[string]interface{}{"payload": newID}, websocket.Response))
		return nil
	}
}

func idArg(message *websocket.SocketMessage) (uuid.UUID, error) {
	if err := message.ValidateArguments(map[string]string{"id": "string"}); err != nil {
		return uuid.Nil, err
	}

	id, err := uuid.Parse(message.Body["id"].(string))
	if err != nil {
		return uuid.Nil, fmt.Errorf("provided 'id' is not a valid uuid: %w", err)
	}

	return id, nil
}
