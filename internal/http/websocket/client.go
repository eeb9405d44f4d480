package websocket

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// socketClient wraps a single websocket connection. Writes are serialized
// with a mutex as gorilla/websocket permits only one concurrent writer.
type socketClient struct {
	id      *uuid.UUID
	socket  *websocket.Conn
	writeMu sync.Mutex
}

func (client *socketClient) SendMessage(message *SocketMessage) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	return client.socket.WriteJSON(message)
}

// Read starts a read-loop on the clients websocket connection, emitting
// all received messages on the channel provided. If the connection
// experiences an error, or the JSON unmarshalling fails, this error will
// be returned and consequently the read loop will close. It is the
// responsibility of the caller to de-register the client once the
// connection closes.
func (client *socketClient) Read(receiveCh chan *SocketMessage) error {
	for {
		var recv SocketMessage
		if err := client.socket.ReadJSON(&recv); err != nil {
			return err
		}

		// Stamp the message with this clients uuid so replies find their
		// way back
		recv.Origin = client.id
		receiveCh <- &recv
	}
}

func (client *socketClient) Close() {
	client.socket.Close()
}
