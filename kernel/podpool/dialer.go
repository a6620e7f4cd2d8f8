// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package podpool

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel/transport"
)

// WebsocketDialer connects to a kernel pod's websocket endpoint.
type WebsocketDialer struct {
	// Port is the kernel container port, 8765 by default.
	Port int
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, podIP string, id tyne.ID) (transport.Wire, error) {
	if podIP == "" {
		return nil, errors.NotValidf("empty pod IP")
	}
	port := d.Port
	if port == 0 {
		port = 8765
	}
	url := fmt.Sprintf("ws://%s:%d/kernel/%s", podIP, port, id)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, errors.Annotatef(err, "dialing kernel at %s", url)
	}
	_ = resp.Body.Close()
	return conn, nil
}
