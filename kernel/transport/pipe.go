// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transport

import (
	"encoding/json"
	"sync"

	"github.com/juju/errors"
)

// Pipe returns two connected in-memory wires. Messages written on one
// side are read on the other, re-encoded through JSON so the pipe has
// the same fidelity as a socket.
func Pipe() (Wire, Wire) {
	ab := make(chan []byte, channelBuffer)
	ba := make(chan []byte, channelBuffer)
	closed := make(chan struct{})
	var once sync.Once
	closeFn := func() { once.Do(func() { close(closed) }) }
	a := &pipeWire{in: ba, out: ab, closed: closed, close: closeFn}
	b := &pipeWire{in: ab, out: ba, closed: closed, close: closeFn}
	return a, b
}

type pipeWire struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	close  func()
}

func (p *pipeWire) ReadJSON(v any) error {
	select {
	case data := <-p.in:
		return errors.Trace(json.Unmarshal(data, v))
	case <-p.closed:
		return errors.New("pipe closed")
	}
}

func (p *pipeWire) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Trace(err)
	}
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return errors.New("pipe closed")
	}
}

func (p *pipeWire) Close() error {
	p.close()
	return nil
}
