// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package value

import (
	"encoding/json"

	"github.com/juju/errors"
)

// OutputKind discriminates the output union a kernel can attach to a
// cell: a typed execute result, a rich mime bundle, an error, or a
// fragment of stream output.
type OutputKind string

const (
	OutputExecuteResult OutputKind = "execute_result"
	OutputDisplayData   OutputKind = "display_data"
	OutputError         OutputKind = "error"
	OutputStream        OutputKind = "stream"
)

// ErrorOutput carries a kernel-side error.
type ErrorOutput struct {
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback,omitempty"`
}

// Output is one element of a cell's output list.
type Output struct {
	Kind OutputKind `json:"output_type"`

	// ExecuteResult / DisplayData.
	Data map[string]json.RawMessage `json:"data,omitempty"`

	// Error.
	Error *ErrorOutput `json:"-"`

	// Stream.
	StreamName string `json:"name,omitempty"`
	Text       string `json:"text,omitempty"`
}

// NewResult returns an execute_result output holding the value under
// the plain-text mime type.
func NewResult(v Value) Output {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte("null")
	}
	return Output{
		Kind: OutputExecuteResult,
		Data: map[string]json.RawMessage{"application/json": raw},
	}
}

// NewError returns an error output.
func NewError(ename, evalue string, traceback []string) Output {
	return Output{
		Kind:  OutputError,
		Error: &ErrorOutput{Ename: ename, Evalue: evalue, Traceback: traceback},
	}
}

// NewStream returns a stream output for stdout or stderr.
func NewStream(name, text string) Output {
	return Output{Kind: OutputStream, StreamName: name, Text: text}
}

// IsError reports whether the output is an error output.
func (o Output) IsError() bool { return o.Kind == OutputError }

type outputJSON struct {
	Kind       OutputKind                 `json:"output_type"`
	Data       map[string]json.RawMessage `json:"data,omitempty"`
	Ename      string                     `json:"ename,omitempty"`
	Evalue     string                     `json:"evalue,omitempty"`
	Traceback  []string                   `json:"traceback,omitempty"`
	StreamName string                     `json:"name,omitempty"`
	Text       string                     `json:"text,omitempty"`
}

// MarshalJSON flattens the error fields into the envelope, matching the
// wire shape of kernel messages.
func (o Output) MarshalJSON() ([]byte, error) {
	out := outputJSON{
		Kind:       o.Kind,
		Data:       o.Data,
		StreamName: o.StreamName,
		Text:       o.Text,
	}
	if o.Error != nil {
		out.Ename = o.Error.Ename
		out.Evalue = o.Error.Evalue
		out.Traceback = o.Error.Traceback
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Output) UnmarshalJSON(data []byte) error {
	var in outputJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return errors.Trace(err)
	}
	*o = Output{
		Kind:       in.Kind,
		Data:       in.Data,
		StreamName: in.StreamName,
		Text:       in.Text,
	}
	if in.Kind == OutputError {
		o.Error = &ErrorOutput{Ename: in.Ename, Evalue: in.Evalue, Traceback: in.Traceback}
	}
	return nil
}
