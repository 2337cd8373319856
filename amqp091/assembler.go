package amqp091

import (
	"github.com/qmux/amqp091/internal/frame"
	"github.com/qmux/amqp091/internal/protocol"
)

// Content is a fully assembled inbound message: the content-bearing method
// that announced it, the content header, and the concatenated body.
type Content struct {
	Method *frame.Method
	Header *frame.Header
	Body   []byte
}

// contentAssembler accumulates the method, header and body frames of one
// inbound content message. Frames of a single message are contiguous on a
// channel, so at most one message is ever in flight per assembler and the
// assembler resets to empty as soon as a message completes or an error is
// detected.
type contentAssembler struct {
	method    *frame.Method
	header    *frame.Header
	seenSoFar uint64
	fragments [][]byte
}

// feed consumes one frame. It returns a non-nil Content exactly when the
// frame completes a message. Frames that violate the method/header/body
// ordering return UnexpectedFrameError; body bytes beyond the declared size
// return BodyOverrunError. Both reset the assembler.
func (a *contentAssembler) feed(f *frame.Frame) (*Content, error) {
	switch f.Type {
	case protocol.FrameMethod:
		m, err := f.ParseMethod()
		if err != nil {
			a.reset()
			return nil, err
		}
		if !m.Verb.CarriesContent() {
			a.reset()
			return nil, &UnexpectedFrameError{
				FrameType: f.Type,
				Channel:   f.Channel,
				Detail:    m.Verb.String() + " does not carry content",
			}
		}
		a.reset()
		a.method = m
		return nil, nil

	case protocol.FrameHeader:
		if a.method == nil || a.header != nil {
			a.reset()
			return nil, &UnexpectedFrameError{
				FrameType: f.Type,
				Channel:   f.Channel,
				Detail:    "content header without a pending method",
			}
		}
		h, err := f.ParseHeader()
		if err != nil {
			a.reset()
			return nil, err
		}
		a.header = h
		if h.BodySize == 0 {
			return a.finish(), nil
		}
		return nil, nil

	case protocol.FrameBody:
		if a.header == nil {
			a.reset()
			return nil, &UnexpectedFrameError{
				FrameType: f.Type,
				Channel:   f.Channel,
				Detail:    "content body without a pending header",
			}
		}
		a.seenSoFar += uint64(len(f.Payload))
		if a.seenSoFar > a.header.BodySize {
			received, declared := a.seenSoFar, a.header.BodySize
			a.reset()
			return nil, &BodyOverrunError{Received: received, Declared: declared}
		}
		a.fragments = append(a.fragments, f.Payload)
		if a.seenSoFar == a.header.BodySize {
			return a.finish(), nil
		}
		return nil, nil

	default:
		a.reset()
		return nil, &UnexpectedFrameError{
			FrameType: f.Type,
			Channel:   f.Channel,
			Detail:    "frame type has no place in a content stream",
		}
	}
}

// finish concatenates the accumulated fragments and resets the assembler.
func (a *contentAssembler) finish() *Content {
	body := make([]byte, 0, a.seenSoFar)
	for _, fragment := range a.fragments {
		body = append(body, fragment...)
	}

	content := &Content{
		Method: a.method,
		Header: a.header,
		Body:   body,
	}
	a.reset()
	return content
}

func (a *contentAssembler) reset() {
	a.method = nil
	a.header = nil
	a.seenSoFar = 0
	a.fragments = nil
}
