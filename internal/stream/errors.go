package stream

import (
	"errors"
	"io"

	"github.com/xdpkit/transport/internal/xdperr"
)

// wrapIOErr tags err with the four-kind taxonomy (§7), except io.EOF, which
// passes through unwrapped so callers can keep using the standard
// io.Reader contract (errors.Is(err, io.EOF)).
func wrapIOErr(op string, err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	return xdperr.New(xdperr.KindProtocol, op, err)
}
