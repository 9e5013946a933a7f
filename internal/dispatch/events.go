package dispatch

import (
	"github.com/keshon/pakio/internal/chunkid"
)

// SignatureError reports one failed block signature check. Carried on
// the dispatcher event channel so callers can react to tampering
// beyond the failing request's status.
type SignatureError struct {
	Container    chunkid.ContainerID
	GlobalOffset int64
	SigIndex     int
}

// SignatureErrors returns the tamper event channel. Events are dropped
// when nobody drains the channel; the request status is authoritative.
func (d *Dispatcher) SignatureErrors() <-chan SignatureError {
	return d.sigErrs
}

func (d *Dispatcher) emitSignatureError(ev SignatureError) {
	select {
	case d.sigErrs <- ev:
	default:
	}
}
